package availability

import "time"

// Interval is a half-open [Start, End) range of absolute instants.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Pad widens the interval by buffer on both ends.
func (iv Interval) Pad(buffer time.Duration) Interval {
	return Interval{Start: iv.Start.Add(-buffer), End: iv.End.Add(buffer)}
}

// Overlaps uses half-open semantics: touching intervals do not overlap.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start.Before(o.End) && o.Start.Before(iv.End)
}

// blocked reports whether candidate collides with any booked interval padded by buffer.
func blocked(candidate Interval, booked []Interval, buffer time.Duration) bool {
	for _, b := range booked {
		if candidate.Overlaps(b.Pad(buffer)) {
			return true
		}
	}
	return false
}
