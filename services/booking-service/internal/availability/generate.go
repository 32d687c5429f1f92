package availability

import (
	"errors"
	"sort"
	"time"

	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/wallclock"
)

const (
	DefaultHorizonDays = 7
	DefaultStepMinutes = 30
)

var ErrInvalidParams = errors.New("invalid slot generation parameters")

// Params is the full input of Generate. Now is explicit so output is reproducible.
type Params struct {
	Rules            RuleSet
	DurationMinutes  int
	Booked           []Interval
	CoachZone        *time.Location
	DisplayZone      *time.Location
	MinNoticeMinutes int
	BufferMinutes    int
	HorizonDays      int
	StepMinutes      int
	Now              time.Time
}

// Slot is one bookable start, labelled for both the coach and the requester.
type Slot struct {
	Start           time.Time
	End             time.Time
	DurationMinutes int
	CoachLocalLabel string
	DisplayDate     string
	DisplayTime     string
	DisplayLabel    string
}

// Generate expands the weekly rules over the horizon (in the coach's zone) and returns
// the candidates that are in the future, respect minimum notice and stay clear of every
// booked interval padded by the buffer. The result is sorted by instant.
func Generate(p Params) ([]Slot, error) {
	if p.DurationMinutes <= 0 || p.CoachZone == nil || p.MinNoticeMinutes < 0 || p.BufferMinutes < 0 {
		return nil, ErrInvalidParams
	}
	if p.DisplayZone == nil {
		p.DisplayZone = p.CoachZone
	}
	if p.HorizonDays <= 0 {
		p.HorizonDays = DefaultHorizonDays
	}
	if p.StepMinutes <= 0 {
		p.StepMinutes = DefaultStepMinutes
	}

	duration := time.Duration(p.DurationMinutes) * time.Minute
	buffer := time.Duration(p.BufferMinutes) * time.Minute
	earliest := p.Now.Add(time.Duration(p.MinNoticeMinutes) * time.Minute)

	var out []Slot
	seen := map[int64]bool{}
	for day := 0; day < p.HorizonDays; day++ {
		date, weekday := wallclock.LocalDate(p.Now, day, p.CoachZone)
		for _, rule := range p.Rules.ForDay(weekday) {
			for m := rule.StartMinute; m+p.DurationMinutes <= rule.EndMinute; m += p.StepMinutes {
				inst := wallclock.Resolve(date, m, p.CoachZone)
				if !inst.Exact {
					// The wall time does not exist today (DST gap).
					continue
				}
				start := inst.Time
				if !start.After(p.Now) || start.Before(earliest) {
					continue
				}
				candidate := Interval{Start: start, End: start.Add(duration)}
				if blocked(candidate, p.Booked, buffer) {
					continue
				}
				key := start.UnixNano()
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, newSlot(candidate, p.DurationMinutes, p.CoachZone, p.DisplayZone))
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func newSlot(iv Interval, durationMinutes int, coach, display *time.Location) Slot {
	shown := wallclock.Render(iv.Start, display)
	return Slot{
		Start:           iv.Start.UTC(),
		End:             iv.End.UTC(),
		DurationMinutes: durationMinutes,
		CoachLocalLabel: wallclock.Render(iv.Start, coach).Label,
		DisplayDate:     shown.Date,
		DisplayTime:     shown.Time,
		DisplayLabel:    shown.Label,
	}
}

// DayGroup collects slots sharing a display-local date.
type DayGroup struct {
	Date  string
	Slots []Slot
}

// GroupByDate expects slots sorted by Start, as returned by Generate.
func GroupByDate(slots []Slot) []DayGroup {
	var groups []DayGroup
	for _, s := range slots {
		if n := len(groups); n > 0 && groups[n-1].Date == s.DisplayDate {
			groups[n-1].Slots = append(groups[n-1].Slots, s)
			continue
		}
		groups = append(groups, DayGroup{Date: s.DisplayDate, Slots: []Slot{s}})
	}
	return groups
}
