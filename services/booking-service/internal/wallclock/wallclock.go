// Package wallclock converts between coach-local wall-clock times and absolute instants.
package wallclock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownZone is returned for an empty or unrecognised IANA zone name.
var ErrUnknownZone = errors.New("unknown timezone")

// maxIterations bounds offset convergence; zone offsets change at most once near a
// transition, so two corrections always settle.
const maxIterations = 3

// Date is a calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// Instant is the result of resolving a wall-clock time.
// Exact is false when the wall time does not exist in the zone (spring-forward gap);
// Time then holds the post-transition reading, e.g. 02:30 -> 03:30 on a US spring-forward day.
type Instant struct {
	Time  time.Time
	Exact bool
}

func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownZone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}
	return loc, nil
}

// Resolve returns the instant that minuteOfDay on date represents in loc.
//
// The wall time is first read as if it were UTC, then repeatedly shifted by the zone
// offset observed at the current guess until the offset stops changing. Ambiguous
// fall-back times resolve to the earlier (pre-transition) occurrence.
func Resolve(date Date, minuteOfDay int, loc *time.Location) Instant {
	wall := time.Date(date.Year, date.Month, date.Day, 0, minuteOfDay, 0, 0, time.UTC)

	offset := offsetAt(wall, loc)
	var guess time.Time
	converged := false
	for i := 0; i < maxIterations; i++ {
		candidate := wall.Add(-offset)
		next := offsetAt(candidate, loc)
		if next == offset {
			guess, converged = candidate, true
			break
		}
		if i == maxIterations-1 {
			// Oscillation: the wall time sits in a gap. Use the pre-transition offset,
			// which lands after the gap.
			guess = wall.Add(-min(offset, next))
			break
		}
		offset = next
	}

	if converged {
		// Prefer the earlier reading when the wall time occurs twice.
		for _, shift := range []time.Duration{-12 * time.Hour, 12 * time.Hour} {
			o := offsetAt(guess.Add(shift), loc)
			if c := wall.Add(-o); c.Before(guess) && offsetAt(c, loc) == o {
				guess = c
			}
		}
	}

	t := guess.In(loc)
	return Instant{Time: t, Exact: sameWall(t, wall)}
}

// Parse resolves "YYYY-MM-DD" + "HH:MM" in the named zone.
func Parse(date, clock, zone string) (Instant, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return Instant{}, err
	}
	d, err := ParseDate(date)
	if err != nil {
		return Instant{}, err
	}
	m, err := ParseClock(clock)
	if err != nil {
		return Instant{}, err
	}
	return Resolve(d, m, loc), nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into minutes after midnight (seconds ignored).
// "24:00" is accepted as the end of day.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes after midnight as "HH:MM".
func FormatClock(minuteOfDay int) string {
	return fmt.Sprintf("%02d:%02d", minuteOfDay/60, minuteOfDay%60)
}

// Local is an instant rendered in a particular zone.
type Local struct {
	Date    string
	Time    string
	Label   string
	Weekday time.Weekday
	Zone    string
}

const labelLayout = "Mon, Jan 2 3:04 PM MST"

// Render is the inverse of Resolve.
func Render(t time.Time, loc *time.Location) Local {
	lt := t.In(loc)
	return Local{
		Date:    lt.Format(time.DateOnly),
		Time:    lt.Format("15:04"),
		Label:   lt.Format(labelLayout),
		Weekday: lt.Weekday(),
		Zone:    loc.String(),
	}
}

// LocalDate returns the calendar date dayOffset days after now's date in loc,
// along with its weekday in that zone (never the machine's zone).
func LocalDate(now time.Time, dayOffset int, loc *time.Location) (Date, time.Weekday) {
	lt := now.In(loc)
	// Noon keeps AddDate clear of DST edges.
	noon := time.Date(lt.Year(), lt.Month(), lt.Day(), 12, 0, 0, 0, loc).AddDate(0, 0, dayOffset)
	return Date{Year: noon.Year(), Month: noon.Month(), Day: noon.Day()}, noon.Weekday()
}

func offsetAt(t time.Time, loc *time.Location) time.Duration {
	_, secs := t.In(loc).Zone()
	return time.Duration(secs) * time.Second
}

func sameWall(t, wall time.Time) bool {
	return t.Year() == wall.Year() && t.Month() == wall.Month() && t.Day() == wall.Day() &&
		t.Hour() == wall.Hour() && t.Minute() == wall.Minute()
}
