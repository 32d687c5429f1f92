package availability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/wallclock"
)

// SlotShape tags which representation a stored requested slot uses.
type SlotShape int

const (
	ShapeNone SlotShape = iota
	// ShapeLegacy is a bare datetime string; the duration lives on the row.
	ShapeLegacy
	// ShapeStructured is {"datetime": ..., "durationMinutes": N}.
	ShapeStructured
)

// RawSlot is the requested-slot column as stored: either shape is accepted on read.
type RawSlot struct {
	Shape           SlotShape
	Datetime        string
	DurationMinutes int
}

type structuredSlot struct {
	Datetime        string `json:"datetime"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (s *RawSlot) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = RawSlot{}
		return nil
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = RawSlot{Shape: ShapeLegacy, Datetime: v}
		return nil
	case b[0] == '{':
		var v structuredSlot
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = RawSlot{Shape: ShapeStructured, Datetime: v.Datetime, DurationMinutes: v.DurationMinutes}
		return nil
	default:
		return fmt.Errorf("requested slot: unsupported json %.20q", b)
	}
}

// MarshalJSON always writes the structured shape.
func (s RawSlot) MarshalJSON() ([]byte, error) {
	if s.Shape == ShapeNone {
		return []byte("null"), nil
	}
	return json.Marshal(structuredSlot{Datetime: s.Datetime, DurationMinutes: s.DurationMinutes})
}

// StructuredSlot builds the canonical stored form for a new booking.
func StructuredSlot(start time.Time, durationMinutes int) RawSlot {
	return RawSlot{Shape: ShapeStructured, Datetime: start.UTC().Format(time.RFC3339), DurationMinutes: durationMinutes}
}

// BookedRow is one active (pending or confirmed) booking as read from storage.
type BookedRow struct {
	ID              string
	ScheduledStart  *time.Time
	ScheduledEnd    *time.Time
	DurationMinutes int
	Slot            RawSlot
}

var errMissingDatetime = errors.New("missing datetime")

// ExtractBooked normalises rows into absolute intervals sorted by start.
// Naive datetimes are read in coachLoc. Rows that cannot be interpreted are logged and skipped.
func ExtractBooked(rows []BookedRow, coachLoc *time.Location, logger *slog.Logger) []Interval {
	out := make([]Interval, 0, len(rows))
	for _, row := range rows {
		iv, err := intervalFor(row, coachLoc)
		if err != nil {
			if logger != nil {
				logger.Warn("booked row skipped", "booking_id", row.ID, "err", err)
			}
			continue
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func intervalFor(row BookedRow, loc *time.Location) (Interval, error) {
	if row.ScheduledStart != nil && row.ScheduledEnd != nil {
		if !row.ScheduledEnd.After(*row.ScheduledStart) {
			return Interval{}, fmt.Errorf("scheduled end %s not after start %s", row.ScheduledEnd.Format(time.RFC3339), row.ScheduledStart.Format(time.RFC3339))
		}
		return Interval{Start: *row.ScheduledStart, End: *row.ScheduledEnd}, nil
	}
	if row.ScheduledStart != nil && row.DurationMinutes > 0 {
		return Interval{Start: *row.ScheduledStart, End: row.ScheduledStart.Add(time.Duration(row.DurationMinutes) * time.Minute)}, nil
	}

	var raw string
	duration := row.DurationMinutes
	switch row.Slot.Shape {
	case ShapeLegacy:
		raw = row.Slot.Datetime
	case ShapeStructured:
		raw = row.Slot.Datetime
		if row.Slot.DurationMinutes > 0 {
			duration = row.Slot.DurationMinutes
		}
	default:
		return Interval{}, errMissingDatetime
	}
	if duration <= 0 {
		return Interval{}, fmt.Errorf("non-positive duration %d", duration)
	}
	start, err := ParseDatetime(raw, loc)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: start, End: start.Add(time.Duration(duration) * time.Minute)}, nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDatetime accepts RFC3339 or a naive local datetime interpreted in loc.
func ParseDatetime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errMissingDatetime
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		date := wallclock.Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
		return wallclock.Resolve(date, t.Hour()*60+t.Minute(), loc).Time, nil
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", raw)
}
