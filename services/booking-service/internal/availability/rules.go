package availability

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/wallclock"
)

// Rule is one recurring weekly window of open hours in the coach's zone.
// StartMinute and EndMinute count minutes after local midnight.
type Rule struct {
	DayOfWeek   time.Weekday
	StartMinute int
	EndMinute   int
}

func (r Rule) Validate() error {
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return fmt.Errorf("day_of_week %d out of range", r.DayOfWeek)
	}
	if r.StartMinute < 0 || r.EndMinute > 24*60 {
		return fmt.Errorf("window %s-%s out of range", wallclock.FormatClock(r.StartMinute), wallclock.FormatClock(r.EndMinute))
	}
	if r.StartMinute >= r.EndMinute {
		return fmt.Errorf("start %s must be before end %s", wallclock.FormatClock(r.StartMinute), wallclock.FormatClock(r.EndMinute))
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s-%s", r.DayOfWeek, wallclock.FormatClock(r.StartMinute), wallclock.FormatClock(r.EndMinute))
}

// RuleSet indexes rules by weekday.
type RuleSet struct {
	byDay [7][]Rule
}

// NewRuleSet keeps the valid rules, ordered by start within each day. Invalid rules are
// logged and dropped so one bad row never hides a coach's whole week.
func NewRuleSet(rules []Rule, logger *slog.Logger) RuleSet {
	var rs RuleSet
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			if logger != nil {
				logger.Warn("availability rule ignored", "rule", r.String(), "err", err)
			}
			continue
		}
		rs.byDay[r.DayOfWeek] = append(rs.byDay[r.DayOfWeek], r)
	}
	for d := range rs.byDay {
		day := rs.byDay[d]
		sort.Slice(day, func(i, j int) bool { return day[i].StartMinute < day[j].StartMinute })
	}
	return rs
}

func (rs RuleSet) ForDay(d time.Weekday) []Rule {
	return rs.byDay[d]
}

func (rs RuleSet) Empty() bool {
	for _, day := range rs.byDay {
		if len(day) > 0 {
			return false
		}
	}
	return true
}

// Covers reports whether [startMinute, startMinute+duration) fits inside a rule on day d
// and lands on the step grid of that rule.
func (rs RuleSet) Covers(d time.Weekday, startMinute, durationMinutes, stepMinutes int) bool {
	for _, r := range rs.byDay[d] {
		if startMinute < r.StartMinute || startMinute+durationMinutes > r.EndMinute {
			continue
		}
		if stepMinutes <= 0 || (startMinute-r.StartMinute)%stepMinutes == 0 {
			return true
		}
	}
	return false
}
