package booking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
)

// memStore mimics the Postgres store, including the exclusion constraint on active rows
// and the partial unique index on pending reschedules.
type memStore struct {
	mu   sync.Mutex
	rows map[string]model.BookingRequest
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]model.BookingRequest{}}
}

func (m *memStore) overlapsActive(b model.BookingRequest) bool {
	for _, o := range m.rows {
		if o.ID == b.ID || o.CoachID != b.CoachID || !o.Status.Active() {
			continue
		}
		if b.ScheduledStart.Before(o.ScheduledEnd()) && o.ScheduledStart.Before(b.ScheduledEnd()) {
			return true
		}
	}
	return false
}

func (m *memStore) Insert(_ context.Context, b model.BookingRequest) (model.BookingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Status = model.StatusPending
	if m.overlapsActive(b) {
		return model.BookingRequest{}, fmt.Errorf("%w: booking_requests_no_overlap", storage.ErrSlotConflict)
	}
	if b.RescheduleOf != "" {
		for _, o := range m.rows {
			if o.RescheduleOf == b.RescheduleOf && o.Status == model.StatusPending {
				return model.BookingRequest{}, storage.ErrDuplicateReschedule
			}
		}
	}
	b.CalendarSyncStatus = model.SyncNone
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	m.rows[b.ID] = b
	return b, nil
}

func (m *memStore) Get(_ context.Context, id string) (model.BookingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return model.BookingRequest{}, storage.ErrNotFound
	}
	return b, nil
}

func (m *memStore) Transition(_ context.Context, id string, from, to model.Status, p storage.Patch) (model.BookingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return model.BookingRequest{}, storage.ErrNotFound
	}
	if b.Status != from {
		return model.BookingRequest{}, storage.ErrStaleState
	}
	b.Status = to
	if to.Active() && !from.Active() && m.overlapsActive(b) {
		return model.BookingRequest{}, storage.ErrSlotConflict
	}
	if p.CalendarEventID != nil {
		b.CalendarEventID = *p.CalendarEventID
	}
	if p.MeetingURL != nil {
		b.MeetingURL = *p.MeetingURL
	}
	if p.CalendarSyncStatus != nil {
		b.CalendarSyncStatus = *p.CalendarSyncStatus
	}
	if p.DeclineReason != nil {
		b.DeclineReason = *p.DeclineReason
	}
	m.rows[id] = b
	return b, nil
}

func (m *memStore) RecordSync(_ context.Context, id string, eventID, meetingURL string, status model.CalendarSyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || b.Status != model.StatusConfirmed {
		return storage.ErrStaleState
	}
	if eventID != "" {
		b.CalendarEventID = eventID
	}
	if meetingURL != "" {
		b.MeetingURL = meetingURL
	}
	b.CalendarSyncStatus = status
	m.rows[id] = b
	return nil
}

func (m *memStore) ListActive(_ context.Context, coachID string, from time.Time) ([]availability.BookedRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []availability.BookedRow
	for _, b := range m.rows {
		if b.CoachID != coachID || !b.Status.Active() || !b.ScheduledEnd().After(from) {
			continue
		}
		start, end := b.ScheduledStart, b.ScheduledEnd()
		out = append(out, availability.BookedRow{ID: b.ID, ScheduledStart: &start, ScheduledEnd: &end, DurationMinutes: b.DurationMinutes})
	}
	return out, nil
}

func (m *memStore) ListByCoach(_ context.Context, coachID string, status model.Status, limit int) ([]model.BookingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BookingRequest
	for _, b := range m.rows {
		if b.CoachID == coachID && (status == "" || b.Status == status) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.After(out[j].ScheduledStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) PendingRescheduleOf(_ context.Context, originalID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.rows {
		if b.RescheduleOf == originalID && b.Status == model.StatusPending {
			return b.ID, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) ListSyncRetries(_ context.Context, now time.Time, limit int) ([]model.BookingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BookingRequest
	for _, b := range m.rows {
		if b.Status == model.StatusConfirmed && b.CalendarSyncStatus == model.SyncFailed && b.ScheduledStart.After(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

// mustGet reads a row directly, bypassing coach scoping.
func (m *memStore) mustGet(id string) model.BookingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type memCoaches struct {
	coach model.Coach
	rules []availability.Rule
}

func (c memCoaches) GetCoach(_ context.Context, coachID string) (model.Coach, error) {
	if coachID != c.coach.ID {
		return model.Coach{}, storage.ErrNotFound
	}
	return c.coach, nil
}

func (c memCoaches) ListRules(_ context.Context, _ string) ([]availability.Rule, error) {
	return c.rules, nil
}

type fakeCalendar struct {
	mu       sync.Mutex
	result   calendar.Result
	creates  int
	eventIDs []string
	patches  []string
	deletes  []string
	sequence int
	// beforeCreate runs once, outside the lock, at the start of the next CreateEvent.
	beforeCreate func()
}

func (f *fakeCalendar) setResult(r calendar.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = r
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _ string, in calendar.EventInput) (calendar.Event, calendar.Result) {
	f.mu.Lock()
	hook := f.beforeCreate
	f.beforeCreate = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.eventIDs = append(f.eventIDs, in.EventID)
	if f.result.Outcome != calendar.OutcomeOK {
		return calendar.Event{}, f.result
	}
	f.sequence++
	return calendar.Event{
		ID:            fmt.Sprintf("evt-%d", f.sequence),
		ConferenceURL: "https://meet.example.com/" + in.RequestID,
	}, f.result
}

func (f *fakeCalendar) PatchEventTime(_ context.Context, _ string, eventID string, _ time.Time, _ int, _ string) calendar.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, eventID)
	return f.result
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ string, eventID string) calendar.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, eventID)
	return f.result
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Enqueue(_ context.Context, evt outbox.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt.EventType)
	return nil
}

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == eventType {
			c++
		}
	}
	return c
}

const coachID = "7b0c2f3e-5a7d-4c61-9a53-2f1c0e4b8d11"

type fixture struct {
	svc      *Service
	store    *memStore
	cal      *fakeCalendar
	notifier *recordingNotifier
}

// newFixture builds a service for a New York coach with 60 minute sessions. The clock
// reads Sunday 2024-06-02 12:00 UTC, so the first Monday is 2024-06-03.
func newFixture(rules ...availability.Rule) *fixture {
	store := newMemStore()
	cal := &fakeCalendar{result: calendar.OK()}
	notifier := &recordingNotifier{}
	coaches := memCoaches{
		coach: model.Coach{
			ID:             coachID,
			DisplayName:    "Casey Coach",
			Email:          "casey@example.com",
			Timezone:       "America/New_York",
			SessionMinutes: 60,
		},
		rules: rules,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, coaches, cal, notifier, logger, Config{CalendarTimeout: time.Second})
	svc.now = func() time.Time { return time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, store: store, cal: cal, notifier: notifier}
}

func monday(startMinute, endMinute int) availability.Rule {
	return availability.Rule{DayOfWeek: time.Monday, StartMinute: startMinute, EndMinute: endMinute}
}

func submitInput(start string) SubmitInput {
	return SubmitInput{
		CoachID:         coachID,
		StudentEmail:    "sam@example.com",
		StudentName:     "Sam Student",
		StudentTimezone: "Europe/Berlin",
		Start:           start,
	}
}
