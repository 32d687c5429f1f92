// Package booking owns the booking lifecycle: committing a slot, moving a request
// through its states and keeping the coach's calendar in step on a best-effort basis.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/wallclock"
)

// Store is the booking persistence the service relies on. The storage implementation
// enforces non-overlap with an exclusion constraint; Insert and Transition report
// storage.ErrSlotConflict when it fires.
type Store interface {
	Insert(ctx context.Context, b model.BookingRequest) (model.BookingRequest, error)
	Get(ctx context.Context, id string) (model.BookingRequest, error)
	Transition(ctx context.Context, id string, from, to model.Status, p storage.Patch) (model.BookingRequest, error)
	RecordSync(ctx context.Context, id string, eventID, meetingURL string, status model.CalendarSyncStatus) error
	ListActive(ctx context.Context, coachID string, from time.Time) ([]availability.BookedRow, error)
	ListByCoach(ctx context.Context, coachID string, status model.Status, limit int) ([]model.BookingRequest, error)
	PendingRescheduleOf(ctx context.Context, originalID string) (string, bool, error)
	ListSyncRetries(ctx context.Context, now time.Time, limit int) ([]model.BookingRequest, error)
}

type Coaches interface {
	GetCoach(ctx context.Context, coachID string) (model.Coach, error)
	ListRules(ctx context.Context, coachID string) ([]availability.Rule, error)
}

// Notifier receives fire-and-forget notifications after state changes.
type Notifier interface {
	Enqueue(ctx context.Context, n outbox.Notification) error
}

type Config struct {
	CalendarTimeout time.Duration
	HorizonDays     int
	StepMinutes     int
}

type Service struct {
	store    Store
	coaches  Coaches
	calendar calendar.Client
	notifier Notifier
	logger   *slog.Logger
	validate *validator.Validate
	cfg      Config
	now      func() time.Time
}

// NewService wires the orchestrator. cal and notifier may be nil: calendar sync is then
// skipped and notifications are dropped.
func NewService(store Store, coaches Coaches, cal calendar.Client, notifier Notifier, logger *slog.Logger, cfg Config) *Service {
	if cfg.CalendarTimeout <= 0 {
		cfg.CalendarTimeout = 8 * time.Second
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = availability.DefaultHorizonDays
	}
	if cfg.StepMinutes <= 0 {
		cfg.StepMinutes = availability.DefaultStepMinutes
	}
	return &Service{
		store:    store,
		coaches:  coaches,
		calendar: cal,
		notifier: notifier,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Session length bounds, shared by slot listing and booking so every offered slot can be booked.
// The validate tags on SubmitInput carry the same numbers.
const (
	MinDurationMinutes = 5
	MaxDurationMinutes = 480
)

type SubmitInput struct {
	CoachID         string `validate:"required"`
	StudentEmail    string `validate:"required,email,max=254"`
	StudentName     string `validate:"required,max=200"`
	StudentTimezone string `validate:"required"`
	// Start is RFC3339, or a naive local datetime read in the student's zone.
	Start           string `validate:"required"`
	DurationMinutes int    `validate:"omitempty,min=5,max=480"`
	Message         string `validate:"max=2000"`
}

// Submit holds the requested slot as a pending booking. Overlap is decided by the
// store in the same statement as the insert; the rule and notice checks are advisory.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (model.BookingRequest, error) {
	in.StudentEmail = strings.TrimSpace(in.StudentEmail)
	in.StudentName = strings.TrimSpace(in.StudentName)
	if err := s.validate.Struct(in); err != nil {
		return model.BookingRequest{}, invalid("%s", describeValidation(err))
	}

	coach, err := s.coach(ctx, in.CoachID)
	if err != nil {
		return model.BookingRequest{}, err
	}
	studentLoc, err := wallclock.LoadZone(in.StudentTimezone)
	if err != nil {
		return model.BookingRequest{}, invalid("student timezone: %v", err)
	}
	start, err := availability.ParseDatetime(in.Start, studentLoc)
	if err != nil {
		return model.BookingRequest{}, invalid("start: %v", err)
	}
	duration := in.DurationMinutes
	if duration == 0 {
		duration = coach.SessionMinutes
	}
	if err := s.checkSlot(ctx, coach, start, duration); err != nil {
		return model.BookingRequest{}, err
	}

	created, err := s.store.Insert(ctx, model.BookingRequest{
		ID:              uuid.NewString(),
		CoachID:         coach.ID,
		StudentEmail:    in.StudentEmail,
		StudentName:     in.StudentName,
		StudentTimezone: studentLoc.String(),
		ScheduledStart:  start.UTC(),
		DurationMinutes: duration,
		Message:         in.Message,
	})
	if err != nil {
		return model.BookingRequest{}, translateWrite(err)
	}

	s.logger.Info("booking submitted", "booking_id", created.ID, "coach_id", coach.ID, "start", created.ScheduledStart)
	s.notify(ctx, outbox.EventSubmitted, created, &coach, nil)
	return created, nil
}

type RescheduleInput struct {
	// Start is RFC3339, or a naive local datetime read in the coach's zone.
	Start string `validate:"required"`
}

// Reschedule proposes a new slot for a confirmed booking. The new row is pending and
// holds its slot; the original stays confirmed until the new row is accepted.
func (s *Service) Reschedule(ctx context.Context, coachID, id string, in RescheduleInput) (Transition, error) {
	if err := s.validate.Struct(in); err != nil {
		return Transition{}, invalid("%s", describeValidation(err))
	}
	original, err := s.load(ctx, coachID, id)
	if err != nil {
		return Transition{}, err
	}
	if _, ok := model.Next(original.Status, model.ActionReschedule); !ok {
		return Transition{}, guard("only confirmed bookings can be rescheduled (status is %s)", original.Status)
	}
	if pendingID, exists, err := s.store.PendingRescheduleOf(ctx, original.ID); err != nil {
		return Transition{}, err
	} else if exists {
		return Transition{}, guard("reschedule %s is already pending for this booking", pendingID)
	}

	coach, err := s.coach(ctx, coachID)
	if err != nil {
		return Transition{}, err
	}
	coachLoc, err := wallclock.LoadZone(coach.Timezone)
	if err != nil {
		return Transition{}, fmt.Errorf("coach %s: %w", coach.ID, err)
	}
	start, err := availability.ParseDatetime(in.Start, coachLoc)
	if err != nil {
		return Transition{}, invalid("start: %v", err)
	}
	if err := s.checkSlot(ctx, coach, start, original.DurationMinutes); err != nil {
		return Transition{}, err
	}

	created, err := s.store.Insert(ctx, model.BookingRequest{
		ID:              uuid.NewString(),
		CoachID:         original.CoachID,
		StudentEmail:    original.StudentEmail,
		StudentName:     original.StudentName,
		StudentTimezone: original.StudentTimezone,
		ScheduledStart:  start.UTC(),
		DurationMinutes: original.DurationMinutes,
		RescheduleOf:    original.ID,
		Message:         original.Message,
	})
	if err != nil {
		return Transition{}, translateWrite(err)
	}

	s.logger.Info("reschedule requested", "booking_id", created.ID, "original_id", original.ID, "start", created.ScheduledStart)
	s.notify(ctx, outbox.EventRescheduleRequested, created, &coach, map[string]string{
		"original_booking_id": original.ID,
		"previous_start":      original.ScheduledStart.Format(time.RFC3339),
	})
	return Transition{Booking: created, Sync: calendar.Skipped("pending")}, nil
}

// checkSlot runs the advisory checks shared by Submit and Reschedule.
func (s *Service) checkSlot(ctx context.Context, coach model.Coach, start time.Time, durationMinutes int) error {
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return invalid("duration must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes)
	}
	now := s.now()
	if !start.After(now) {
		return invalid("slot is not in the future")
	}
	if start.Before(now.Add(time.Duration(coach.MinNoticeMinutes) * time.Minute)) {
		return invalid("slot is inside the coach's minimum notice of %d minutes", coach.MinNoticeMinutes)
	}

	coachLoc, err := wallclock.LoadZone(coach.Timezone)
	if err != nil {
		return fmt.Errorf("coach %s: %w", coach.ID, err)
	}
	rules, err := s.coaches.ListRules(ctx, coach.ID)
	if err != nil {
		return err
	}
	local := start.In(coachLoc)
	minute := local.Hour()*60 + local.Minute()
	ruleSet := availability.NewRuleSet(rules, s.logger)
	if local.Second() != 0 || local.Nanosecond() != 0 || !ruleSet.Covers(local.Weekday(), minute, durationMinutes, s.cfg.StepMinutes) {
		return invalid("slot is outside the coach's availability")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, coachID, id string) (model.BookingRequest, error) {
	return s.load(ctx, coachID, id)
}

func (s *Service) List(ctx context.Context, coachID string, status model.Status, limit int) ([]model.BookingRequest, error) {
	if status != "" && !status.Valid() {
		return nil, invalid("unknown status %q", status)
	}
	if limit < 0 || limit > 200 {
		return nil, invalid("limit must be between 1 and 200")
	}
	return s.store.ListByCoach(ctx, coachID, status, limit)
}

type SlotsQuery struct {
	CoachID string
	// Timezone is the requester's display zone; empty means the coach's zone.
	Timezone        string
	DurationMinutes int
}

type SlotsResult struct {
	CoachTimezone   string
	DisplayTimezone string
	DurationMinutes int
	Days            []availability.DayGroup
}

// Slots lists the coach's bookable starts over the horizon, grouped by display date.
func (s *Service) Slots(ctx context.Context, q SlotsQuery) (SlotsResult, error) {
	coach, err := s.coach(ctx, q.CoachID)
	if err != nil {
		return SlotsResult{}, err
	}
	coachLoc, err := wallclock.LoadZone(coach.Timezone)
	if err != nil {
		return SlotsResult{}, fmt.Errorf("coach %s: %w", coach.ID, err)
	}
	displayLoc := coachLoc
	if q.Timezone != "" {
		if displayLoc, err = wallclock.LoadZone(q.Timezone); err != nil {
			return SlotsResult{}, invalid("timezone: %v", err)
		}
	}
	duration := q.DurationMinutes
	if duration == 0 {
		duration = coach.SessionMinutes
	}
	if duration < MinDurationMinutes || duration > MaxDurationMinutes {
		return SlotsResult{}, invalid("duration must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes)
	}

	rules, err := s.coaches.ListRules(ctx, coach.ID)
	if err != nil {
		return SlotsResult{}, err
	}
	now := s.now()
	rows, err := s.store.ListActive(ctx, coach.ID, now.Add(-time.Duration(coach.BufferMinutes)*time.Minute))
	if err != nil {
		return SlotsResult{}, err
	}
	slots, err := availability.Generate(availability.Params{
		Rules:            availability.NewRuleSet(rules, s.logger),
		DurationMinutes:  duration,
		Booked:           availability.ExtractBooked(rows, coachLoc, s.logger),
		CoachZone:        coachLoc,
		DisplayZone:      displayLoc,
		MinNoticeMinutes: coach.MinNoticeMinutes,
		BufferMinutes:    coach.BufferMinutes,
		HorizonDays:      s.cfg.HorizonDays,
		StepMinutes:      s.cfg.StepMinutes,
		Now:              now,
	})
	if err != nil {
		return SlotsResult{}, invalid("%v", err)
	}
	return SlotsResult{
		CoachTimezone:   coachLoc.String(),
		DisplayTimezone: displayLoc.String(),
		DurationMinutes: duration,
		Days:            availability.GroupByDate(slots),
	}, nil
}

func (s *Service) coach(ctx context.Context, coachID string) (model.Coach, error) {
	c, err := s.coaches.GetCoach(ctx, coachID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Coach{}, fmt.Errorf("coach %s: %w", coachID, ErrNotFound)
		}
		return model.Coach{}, err
	}
	return c, nil
}

// load fetches a booking owned by coachID. Bookings of other coaches look missing.
func (s *Service) load(ctx context.Context, coachID, id string) (model.BookingRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.BookingRequest{}, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	b, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.BookingRequest{}, fmt.Errorf("booking %s: %w", id, ErrNotFound)
		}
		return model.BookingRequest{}, err
	}
	if b.CoachID != coachID {
		return model.BookingRequest{}, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func translateWrite(err error) error {
	switch {
	case errors.Is(err, storage.ErrSlotConflict):
		return ErrSlotTaken
	case errors.Is(err, storage.ErrDuplicateReschedule):
		return guard("a reschedule is already pending for this booking")
	}
	return err
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (s *Service) notify(ctx context.Context, eventType string, b model.BookingRequest, coach *model.Coach, extra map[string]string) {
	if s.notifier == nil {
		return
	}
	meta := map[string]string{
		"scheduled_start":  b.ScheduledStart.Format(time.RFC3339),
		"duration_minutes": fmt.Sprint(b.DurationMinutes),
		"status":           string(b.Status),
	}
	if b.MeetingURL != "" {
		meta["meeting_url"] = b.MeetingURL
	}
	if b.DeclineReason != "" {
		meta["reason"] = b.DeclineReason
	}
	if b.RescheduleOf != "" {
		meta["reschedule_of"] = b.RescheduleOf
	}
	if b.Message != "" {
		meta["message"] = b.Message
	}
	if coach == nil {
		if c, err := s.coaches.GetCoach(ctx, b.CoachID); err == nil {
			coach = &c
		}
	}
	if coach != nil {
		meta["coach_name"] = coach.DisplayName
		meta["coach_email"] = coach.Email
		meta["coach_timezone"] = coach.Timezone
	}
	for k, v := range extra {
		meta[k] = v
	}

	err := s.notifier.Enqueue(ctx, outbox.Notification{
		CoachID:   b.CoachID,
		EventType: eventType,
		BookingID: b.ID,
		Student: outbox.Student{
			Email:    b.StudentEmail,
			Name:     b.StudentName,
			Timezone: b.StudentTimezone,
		},
		Metadata: meta,
	})
	if err != nil {
		s.logger.Warn("notification enqueue failed", "booking_id", b.ID, "event_type", eventType, "err", err)
	}
}
