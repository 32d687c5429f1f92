package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
)

// calendarContext bounds a provider call and detaches it from the caller's cancellation:
// once the local state is written the sync attempt runs to completion or timeout.
func (s *Service) calendarContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CalendarTimeout)
}

func (s *Service) createEvent(ctx context.Context, coach model.Coach, b model.BookingRequest) Transition {
	cctx, cancel := s.calendarContext(ctx)
	ev, res := s.calendar.CreateEvent(cctx, coach.ID, calendar.EventInput{
		Summary:         fmt.Sprintf("Coaching session: %s with %s", coach.DisplayName, b.StudentName),
		Description:     b.Message,
		Start:           b.ScheduledStart,
		DurationMinutes: b.DurationMinutes,
		Timezone:        coach.Timezone,
		Attendees:       []string{b.StudentEmail, coach.Email},
		RequestID:       b.ID,
		EventID:         calendar.EventIDFor(b.ID),
	})
	cancel()
	created := ""
	if res.Outcome == calendar.OutcomeOK {
		b.CalendarEventID = ev.ID
		b.MeetingURL = ev.ConferenceURL
		created = ev.ID
	}
	return s.recordSync(ctx, b, res, created)
}

func (s *Service) patchEvent(ctx context.Context, coach model.Coach, b model.BookingRequest) Transition {
	cctx, cancel := s.calendarContext(ctx)
	res := s.calendar.PatchEventTime(cctx, coach.ID, b.CalendarEventID, b.ScheduledStart, b.DurationMinutes, coach.Timezone)
	cancel()
	return s.recordSync(ctx, b, res, "")
}

func (s *Service) deleteEvent(ctx context.Context, coachID, eventID string) calendar.Result {
	if s.calendar == nil {
		return calendar.Skipped(calendar.ReasonNotConfigured)
	}
	cctx, cancel := s.calendarContext(ctx)
	defer cancel()
	res := s.calendar.DeleteEvent(cctx, coachID, eventID)
	if res.Failed() {
		s.logger.Warn("calendar delete failed", "coach_id", coachID, "event_id", eventID, "outcome", res.Outcome, "reason", res.Reason)
	}
	return res
}

// recordSync stores the outcome on the confirmed row. A failure to record is logged;
// the row then keeps its provisional failed status and is retried later. created is the
// id of an event this sync attempt made, if any.
func (s *Service) recordSync(ctx context.Context, b model.BookingRequest, res calendar.Result, created string) Transition {
	b.CalendarSyncStatus = syncStatusFor(res)
	if err := s.store.RecordSync(ctx, b.ID, b.CalendarEventID, b.MeetingURL, b.CalendarSyncStatus); err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.abandonSync(ctx, b, created)
		}
		s.logger.Error("record calendar sync failed", "booking_id", b.ID, "err", err)
	}
	if res.Failed() {
		s.logger.Warn("calendar sync failed", "booking_id", b.ID, "coach_id", b.CoachID, "outcome", res.Outcome, "reason", res.Reason)
	}
	return Transition{Booking: b, Sync: res, Warnings: syncWarnings(res)}
}

// abandonSync handles a booking that left confirmed while its provider call ran, e.g. a
// cancel landing between the confirm and the create. The cancel saw no event, so the one
// just created is removed here.
func (s *Service) abandonSync(ctx context.Context, b model.BookingRequest, created string) Transition {
	s.logger.Warn("booking changed during calendar sync", "booking_id", b.ID, "created_event_id", created)
	t := Transition{Booking: b, Sync: calendar.Skipped("booking no longer confirmed"), superseded: true}
	if created != "" {
		if res := s.deleteEvent(ctx, b.CoachID, created); res.Failed() {
			t.Sync = res
			t.Warnings = []string{"calendar event for a cancelled session could not be removed: " + res.Reason}
		}
	}
	current, err := s.store.Get(ctx, b.ID)
	if err != nil {
		s.logger.Error("reload booking after sync failed", "booking_id", b.ID, "err", err)
		return t
	}
	t.Booking = current
	return t
}

func syncStatusFor(res calendar.Result) model.CalendarSyncStatus {
	switch res.Outcome {
	case calendar.OutcomeOK:
		return model.SyncSynced
	case calendar.OutcomeNeedsReconnect:
		return model.SyncNeedsReconnect
	default:
		return model.SyncFailed
	}
}

func syncWarnings(res calendar.Result) []string {
	switch res.Outcome {
	case calendar.OutcomeNeedsReconnect:
		return []string{"calendar access expired; reconnect the calendar to sync this session"}
	case calendar.OutcomeRetryable:
		return []string{"calendar sync failed and will be retried: " + res.Reason}
	}
	return nil
}

// RetrySync re-attempts calendar sync for upcoming confirmed bookings left in the failed
// state. Rows needing a reconnect are not retried. It returns how many now sync cleanly.
func (s *Service) RetrySync(ctx context.Context, limit int) (int, error) {
	if s.calendar == nil {
		return 0, nil
	}
	pending, err := s.store.ListSyncRetries(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, b := range pending {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		coach, err := s.coach(ctx, b.CoachID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("skip resync for missing coach", "booking_id", b.ID, "coach_id", b.CoachID)
				continue
			}
			return synced, err
		}
		var t Transition
		if b.CalendarEventID != "" {
			t = s.patchEvent(ctx, coach, b)
		} else {
			t = s.createEvent(ctx, coach, b)
		}
		if t.Sync.Outcome == calendar.OutcomeOK && !t.superseded {
			synced++
		}
	}
	return synced, nil
}
