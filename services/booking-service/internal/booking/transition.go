package booking

import (
	"context"
	"errors"
	"strings"

	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
)

// Transition is the outcome of a lifecycle operation. The booking state is final;
// Sync and Warnings describe the calendar side, which never fails the operation.
type Transition struct {
	Booking  model.BookingRequest
	Sync     calendar.Result
	Warnings []string

	// superseded is set when another request moved the booking on during the sync.
	superseded bool
}

func (t Transition) NeedsReconnect() bool {
	return t.Sync.Outcome == calendar.OutcomeNeedsReconnect
}

type AcceptInput struct {
	// MeetingURL, when set, is stored as-is and no calendar event is created.
	MeetingURL string `validate:"omitempty,url,max=2048"`
}

// Accept confirms a pending booking. Confirming an already confirmed booking is a no-op.
func (s *Service) Accept(ctx context.Context, coachID, id string, in AcceptInput) (Transition, error) {
	in.MeetingURL = strings.TrimSpace(in.MeetingURL)
	if err := s.validate.Struct(in); err != nil {
		return Transition{}, invalid("%s", describeValidation(err))
	}
	b, err := s.load(ctx, coachID, id)
	if err != nil {
		return Transition{}, err
	}
	if b.Status == model.StatusConfirmed {
		return Transition{Booking: b, Sync: calendar.Skipped("already confirmed")}, nil
	}
	if _, ok := model.Next(b.Status, model.ActionAccept); !ok {
		return Transition{}, guard("cannot accept a %s booking", b.Status)
	}

	var original *model.BookingRequest
	if b.IsReschedule() {
		o, err := s.store.Get(ctx, b.RescheduleOf)
		switch {
		case err == nil && o.Status == model.StatusConfirmed:
			original = &o
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return Transition{}, err
		}
	}

	coach, err := s.coach(ctx, coachID)
	if err != nil {
		return Transition{}, err
	}
	plan := s.planAccept(b, original, in)
	confirmed, err := s.store.Transition(ctx, b.ID, model.StatusPending, model.StatusConfirmed, plan.patch)
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.settleStale(ctx, coachID, id, model.StatusConfirmed, "accept")
		}
		return Transition{}, translateWrite(err)
	}

	t := Transition{Booking: confirmed, Sync: plan.skip}
	switch plan.action {
	case syncCreate:
		t = s.createEvent(ctx, coach, confirmed)
	case syncPatch:
		t = s.patchEvent(ctx, coach, confirmed)
	}

	if original != nil {
		if _, err := s.store.Transition(ctx, original.ID, model.StatusConfirmed, model.StatusCancelled, storage.Patch{}); err != nil {
			s.logger.Error("cancel rescheduled original failed", "booking_id", original.ID, "replacement_id", confirmed.ID, "err", err)
			t.Warnings = append(t.Warnings, "original booking could not be cancelled")
		} else if original.CalendarEventID != "" && plan.action != syncPatch {
			if res := s.deleteEvent(ctx, coach.ID, original.CalendarEventID); res.Failed() {
				t.Warnings = append(t.Warnings, "original calendar event could not be removed: "+res.Reason)
			}
		}
	}

	if t.superseded {
		return t, nil
	}
	s.logger.Info("booking confirmed", "booking_id", confirmed.ID, "sync", t.Sync.Outcome)
	s.notify(ctx, outbox.EventConfirmed, t.Booking, &coach, nil)
	return t, nil
}

type syncAction int

const (
	syncNone syncAction = iota
	syncCreate
	syncPatch
)

type acceptPlan struct {
	patch  storage.Patch
	action syncAction
	skip   calendar.Result
}

// planAccept decides the calendar work for an accept. The sync status written with the
// confirmation is provisional (failed) whenever a provider call is still to come, so a
// crash between the two leaves the booking visible to the resync job.
func (s *Service) planAccept(b model.BookingRequest, original *model.BookingRequest, in AcceptInput) acceptPlan {
	status := func(st model.CalendarSyncStatus) *model.CalendarSyncStatus { return &st }
	switch {
	case in.MeetingURL != "":
		url := in.MeetingURL
		return acceptPlan{
			patch: storage.Patch{MeetingURL: &url, CalendarSyncStatus: status(model.SyncManual)},
			skip:  calendar.Skipped("manual meeting link"),
		}
	case b.CalendarEventID != "":
		return acceptPlan{
			patch: storage.Patch{CalendarSyncStatus: status(model.SyncSynced)},
			skip:  calendar.Skipped("event already exists"),
		}
	case s.calendar == nil:
		return acceptPlan{
			patch: storage.Patch{CalendarSyncStatus: status(model.SyncNone)},
			skip:  calendar.Skipped(calendar.ReasonNotConfigured),
		}
	case original != nil && original.CalendarEventID != "":
		eventID, url := original.CalendarEventID, original.MeetingURL
		return acceptPlan{
			patch:  storage.Patch{CalendarEventID: &eventID, MeetingURL: &url, CalendarSyncStatus: status(model.SyncFailed)},
			action: syncPatch,
		}
	default:
		return acceptPlan{
			patch:  storage.Patch{CalendarSyncStatus: status(model.SyncFailed)},
			action: syncCreate,
		}
	}
}

// Decline rejects a pending booking and frees its slot. Declining a reschedule leaves
// the original booking untouched.
func (s *Service) Decline(ctx context.Context, coachID, id, reason string) (Transition, error) {
	b, err := s.load(ctx, coachID, id)
	if err != nil {
		return Transition{}, err
	}
	if _, ok := model.Next(b.Status, model.ActionDecline); !ok {
		return Transition{}, guard("cannot decline a %s booking", b.Status)
	}
	reason = strings.TrimSpace(reason)
	declined, err := s.store.Transition(ctx, b.ID, model.StatusPending, model.StatusDeclined, storage.Patch{DeclineReason: &reason})
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.settleStale(ctx, coachID, id, model.StatusDeclined, "decline")
		}
		return Transition{}, err
	}
	s.logger.Info("booking declined", "booking_id", declined.ID, "reschedule_of", declined.RescheduleOf)
	s.notify(ctx, outbox.EventDeclined, declined, nil, nil)
	return Transition{Booking: declined, Sync: calendar.Skipped("no calendar change")}, nil
}

// Cancel cancels a confirmed booking and removes its calendar event if it has one.
func (s *Service) Cancel(ctx context.Context, coachID, id, reason string) (Transition, error) {
	b, err := s.load(ctx, coachID, id)
	if err != nil {
		return Transition{}, err
	}
	if _, ok := model.Next(b.Status, model.ActionCancel); !ok {
		return Transition{}, guard("cannot cancel a %s booking", b.Status)
	}
	reason = strings.TrimSpace(reason)
	cancelled, err := s.store.Transition(ctx, b.ID, model.StatusConfirmed, model.StatusCancelled, storage.Patch{DeclineReason: &reason})
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.settleStale(ctx, coachID, id, model.StatusCancelled, "cancel")
		}
		return Transition{}, err
	}

	t := Transition{Booking: cancelled, Sync: calendar.Skipped("no calendar event")}
	if cancelled.CalendarEventID != "" {
		t.Sync = s.deleteEvent(ctx, cancelled.CoachID, cancelled.CalendarEventID)
		t.Warnings = syncWarnings(t.Sync)
	}
	s.logger.Info("booking cancelled", "booking_id", cancelled.ID, "sync", t.Sync.Outcome)
	s.notify(ctx, outbox.EventCancelled, cancelled, nil, nil)
	return t, nil
}

// Complete marks a confirmed booking whose start has passed as completed.
func (s *Service) Complete(ctx context.Context, coachID, id string) (Transition, error) {
	b, err := s.load(ctx, coachID, id)
	if err != nil {
		return Transition{}, err
	}
	if _, ok := model.Next(b.Status, model.ActionComplete); !ok {
		return Transition{}, guard("cannot complete a %s booking", b.Status)
	}
	if !b.ScheduledStart.Before(s.now()) {
		return Transition{}, guard("session has not started yet")
	}
	completed, err := s.store.Transition(ctx, b.ID, model.StatusConfirmed, model.StatusCompleted, storage.Patch{})
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.settleStale(ctx, coachID, id, model.StatusCompleted, "complete")
		}
		return Transition{}, err
	}
	s.notify(ctx, outbox.EventCompleted, completed, nil, nil)
	return Transition{Booking: completed, Sync: calendar.Skipped("no calendar change")}, nil
}

// Reopen is an operator override that returns a declined or cancelled booking to pending.
// It re-acquires the slot and fails with ErrSlotTaken if someone else holds it now.
func (s *Service) Reopen(ctx context.Context, coachID, id string) (Transition, error) {
	b, err := s.load(ctx, coachID, id)
	if err != nil {
		return Transition{}, err
	}
	if _, ok := model.Next(b.Status, model.ActionReopen); !ok {
		return Transition{}, guard("cannot reopen a %s booking", b.Status)
	}
	empty := ""
	none := model.SyncNone
	reopened, err := s.store.Transition(ctx, b.ID, b.Status, model.StatusPending, storage.Patch{
		CalendarEventID:    &empty,
		MeetingURL:         &empty,
		CalendarSyncStatus: &none,
		DeclineReason:      &empty,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.settleStale(ctx, coachID, id, model.StatusPending, "reopen")
		}
		return Transition{}, translateWrite(err)
	}
	s.logger.Warn("booking reopened by operator", "booking_id", reopened.ID, "previous_status", b.Status)
	s.notify(ctx, outbox.EventReopened, reopened, nil, map[string]string{"previous_status": string(b.Status)})
	return Transition{Booking: reopened, Sync: calendar.Skipped("no calendar change")}, nil
}

// settleStale handles a lost compare-and-set. If a concurrent request already moved the
// booking to the target state the call is treated as done; otherwise it is a guard error.
func (s *Service) settleStale(ctx context.Context, coachID, id string, target model.Status, action string) (Transition, error) {
	b, err := s.load(ctx, coachID, id)
	if err != nil {
		return Transition{}, err
	}
	if b.Status == target {
		return Transition{Booking: b, Sync: calendar.Skipped("already " + string(target))}, nil
	}
	return Transition{}, guard("cannot %s a %s booking", action, b.Status)
}
