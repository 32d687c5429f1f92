package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/coachbook/libs/db"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/migrations"
)

// openTestDB connects to TEST_DATABASE_URL and applies migrations. The test is skipped
// when no database is configured.
func openTestDB(t *testing.T) *db.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(pool.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := db.Migrate(ctx, pool, migrations.FS, migrations.Dir, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func seedCoach(t *testing.T, pool *db.Pool) model.Coach {
	t.Helper()
	c := model.Coach{
		ID:             uuid.NewString(),
		DisplayName:    "Test Coach",
		Email:          "coach@example.com",
		Timezone:       "America/New_York",
		SessionMinutes: 60,
	}
	repo := NewCoachRepository(pool)
	if err := repo.UpsertCoach(context.Background(), c); err != nil {
		t.Fatalf("upsert coach: %v", err)
	}
	return c
}

func newBooking(coachID string, start time.Time) model.BookingRequest {
	return model.BookingRequest{
		ID:              uuid.NewString(),
		CoachID:         coachID,
		StudentEmail:    "student@example.com",
		StudentName:     "Student",
		StudentTimezone: "UTC",
		ScheduledStart:  start,
		DurationMinutes: 60,
	}
}

func TestExclusionConstraintUnderConcurrency(t *testing.T) {
	pool := openTestDB(t)
	coach := seedCoach(t, pool)
	repo := NewBookingRepository(pool)
	ctx := context.Background()
	start := time.Now().Add(72 * time.Hour).Truncate(time.Hour).UTC()

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Alternate between an exact duplicate and a half-overlapping start.
			s := start
			if i%2 == 1 {
				s = start.Add(30 * time.Minute)
			}
			_, errs[i] = repo.Insert(ctx, newBooking(coach.ID, s))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrSlotConflict):
		default:
			t.Fatalf("unexpected insert error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one insert, got %d", won)
	}

	// Back-to-back intervals are half-open and do not conflict.
	if _, err := repo.Insert(ctx, newBooking(coach.ID, start.Add(90*time.Minute))); err != nil {
		t.Fatalf("adjacent insert: %v", err)
	}
}

func TestTransitionFreesAndReacquiresSlot(t *testing.T) {
	pool := openTestDB(t)
	coach := seedCoach(t, pool)
	repo := NewBookingRepository(pool)
	ctx := context.Background()
	start := time.Now().Add(96 * time.Hour).Truncate(time.Hour).UTC()

	first, err := repo.Insert(ctx, newBooking(coach.ID, start))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	reason := "conflict"
	declined, err := repo.Transition(ctx, first.ID, model.StatusPending, model.StatusDeclined, Patch{DeclineReason: &reason})
	if err != nil || declined.DeclineReason != reason || !declined.ScheduledStart.Equal(start) {
		t.Fatalf("decline: %+v %v", declined, err)
	}
	if _, err := repo.Transition(ctx, first.ID, model.StatusPending, model.StatusConfirmed, Patch{}); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if _, err := repo.Insert(ctx, newBooking(coach.ID, start)); err != nil {
		t.Fatalf("slot should be free after decline: %v", err)
	}
	if _, err := repo.Transition(ctx, first.ID, model.StatusDeclined, model.StatusPending, Patch{}); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected reopen conflict, got %v", err)
	}
	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rows, err := repo.ListActive(ctx, coach.ID, time.Now())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	intervals := availability.ExtractBooked(rows, time.UTC, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if len(intervals) != 1 || !intervals[0].Start.Equal(start) {
		t.Fatalf("unexpected active intervals %+v", intervals)
	}
}

func TestOnePendingReschedulePerOriginal(t *testing.T) {
	pool := openTestDB(t)
	coach := seedCoach(t, pool)
	repo := NewBookingRepository(pool)
	ctx := context.Background()
	start := time.Now().Add(120 * time.Hour).Truncate(time.Hour).UTC()

	orig, err := repo.Insert(ctx, newBooking(coach.ID, start))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := repo.Transition(ctx, orig.ID, model.StatusPending, model.StatusConfirmed, Patch{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	next := newBooking(coach.ID, start.Add(2*time.Hour))
	next.RescheduleOf = orig.ID
	if _, err := repo.Insert(ctx, next); err != nil {
		t.Fatalf("reschedule insert: %v", err)
	}
	dup := newBooking(coach.ID, start.Add(4*time.Hour))
	dup.RescheduleOf = orig.ID
	if _, err := repo.Insert(ctx, dup); !errors.Is(err, ErrDuplicateReschedule) {
		t.Fatalf("expected ErrDuplicateReschedule, got %v", err)
	}
	id, ok, err := repo.PendingRescheduleOf(ctx, orig.ID)
	if err != nil || !ok || id != next.ID {
		t.Fatalf("PendingRescheduleOf: %s %v %v", id, ok, err)
	}
}
