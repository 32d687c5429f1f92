package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/coachbook/libs/config"
	"github.com/md-rashed-zaman/coachbook/libs/db"
	"github.com/md-rashed-zaman/coachbook/libs/runtime"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/migrations"
)

var zones = []string{
	"America/New_York",
	"America/Los_Angeles",
	"Europe/London",
	"Europe/Berlin",
	"Asia/Kolkata",
	"Australia/Sydney",
}

func main() {
	if err := config.LoadDotenv(); err != nil {
		panic(err)
	}
	logger := runtime.NewLogger("seed")
	if err := run(logger); err != nil {
		logger.Error("seed failed", "err", err)
		os.Exit(1)
	}
	logger.Info("seed complete")
}

func run(logger *slog.Logger) error {
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return err
	}
	coachCount, err := config.Int("SEED_COACHES", 5)
	if err != nil {
		return err
	}
	perCoach, err := config.Int("SEED_BOOKINGS_PER_COACH", 8)
	if err != nil {
		return err
	}
	if seed, err := config.Int("SEED_RANDOM", 0); err != nil {
		return err
	} else if seed != 0 {
		if err := gofakeit.Seed(uint64(seed)); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, migrations.FS, migrations.Dir, logger); err != nil {
		return err
	}

	coaches := storage.NewCoachRepository(pool)
	grants := storage.NewGrantRepository(pool)
	// Notifications and calendar sync stay off so seeding has no outside effects.
	svc := booking.NewService(storage.NewBookingRepository(pool), coaches, nil, nil, logger, booking.Config{})
	token := config.String("SEED_CALENDAR_TOKEN", "")

	for i := 0; i < coachCount; i++ {
		coach := model.Coach{
			ID:               uuid.NewString(),
			DisplayName:      gofakeit.Name(),
			Email:            gofakeit.Email(),
			Timezone:         zones[gofakeit.Number(0, len(zones)-1)],
			SessionMinutes:   []int{30, 45, 60}[gofakeit.Number(0, 2)],
			MinNoticeMinutes: []int{0, 60, 240}[gofakeit.Number(0, 2)],
			BufferMinutes:    []int{0, 10, 15}[gofakeit.Number(0, 2)],
		}
		if err := coaches.UpsertCoach(ctx, coach); err != nil {
			return fmt.Errorf("coach: %w", err)
		}
		if err := coaches.ReplaceRules(ctx, coach.ID, weeklyRules()); err != nil {
			return fmt.Errorf("rules: %w", err)
		}
		if token != "" {
			if err := grants.Upsert(ctx, storage.Grant{
				CoachID:     coach.ID,
				CalendarID:  "primary",
				AccessToken: token,
				ExpiresAt:   time.Now().Add(24 * time.Hour),
			}); err != nil {
				return fmt.Errorf("grant: %w", err)
			}
		}
		booked, err := seedBookings(ctx, svc, coach, perCoach)
		if err != nil {
			return err
		}
		logger.Info("coach seeded", "coach_id", coach.ID, "timezone", coach.Timezone, "bookings", booked)
	}
	return nil
}

// weeklyRules gives a coach a weekday morning block and a random afternoon block.
func weeklyRules() []availability.Rule {
	var rules []availability.Rule
	for day := time.Monday; day <= time.Friday; day++ {
		rules = append(rules, availability.Rule{DayOfWeek: day, StartMinute: 9 * 60, EndMinute: 12 * 60})
		if gofakeit.Bool() {
			start := gofakeit.Number(13, 15) * 60
			rules = append(rules, availability.Rule{DayOfWeek: day, StartMinute: start, EndMinute: start + 3*60})
		}
	}
	return rules
}

// seedBookings submits requests for randomly chosen free slots and accepts some of them.
func seedBookings(ctx context.Context, svc *booking.Service, coach model.Coach, count int) (int, error) {
	res, err := svc.Slots(ctx, booking.SlotsQuery{CoachID: coach.ID})
	if err != nil {
		return 0, fmt.Errorf("slots: %w", err)
	}
	var free []availability.Slot
	for _, day := range res.Days {
		free = append(free, day.Slots...)
	}
	gofakeit.ShuffleAnySlice(free)

	booked := 0
	for _, slot := range free {
		if booked == count {
			break
		}
		b, err := svc.Submit(ctx, booking.SubmitInput{
			CoachID:         coach.ID,
			StudentEmail:    gofakeit.Email(),
			StudentName:     gofakeit.Name(),
			StudentTimezone: zones[gofakeit.Number(0, len(zones)-1)],
			Start:           slot.Start.Format(time.RFC3339),
			Message:         "Hoping to work on " + strings.ToLower(gofakeit.Hobby()),
		})
		if errors.Is(err, booking.ErrSlotTaken) {
			// Buffers make neighbouring starts overlap a booking made a moment ago.
			continue
		}
		if err != nil {
			return booked, fmt.Errorf("submit: %w", err)
		}
		booked++
		if gofakeit.Bool() {
			if _, err := svc.Accept(ctx, coach.ID, b.ID, booking.AcceptInput{}); err != nil {
				return booked, fmt.Errorf("accept: %w", err)
			}
		}
	}
	return booked, nil
}
