// Command calendar-resync retries calendar sync for confirmed bookings whose
// provider call failed, on a cron schedule.
package main

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/coachbook/libs/config"
	"github.com/md-rashed-zaman/coachbook/libs/db"
	otelx "github.com/md-rashed-zaman/coachbook/libs/otel"
	"github.com/md-rashed-zaman/coachbook/libs/runtime"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/jobs"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "calendar-resync")
	calendarTimeout, err := config.Duration("CALENDAR_TIMEOUT", 8*time.Second)
	if err != nil {
		panic(err)
	}
	batch, err := config.Int("RESYNC_BATCH_SIZE", 50)
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	apiURL, err := config.RequiredString("CALENDAR_API_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	cal := calendar.NewHTTPClient(apiURL, storage.NewGrantRepository(pool), calendarTimeout, logger)
	svc := booking.NewService(storage.NewBookingRepository(pool), storage.NewCoachRepository(pool), cal, nil, logger, booking.Config{
		CalendarTimeout: calendarTimeout,
	})
	job := jobs.NewResync(svc, logger, batch, 0)

	if config.Bool("RESYNC_RUN_ON_START", true) {
		job.RunOnce(ctx)
	}
	if err := jobs.Schedule(ctx, config.String("RESYNC_SCHEDULE", jobs.DefaultResyncSchedule), job, logger); err != nil {
		logger.Error("resync schedule failed", "err", err)
		panic(err)
	}
	logger.Info("calendar resync stopped")
}
