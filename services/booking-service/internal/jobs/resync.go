// Package jobs runs periodic background work for the booking service.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultResyncSchedule runs every five minutes.
const DefaultResyncSchedule = "*/5 * * * *"

// Syncer retries calendar sync for confirmed bookings left in the failed state.
type Syncer interface {
	RetrySync(ctx context.Context, limit int) (int, error)
}

type Resync struct {
	syncer  Syncer
	logger  *slog.Logger
	batch   int
	timeout time.Duration
}

func NewResync(syncer Syncer, logger *slog.Logger, batch int, timeout time.Duration) *Resync {
	if batch <= 0 {
		batch = 50
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Resync{syncer: syncer, logger: logger, batch: batch, timeout: timeout}
}

// RunOnce performs one bounded resync pass.
func (r *Resync) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	synced, err := r.syncer.RetrySync(ctx, r.batch)
	if err != nil {
		r.logger.Error("calendar resync failed", "synced", synced, "err", err)
		return
	}
	r.logger.Info("calendar resync done", "synced", synced, "duration_ms", time.Since(started).Milliseconds())
}

// Schedule registers job on a cron schedule and runs it until ctx is done. Runs never
// overlap: a tick that arrives while the previous pass is still going is skipped.
func Schedule(ctx context.Context, spec string, job *Resync, logger *slog.Logger) error {
	if spec == "" {
		spec = DefaultResyncSchedule
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, func() { job.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	logger.Info("calendar resync scheduled", "schedule", spec)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
