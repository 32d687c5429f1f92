package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/coachbook/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler func(ctx context.Context, eventID string, msg kafka.Message) error

// Inbox deduplicates events by id.
type Inbox interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader   reader
	logger   *slog.Logger
	inbox    Inbox
	handler  Handler
	attempts int
	backoff  time.Duration
}

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
	// Attempts bounds handler retries per message before it is given up on.
	Attempts int
}

func New(logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkax.SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newConsumer(r, logger, inbox, cfg.Attempts, handler)
}

func newConsumer(r reader, logger *slog.Logger, inbox Inbox, attempts int, handler Handler) *Consumer {
	if attempts <= 0 {
		attempts = 3
	}
	return &Consumer{
		reader:   r,
		logger:   logger,
		inbox:    inbox,
		handler:  handler,
		attempts: attempts,
		backoff:  500 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled. Offsets are committed only after a message
// is handled or deliberately given up on, so a crash mid-message redelivers it.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if !c.process(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// process reports false only when ctx ended before the message was settled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	for {
		ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
		if err == nil {
			if !ok {
				c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
				return true
			}
			break
		}
		c.logger.Error("inbox record failed", "err", err, "event_id", meta.EventID)
		span.RecordError(err)
		if !sleep(ctx, c.backoff) {
			return false
		}
	}

	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.handler(ctxSpan, meta.EventID, msg); err == nil {
			return true
		}
		c.logger.Warn("handler error", "err", err, "event_id", meta.EventID, "attempt", attempt)
		if attempt < c.attempts && !sleep(ctx, c.backoff*time.Duration(attempt)) {
			// Uncommitted, so the message is redelivered; the claim must not outlive it.
			c.release(ctxSpan, meta.EventID)
			return false
		}
	}
	span.RecordError(err)
	c.logger.Error("event given up", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
	c.release(ctxSpan, meta.EventID)
	return true
}

func (c *Consumer) release(ctx context.Context, eventID string) {
	if err := c.inbox.Forget(context.WithoutCancel(ctx), eventID); err != nil {
		c.logger.Error("inbox forget failed", "err", err, "event_id", eventID)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
