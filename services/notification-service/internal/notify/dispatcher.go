package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/email"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/storage"
)

type Recorder interface {
	Insert(ctx context.Context, n storage.Notification) error
}

type Dispatcher struct {
	sender   email.Sender
	recorder Recorder
	logger   *slog.Logger
}

func NewDispatcher(sender email.Sender, recorder Recorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, recorder: recorder, logger: logger}
}

// Handle delivers the emails for one event. Malformed or unknown events are dropped
// with a log line; only a failure to record a delivery is returned, so it can be retried.
func (d *Dispatcher) Handle(ctx context.Context, eventID string, value []byte) error {
	var evt Event
	if err := json.Unmarshal(value, &evt); err != nil {
		d.logger.Error("invalid booking event payload", "event_id", eventID, "err", err)
		return nil
	}
	if evt.BookingID == "" || evt.EventType == "" {
		d.logger.Error("booking event missing required fields", "event_id", eventID)
		return nil
	}
	emails, err := Compose(evt)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			d.logger.Warn("no template for event", "event_id", eventID, "event_type", evt.EventType)
			return nil
		}
		return err
	}

	for _, m := range emails {
		n := storage.Notification{
			EventID:   eventID,
			EventType: evt.EventType,
			BookingID: evt.BookingID,
			CoachID:   evt.CoachID,
			Recipient: m.To,
			Subject:   m.Subject,
			Status:    storage.StatusSent,
		}
		if err := d.sender.Send(ctx, email.Message{To: m.To, Subject: m.Subject, Body: m.Body, ReplyTo: m.ReplyTo}); err != nil {
			n.Status = storage.StatusFailed
			n.Error = err.Error()
			d.logger.Error("email send failed", "event_id", eventID, "booking_id", evt.BookingID, "recipient", m.To, "err", err)
		}
		if err := d.recorder.Insert(ctx, n); err != nil {
			return err
		}
		d.logger.Info("notification processed", "booking_id", evt.BookingID, "event_type", evt.EventType, "status", n.Status)
	}
	return nil
}
