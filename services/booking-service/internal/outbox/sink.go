package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Inserter is the write half of Repository.
type Inserter interface {
	Insert(ctx context.Context, evt Event) error
}

// Sink turns booking notifications into outbox rows.
type Sink struct {
	events Inserter
	now    func() time.Time
}

func NewSink(events Inserter) *Sink {
	return &Sink{events: events, now: time.Now}
}

func (s *Sink) Enqueue(ctx context.Context, n Notification) error {
	if n.BookingID == "" || n.EventType == "" {
		return errors.New("notification requires booking id and event type")
	}
	payload, err := json.Marshal(Payload{
		BookingID:  n.BookingID,
		CoachID:    n.CoachID,
		EventType:  n.EventType,
		Student:    n.Student,
		Metadata:   n.Metadata,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.events.Insert(ctx, Event{
		AggregateType: AggregateBooking,
		AggregateID:   n.BookingID,
		EventType:     n.EventType,
		Payload:       payload,
	})
}
