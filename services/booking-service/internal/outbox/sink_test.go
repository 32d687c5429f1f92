package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/md-rashed-zaman/coachbook/libs/kafkax"
)

type captureInserter struct {
	events []Event
}

func (c *captureInserter) Insert(_ context.Context, evt Event) error {
	c.events = append(c.events, evt)
	return nil
}

func TestSinkWritesPayload(t *testing.T) {
	ins := &captureInserter{}
	s := NewSink(ins)
	s.now = func() time.Time { return time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) }

	err := s.Enqueue(context.Background(), Notification{
		CoachID:   "coach-1",
		EventType: EventConfirmed,
		BookingID: "b-1",
		Student:   Student{Email: "s@example.com", Name: "Sam", Timezone: "Europe/Berlin"},
		Metadata:  map[string]string{"meeting_url": "https://meet.example.com/x"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(ins.events) != 1 {
		t.Fatalf("expected one event, got %d", len(ins.events))
	}
	evt := ins.events[0]
	if evt.EventType != EventConfirmed || evt.AggregateID != "b-1" || evt.AggregateType != AggregateBooking {
		t.Fatalf("unexpected envelope %+v", evt)
	}
	var p Payload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Student.Email != "s@example.com" || p.Metadata["meeting_url"] == "" || !p.OccurredAt.Equal(s.now()) {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestSinkRejectsIncompleteNotification(t *testing.T) {
	s := NewSink(&captureInserter{})
	if err := s.Enqueue(context.Background(), Notification{EventType: EventSubmitted}); err == nil {
		t.Fatalf("expected error without booking id")
	}
}

func TestToMessageCarriesMetaHeaders(t *testing.T) {
	msg := toMessage(context.Background(), Record{
		EventID:     "11111111-1111-1111-1111-111111111111",
		AggregateID: "b-1",
		EventType:   EventCancelled,
		Payload:     []byte(`{}`),
	})
	if msg.Topic != EventCancelled || string(msg.Key) != "b-1" {
		t.Fatalf("unexpected routing %s/%s", msg.Topic, msg.Key)
	}
	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID != "11111111-1111-1111-1111-111111111111" || meta.EventType != EventCancelled {
		t.Fatalf("unexpected meta %+v", meta)
	}
}
