package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/email"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/storage"
)

type captureSender struct {
	sent []email.Message
	fail map[string]bool
}

func (c *captureSender) Send(_ context.Context, msg email.Message) error {
	if c.fail[msg.To] {
		return errors.New("relay refused")
	}
	c.sent = append(c.sent, msg)
	return nil
}

type captureRecorder struct {
	rows []storage.Notification
}

func (c *captureRecorder) Insert(_ context.Context, n storage.Notification) error {
	c.rows = append(c.rows, n)
	return nil
}

func event(eventType string, meta map[string]string) []byte {
	base := map[string]string{
		"scheduled_start":  "2024-06-03T13:00:00Z",
		"duration_minutes": "60",
		"coach_name":       "Casey Coach",
		"coach_email":      "casey@example.com",
		"coach_timezone":   "America/New_York",
	}
	for k, v := range meta {
		base[k] = v
	}
	raw, _ := json.Marshal(Event{
		BookingID:  "b-1",
		CoachID:    "c-1",
		EventType:  eventType,
		Student:    Student{Email: "sam@example.com", Name: "Sam", Timezone: "Europe/Berlin"},
		Metadata:   base,
		OccurredAt: time.Now(),
	})
	return raw
}

func newDispatcher(sender *captureSender, rec *captureRecorder) *Dispatcher {
	return NewDispatcher(sender, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubmittedNotifiesStudentAndCoach(t *testing.T) {
	sender, rec := &captureSender{}, &captureRecorder{}
	if err := newDispatcher(sender, rec).Handle(context.Background(), "e-1", event("booking.request.submitted.v1", nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sent) != 2 || len(rec.rows) != 2 {
		t.Fatalf("expected two emails, got %d sent %d recorded", len(sender.sent), len(rec.rows))
	}
	student, coach := sender.sent[0], sender.sent[1]
	// 13:00Z is 15:00 in Berlin and 09:00 in New York.
	if student.To != "sam@example.com" || !strings.Contains(student.Body, "3:00 PM CEST") || student.ReplyTo != "casey@example.com" {
		t.Fatalf("unexpected student email %+v", student)
	}
	if coach.To != "casey@example.com" || !strings.Contains(coach.Body, "9:00 AM EDT") || coach.Subject != "New session request from Sam" {
		t.Fatalf("unexpected coach email %+v", coach)
	}
}

func TestConfirmedIncludesMeetingLink(t *testing.T) {
	sender, rec := &captureSender{}, &captureRecorder{}
	raw := event("booking.request.confirmed.v1", map[string]string{"meeting_url": "https://meet.example.com/abc"})
	if err := newDispatcher(sender, rec).Handle(context.Background(), "e-2", raw); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Body, "https://meet.example.com/abc") {
		t.Fatalf("unexpected emails %+v", sender.sent)
	}
}

func TestSendFailureIsRecorded(t *testing.T) {
	sender := &captureSender{fail: map[string]bool{"sam@example.com": true}}
	rec := &captureRecorder{}
	raw := event("booking.request.declined.v1", map[string]string{"reason": "fully booked"})
	if err := newDispatcher(sender, rec).Handle(context.Background(), "e-3", raw); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(rec.rows) != 1 || rec.rows[0].Status != storage.StatusFailed || rec.rows[0].Error == "" {
		t.Fatalf("expected a failed delivery row, got %+v", rec.rows)
	}
}

func TestMalformedAndUnknownEventsAreDropped(t *testing.T) {
	sender, rec := &captureSender{}, &captureRecorder{}
	d := newDispatcher(sender, rec)
	for _, raw := range [][]byte{[]byte("{"), []byte(`{"event_type":"booking.request.confirmed.v1"}`), event("booking.request.archived.v1", nil)} {
		if err := d.Handle(context.Background(), "e-x", raw); err != nil {
			t.Fatalf("Handle(%s): %v", raw, err)
		}
	}
	if len(sender.sent) != 0 || len(rec.rows) != 0 {
		t.Fatalf("expected nothing delivered, got %d/%d", len(sender.sent), len(rec.rows))
	}
}

func TestComposeFallsBackToUTCForUnknownZone(t *testing.T) {
	if got := formatWhen("2024-06-03T13:00:00Z", "Mars/Olympus"); got != "Mon, Jun 3 2024 at 1:00 PM UTC" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
