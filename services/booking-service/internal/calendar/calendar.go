// Package calendar talks to the coach's external calendar. Every call is best-effort:
// failures come back as a Result, never as an error for the caller to propagate.
package calendar

import (
	"context"
	"strings"
	"time"
)

type Outcome string

const (
	// OutcomeSkipped means no call was made (manual link, existing event, no client).
	OutcomeSkipped Outcome = "skipped"
	OutcomeOK      Outcome = "ok"
	// OutcomeRetryable covers timeouts, provider errors and anything else worth retrying later.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeNeedsReconnect means the coach must re-authorise calendar access.
	OutcomeNeedsReconnect Outcome = "needs_reconnect"
)

const (
	ReasonAuthExpired   = "auth_expired"
	ReasonTimeout       = "timeout"
	ReasonNotConfigured = "calendar not configured"
	ReasonDuplicate     = "duplicate event id"
)

type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

func OK() Result                     { return Result{Outcome: OutcomeOK} }
func Skipped(reason string) Result   { return Result{Outcome: OutcomeSkipped, Reason: reason} }
func Retryable(reason string) Result { return Result{Outcome: OutcomeRetryable, Reason: reason} }
func NeedsReconnect() Result         { return Result{Outcome: OutcomeNeedsReconnect, Reason: ReasonAuthExpired} }

func (r Result) Failed() bool {
	return r.Outcome == OutcomeRetryable || r.Outcome == OutcomeNeedsReconnect
}

type EventInput struct {
	Summary         string
	Description     string
	Start           time.Time
	DurationMinutes int
	Timezone        string
	Attendees       []string
	// RequestID makes conference creation idempotent on the provider side.
	RequestID string
	// EventID, when set, is the client-chosen event id. A repeated create with the same
	// id returns the existing event instead of a second one.
	EventID string
}

// EventIDFor derives a provider event id from a booking id. Event ids are limited to
// lowercase base32hex characters, which hex digits satisfy.
func EventIDFor(bookingID string) string {
	return "cb" + strings.ToLower(strings.ReplaceAll(bookingID, "-", ""))
}

type Event struct {
	ID            string
	ConferenceURL string
}

// Client is the calendar provider contract used by the booking orchestrator.
type Client interface {
	CreateEvent(ctx context.Context, coachID string, in EventInput) (Event, Result)
	PatchEventTime(ctx context.Context, coachID, eventID string, start time.Time, durationMinutes int, timezone string) Result
	DeleteEvent(ctx context.Context, coachID, eventID string) Result
}
