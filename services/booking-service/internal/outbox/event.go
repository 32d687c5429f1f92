package outbox

import "time"

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const AggregateBooking = "booking_request"

const (
	EventSubmitted           = "booking.request.submitted.v1"
	EventConfirmed           = "booking.request.confirmed.v1"
	EventDeclined            = "booking.request.declined.v1"
	EventCancelled           = "booking.request.cancelled.v1"
	EventCompleted           = "booking.request.completed.v1"
	EventRescheduleRequested = "booking.request.reschedule_requested.v1"
	EventReopened            = "booking.request.reopened.v1"
)

// Topics lists every booking event type, which is also its topic.
func Topics() []string {
	return []string{
		EventSubmitted,
		EventConfirmed,
		EventDeclined,
		EventCancelled,
		EventCompleted,
		EventRescheduleRequested,
		EventReopened,
	}
}

type Student struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// Notification is what the booking engine hands to the sink after a state change.
type Notification struct {
	CoachID   string
	EventType string
	BookingID string
	Student   Student
	Metadata  map[string]string
}

// Payload is the JSON body published for every booking event.
type Payload struct {
	BookingID  string            `json:"booking_id"`
	CoachID    string            `json:"coach_id"`
	EventType  string            `json:"event_type"`
	Student    Student           `json:"student"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
