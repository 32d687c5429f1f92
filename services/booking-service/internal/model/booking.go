package model

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusDeclined, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Terminal states accept no further transition through the guaranteed machine.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusCancelled || s == StatusCompleted
}

// Active states hold their interval under the exclusion constraint.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

type Action string

const (
	ActionAccept     Action = "accept"
	ActionDecline    Action = "decline"
	ActionCancel     Action = "cancel"
	ActionComplete   Action = "complete"
	ActionReschedule Action = "reschedule"
	// ActionReopen is the operator override back to pending; it is outside the guaranteed machine.
	ActionReopen Action = "reopen"
)

// transitions lists the source state each action requires and the state it produces.
// Reschedule leaves its source untouched; it spawns a new pending booking instead.
var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionAccept:     {from: []Status{StatusPending}, to: StatusConfirmed},
	ActionDecline:    {from: []Status{StatusPending}, to: StatusDeclined},
	ActionCancel:     {from: []Status{StatusConfirmed}, to: StatusCancelled},
	ActionComplete:   {from: []Status{StatusConfirmed}, to: StatusCompleted},
	ActionReschedule: {from: []Status{StatusConfirmed}, to: StatusConfirmed},
	ActionReopen:     {from: []Status{StatusDeclined, StatusCancelled}, to: StatusPending},
}

// Next returns the state action leads to from s, or false when the action is not allowed.
func Next(s Status, action Action) (Status, bool) {
	t, ok := transitions[action]
	if !ok {
		return "", false
	}
	for _, from := range t.from {
		if from == s {
			return t.to, true
		}
	}
	return "", false
}

type CalendarSyncStatus string

const (
	SyncNone           CalendarSyncStatus = "none"
	SyncSynced         CalendarSyncStatus = "synced"
	SyncManual         CalendarSyncStatus = "manual"
	SyncFailed         CalendarSyncStatus = "failed"
	SyncNeedsReconnect CalendarSyncStatus = "needs_reconnect"
)

// BookingRequest is one student request for a coach's time; it holds its slot while active.
type BookingRequest struct {
	ID                 string
	CoachID            string
	StudentEmail       string
	StudentName        string
	StudentTimezone    string
	ScheduledStart     time.Time
	DurationMinutes    int
	Status             Status
	RescheduleOf       string
	CalendarEventID    string
	MeetingURL         string
	Message            string
	DeclineReason      string
	CalendarSyncStatus CalendarSyncStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (b BookingRequest) ScheduledEnd() time.Time {
	return b.ScheduledStart.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

func (b BookingRequest) IsReschedule() bool {
	return b.RescheduleOf != ""
}

// Coach is the subset of coach settings the booking engine reads.
type Coach struct {
	ID               string
	DisplayName      string
	Email            string
	Timezone         string
	SessionMinutes   int
	MinNoticeMinutes int
	BufferMinutes    int
}
