// Package notify turns booking events into emails.
package notify

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

// Event mirrors the payload the booking service publishes for every booking event.
type Event struct {
	BookingID  string            `json:"booking_id"`
	CoachID    string            `json:"coach_id"`
	EventType  string            `json:"event_type"`
	Student    Student           `json:"student"`
	Metadata   map[string]string `json:"metadata"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Student struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

var ErrUnknownEvent = errors.New("unknown event type")

type audience int

const (
	toStudent audience = iota
	toCoach
)

type emailTemplate struct {
	to      audience
	subject string
	body    *template.Template
}

// templates is keyed by event type.
var templates = map[string][]emailTemplate{
	"booking.request.submitted.v1": {
		{toStudent, "Your session request was sent", mustParse(`Hi {{.StudentName}},

We sent your request for {{.When}} ({{.Duration}} minutes) to {{.CoachName}}.
You will hear back once it is confirmed.`)},
		{toCoach, "New session request from {{.StudentName}}", mustParse(`{{.StudentName}} <{{.StudentEmail}}> asked for {{.When}} ({{.Duration}} minutes).
{{if .Message}}
Message: {{.Message}}
{{end}}`)},
	},
	"booking.request.confirmed.v1": {
		{toStudent, "Your session is confirmed", mustParse(`Hi {{.StudentName}},

{{.CoachName}} confirmed your session on {{.When}}.
{{if .MeetingURL}}Join here: {{.MeetingURL}}{{else}}Your coach will share the meeting link.{{end}}`)},
	},
	"booking.request.declined.v1": {
		{toStudent, "Your session request was declined", mustParse(`Hi {{.StudentName}},

{{.CoachName}} could not take the session on {{.When}}.{{if .Reason}}
Reason: {{.Reason}}{{end}}
Feel free to pick another time.`)},
	},
	"booking.request.cancelled.v1": {
		{toStudent, "Your session was cancelled", mustParse(`Hi {{.StudentName}},

Your session on {{.When}} was cancelled.{{if .Reason}}
Reason: {{.Reason}}{{end}}`)},
	},
	"booking.request.completed.v1": {
		{toStudent, "Thanks for your session", mustParse(`Hi {{.StudentName}},

Thanks for your session with {{.CoachName}} on {{.When}}.`)},
	},
	"booking.request.reschedule_requested.v1": {
		{toStudent, "A new time was proposed for your session", mustParse(`Hi {{.StudentName}},

{{.CoachName}} proposed moving your session{{if .PreviousWhen}} from {{.PreviousWhen}}{{end}} to {{.When}}.
Your current booking stays in place until the new time is confirmed.`)},
	},
	"booking.request.reopened.v1": {
		{toCoach, "Booking reopened", mustParse(`The booking with {{.StudentName}} on {{.When}} was reopened and is pending again.`)},
	},
}

func mustParse(body string) *template.Template {
	return template.Must(template.New("").Parse(body))
}

type view struct {
	StudentName  string
	StudentEmail string
	CoachName    string
	When         string
	PreviousWhen string
	Duration     string
	MeetingURL   string
	Reason       string
	Message      string
}

// Email is one rendered message with its recipient.
type Email struct {
	To      string
	ReplyTo string
	Subject string
	Body    string
}

// Compose renders the emails for evt. Each recipient sees times in their own zone.
func Compose(evt Event) ([]Email, error) {
	tmpls, ok := templates[evt.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, evt.EventType)
	}
	meta := evt.Metadata
	coachName := meta["coach_name"]
	if coachName == "" {
		coachName = "Your coach"
	}

	var out []Email
	for _, t := range tmpls {
		to, replyTo, zone := evt.Student.Email, meta["coach_email"], evt.Student.Timezone
		if t.to == toCoach {
			to, replyTo, zone = meta["coach_email"], evt.Student.Email, meta["coach_timezone"]
		}
		if strings.TrimSpace(to) == "" {
			continue
		}
		v := view{
			StudentName:  evt.Student.Name,
			StudentEmail: evt.Student.Email,
			CoachName:    coachName,
			When:         formatWhen(meta["scheduled_start"], zone),
			PreviousWhen: formatWhen(meta["previous_start"], zone),
			Duration:     meta["duration_minutes"],
			MeetingURL:   meta["meeting_url"],
			Reason:       meta["reason"],
			Message:      meta["message"],
		}
		subject, err := render(mustParse(t.subject), v)
		if err != nil {
			return nil, err
		}
		body, err := render(t.body, v)
		if err != nil {
			return nil, err
		}
		out = append(out, Email{To: to, ReplyTo: replyTo, Subject: subject, Body: strings.TrimSpace(body)})
	}
	return out, nil
}

func render(t *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatWhen renders an RFC3339 instant in zone, falling back to UTC.
func formatWhen(raw, zone string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	loc, err := time.LoadLocation(zone)
	if err != nil || zone == "" {
		loc = time.UTC
	}
	return t.In(loc).Format("Mon, Jan 2 2006 at 3:04 PM MST")
}

// Topics lists the event types that have templates, in a stable order.
func Topics() []string {
	out := make([]string, 0, len(templates))
	for t := range templates {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
