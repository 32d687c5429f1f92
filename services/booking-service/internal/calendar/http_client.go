package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// GrantStore resolves a coach's calendar access token.
type GrantStore interface {
	Get(ctx context.Context, coachID string) (storage.Grant, error)
}

// HTTPClient speaks the Google Calendar v3 events API (or anything shaped like it).
type HTTPClient struct {
	baseURL string
	grants  GrantStore
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewHTTPClient(baseURL string, grants GrantStore, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		grants:  grants,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type attendee struct {
	Email string `json:"email"`
}

type conferenceData struct {
	CreateRequest *createRequest `json:"createRequest,omitempty"`
	EntryPoints   []entryPoint   `json:"entryPoints,omitempty"`
}

type createRequest struct {
	RequestID             string                `json:"requestId"`
	ConferenceSolutionKey conferenceSolutionKey `json:"conferenceSolutionKey"`
}

type conferenceSolutionKey struct {
	Type string `json:"type"`
}

type entryPoint struct {
	EntryPointType string `json:"entryPointType"`
	URI            string `json:"uri"`
}

type eventBody struct {
	ID             string          `json:"id,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Description    string          `json:"description,omitempty"`
	Start          *eventTime      `json:"start,omitempty"`
	End            *eventTime      `json:"end,omitempty"`
	Attendees      []attendee      `json:"attendees,omitempty"`
	ConferenceData *conferenceData `json:"conferenceData,omitempty"`
}

type eventResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	HangoutLink    string          `json:"hangoutLink"`
	ConferenceData *conferenceData `json:"conferenceData"`
}

func (c *HTTPClient) CreateEvent(ctx context.Context, coachID string, in EventInput) (Event, Result) {
	ctx, span := c.start(ctx, "calendar.create_event", coachID)
	defer span.End()

	body := eventBody{
		ID:          in.EventID,
		Summary:     in.Summary,
		Description: in.Description,
		Start:       &eventTime{DateTime: in.Start.Format(time.RFC3339), TimeZone: in.Timezone},
		End:         &eventTime{DateTime: in.Start.Add(time.Duration(in.DurationMinutes) * time.Minute).Format(time.RFC3339), TimeZone: in.Timezone},
		ConferenceData: &conferenceData{CreateRequest: &createRequest{
			RequestID:             in.RequestID,
			ConferenceSolutionKey: conferenceSolutionKey{Type: "hangoutsMeet"},
		}},
	}
	for _, a := range in.Attendees {
		if a = strings.TrimSpace(a); a != "" {
			body.Attendees = append(body.Attendees, attendee{Email: a})
		}
	}

	var resp eventResponse
	res := c.do(ctx, coachID, http.MethodPost, "/events?conferenceDataVersion=1&sendUpdates=all", body, &resp, false)
	if res.Reason == ReasonDuplicate && in.EventID != "" {
		// An earlier attempt created the event but its outcome was never recorded.
		resp = eventResponse{}
		res = c.do(ctx, coachID, http.MethodGet, "/events/"+url.PathEscape(in.EventID), nil, &resp, false)
		if res.Outcome == OutcomeOK && resp.Status == "cancelled" {
			// The id belongs to a deleted event and cannot be reused.
			body.ID = ""
			resp = eventResponse{}
			res = c.do(ctx, coachID, http.MethodPost, "/events?conferenceDataVersion=1&sendUpdates=all", body, &resp, false)
		}
	}
	finish(span, res)
	if res.Outcome != OutcomeOK {
		return Event{}, res
	}
	if resp.ID == "" {
		res = Retryable("provider returned no event id")
		finish(span, res)
		return Event{}, res
	}
	return Event{ID: resp.ID, ConferenceURL: conferenceURL(resp)}, res
}

func (c *HTTPClient) PatchEventTime(ctx context.Context, coachID, eventID string, start time.Time, durationMinutes int, timezone string) Result {
	ctx, span := c.start(ctx, "calendar.patch_event", coachID)
	defer span.End()

	body := eventBody{
		Start: &eventTime{DateTime: start.Format(time.RFC3339), TimeZone: timezone},
		End:   &eventTime{DateTime: start.Add(time.Duration(durationMinutes) * time.Minute).Format(time.RFC3339), TimeZone: timezone},
	}
	res := c.do(ctx, coachID, http.MethodPatch, "/events/"+url.PathEscape(eventID)+"?sendUpdates=all", body, nil, false)
	finish(span, res)
	return res
}

func (c *HTTPClient) DeleteEvent(ctx context.Context, coachID, eventID string) Result {
	ctx, span := c.start(ctx, "calendar.delete_event", coachID)
	defer span.End()

	res := c.do(ctx, coachID, http.MethodDelete, "/events/"+url.PathEscape(eventID)+"?sendUpdates=all", nil, nil, true)
	finish(span, res)
	return res
}

// do performs one bounded call. goneIsOK treats 404/410 as success (delete of a missing event).
func (c *HTTPClient) do(ctx context.Context, coachID, method, path string, body any, out any, goneIsOK bool) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	grant, err := c.grants.Get(ctx, coachID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NeedsReconnect()
		}
		return classifyTransport(err)
	}
	if strings.TrimSpace(grant.AccessToken) == "" || !grant.ExpiresAt.After(c.now()) {
		return NeedsReconnect()
	}
	calendarID := grant.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Retryable(err.Error())
		}
		reader = bytes.NewReader(raw)
	}
	endpoint := c.baseURL + "/calendars/" + url.PathEscape(calendarID) + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return Retryable(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+grant.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NeedsReconnect()
	case goneIsOK && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone):
		return OK()
	case resp.StatusCode == http.StatusConflict:
		return Retryable(ReasonDuplicate)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Retryable(fmt.Sprintf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Retryable("decode provider response: " + err.Error())
		}
	}
	return OK()
}

func classifyTransport(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(ReasonTimeout)
	}
	return Retryable(err.Error())
}

func conferenceURL(resp eventResponse) string {
	if resp.HangoutLink != "" {
		return resp.HangoutLink
	}
	if resp.ConferenceData != nil {
		for _, ep := range resp.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.URI != "" {
				return ep.URI
			}
		}
	}
	return ""
}

func (c *HTTPClient) start(ctx context.Context, name, coachID string) (context.Context, trace.Span) {
	return otel.Tracer("calendar").Start(ctx, name, trace.WithAttributes(attribute.String("coach_id", coachID)))
}

func finish(span trace.Span, res Result) {
	span.SetAttributes(attribute.String("calendar.outcome", string(res.Outcome)))
	if res.Failed() {
		span.SetStatus(codes.Error, res.Reason)
	}
}
