package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/coachbook/libs/httpx"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
)

// stubBookings returns canned results; unset funcs behave as not found.
type stubBookings struct {
	submit func(booking.SubmitInput) (model.BookingRequest, error)
	accept func(coachID, id string, in booking.AcceptInput) (booking.Transition, error)
	cancel func(coachID, id, reason string) (booking.Transition, error)
	gotID  string
}

func (s *stubBookings) Slots(_ context.Context, q booking.SlotsQuery) (booking.SlotsResult, error) {
	start := time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC)
	return booking.SlotsResult{
		CoachTimezone:   "America/New_York",
		DisplayTimezone: q.Timezone,
		DurationMinutes: 60,
		Days: []availability.DayGroup{{
			Date: "2024-06-03",
			Slots: []availability.Slot{{
				Start:           start,
				End:             start.Add(time.Hour),
				DurationMinutes: 60,
				CoachLocalLabel: "Mon, Jun 3 9:00 AM EDT",
				DisplayDate:     "2024-06-03",
				DisplayTime:     "15:00",
				DisplayLabel:    "Mon, Jun 3 3:00 PM CEST",
			}},
		}},
	}, nil
}

func (s *stubBookings) Submit(_ context.Context, in booking.SubmitInput) (model.BookingRequest, error) {
	return s.submit(in)
}

func (s *stubBookings) Get(_ context.Context, coachID, id string) (model.BookingRequest, error) {
	return model.BookingRequest{}, fmt.Errorf("booking %s: %w", id, booking.ErrNotFound)
}

func (s *stubBookings) List(_ context.Context, coachID string, status model.Status, limit int) ([]model.BookingRequest, error) {
	return nil, nil
}

func (s *stubBookings) Accept(_ context.Context, coachID, id string, in booking.AcceptInput) (booking.Transition, error) {
	s.gotID = id
	return s.accept(coachID, id, in)
}

func (s *stubBookings) Decline(_ context.Context, coachID, id, reason string) (booking.Transition, error) {
	return booking.Transition{}, booking.ErrNotFound
}

func (s *stubBookings) Cancel(_ context.Context, coachID, id, reason string) (booking.Transition, error) {
	return s.cancel(coachID, id, reason)
}

func (s *stubBookings) Complete(_ context.Context, coachID, id string) (booking.Transition, error) {
	return booking.Transition{}, &booking.GuardError{Reason: "session has not started yet"}
}

func (s *stubBookings) Reschedule(_ context.Context, coachID, id string, in booking.RescheduleInput) (booking.Transition, error) {
	return booking.Transition{}, booking.ErrSlotTaken
}

func (s *stubBookings) Reopen(_ context.Context, coachID, id string) (booking.Transition, error) {
	return booking.Transition{}, booking.ErrNotFound
}

func newRouter(svc Bookings) http.Handler {
	r := chi.NewRouter()
	h := NewBookingHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.Routes(r, nil)
	return r
}

func do(t *testing.T, h http.Handler, method, path, coachID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if coachID != "" {
		req.Header.Set(HeaderCoachID, coachID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpx.ErrorBody {
	t.Helper()
	var body httpx.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

const validSubmit = `{"student_email":"sam@example.com","student_name":"Sam","student_timezone":"Europe/Berlin","start":"2024-06-03T13:00:00Z"}`

func TestSubmitCreated(t *testing.T) {
	var got booking.SubmitInput
	svc := &stubBookings{submit: func(in booking.SubmitInput) (model.BookingRequest, error) {
		got = in
		return model.BookingRequest{
			ID:              "b-1",
			CoachID:         in.CoachID,
			ScheduledStart:  time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC),
			DurationMinutes: 60,
			Status:          model.StatusPending,
		}, nil
	}}
	rec := do(t, newRouter(svc), http.MethodPost, "/api/v1/coaches/c-1/bookings", "", validSubmit)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.CoachID != "c-1" || got.StudentTimezone != "Europe/Berlin" {
		t.Fatalf("unexpected input %+v", got)
	}
	var resp bookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "pending" || resp.ScheduledEnd != "2024-06-03T14:00:00Z" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmitSlotTakenIsConflict(t *testing.T) {
	svc := &stubBookings{submit: func(booking.SubmitInput) (model.BookingRequest, error) {
		return model.BookingRequest{}, booking.ErrSlotTaken
	}}
	rec := do(t, newRouter(svc), http.MethodPost, "/api/v1/coaches/c-1/bookings", "", validSubmit)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Error != "slot_taken" {
		t.Fatalf("expected 409 slot_taken, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRejectsInvalidBody(t *testing.T) {
	svc := &stubBookings{submit: func(booking.SubmitInput) (model.BookingRequest, error) {
		t.Fatalf("service must not be called")
		return model.BookingRequest{}, nil
	}}
	router := newRouter(svc)
	for _, body := range []string{
		`not json`,
		``,
		`{"student_email":"nope","student_name":"Sam","student_timezone":"UTC","start":"x"}`,
		`{"student_email":"sam@example.com","student_name":"Sam","student_timezone":"UTC","start":"x","extra":1}`,
	} {
		rec := do(t, router, http.MethodPost, "/api/v1/coaches/c-1/bookings", "", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestSlotsResponse(t *testing.T) {
	rec := do(t, newRouter(&stubBookings{}), http.MethodGet, "/api/v1/coaches/c-1/slots?tz=Europe/Berlin", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp slotsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Timezone != "Europe/Berlin" || len(resp.Days) != 1 || resp.Days[0].Slots[0].DisplayTime != "15:00" {
		t.Fatalf("unexpected slots %+v", resp)
	}

	rec = do(t, newRouter(&stubBookings{}), http.MethodGet, "/api/v1/coaches/c-1/slots?duration=abc", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad duration, got %d", rec.Code)
	}
}

func TestCoachRoutesRequireIdentity(t *testing.T) {
	rec := do(t, newRouter(&stubBookings{}), http.MethodPost, "/api/v1/bookings/b-1/accept", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(t, newRouter(&stubBookings{}), http.MethodGet, "/api/v1/coaches/c-1/bookings", "c-2", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAcceptSurfacesReconnect(t *testing.T) {
	svc := &stubBookings{accept: func(coachID, id string, in booking.AcceptInput) (booking.Transition, error) {
		return booking.Transition{
			Booking:  model.BookingRequest{ID: id, CoachID: coachID, Status: model.StatusConfirmed, CalendarSyncStatus: model.SyncNeedsReconnect},
			Sync:     calendar.NeedsReconnect(),
			Warnings: []string{"reconnect"},
		}, nil
	}}
	// An empty body is allowed for accept.
	rec := do(t, newRouter(svc), http.MethodPost, "/api/v1/bookings/b-1/accept", "c-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp transitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.NeedsReconnect || resp.Sync.Outcome != "needs_reconnect" || svc.gotID != "b-1" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = do(t, newRouter(svc), http.MethodPost, "/api/v1/bookings/b-1/accept", "c-1", `{"meeting_url":"not a url"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid meeting url, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	svc := &stubBookings{cancel: func(coachID, id, reason string) (booking.Transition, error) {
		return booking.Transition{}, fmt.Errorf("db down")
	}}
	router := newRouter(svc)

	cases := []struct {
		path   string
		body   string
		status int
		code   string
	}{
		{"/api/v1/bookings/b-1/complete", "", http.StatusConflict, "guard_violation"},
		{"/api/v1/bookings/b-1/reschedule", `{"start":"2024-06-10T09:00"}`, http.StatusConflict, "slot_taken"},
		{"/api/v1/bookings/b-1/decline", `{"reason":"no"}`, http.StatusNotFound, "not_found"},
		{"/api/v1/bookings/b-1/cancel", `{"reason":"sick"}`, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		rec := do(t, router, http.MethodPost, tc.path, "c-1", tc.body)
		if rec.Code != tc.status || decodeError(t, rec).Error != tc.code {
			t.Fatalf("%s: expected %d %s, got %d %s", tc.path, tc.status, tc.code, rec.Code, rec.Body.String())
		}
	}

	rec := do(t, router, http.MethodPost, "/api/v1/bookings/b-1/complete", "c-1", "")
	if msg := decodeError(t, rec).Message; msg != "session has not started yet" {
		t.Fatalf("expected guard reason in message, got %q", msg)
	}
	rec = do(t, router, http.MethodGet, "/api/v1/bookings/b-1", "c-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
