package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/coachbook/libs/httpx"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
)

// HeaderCoachID carries the coach identity asserted by the upstream gateway.
const HeaderCoachID = "X-Coach-Id"

// Bookings is the booking engine as seen by the HTTP layer.
type Bookings interface {
	Slots(ctx context.Context, q booking.SlotsQuery) (booking.SlotsResult, error)
	Submit(ctx context.Context, in booking.SubmitInput) (model.BookingRequest, error)
	Get(ctx context.Context, coachID, id string) (model.BookingRequest, error)
	List(ctx context.Context, coachID string, status model.Status, limit int) ([]model.BookingRequest, error)
	Accept(ctx context.Context, coachID, id string, in booking.AcceptInput) (booking.Transition, error)
	Decline(ctx context.Context, coachID, id, reason string) (booking.Transition, error)
	Cancel(ctx context.Context, coachID, id, reason string) (booking.Transition, error)
	Complete(ctx context.Context, coachID, id string) (booking.Transition, error)
	Reschedule(ctx context.Context, coachID, id string, in booking.RescheduleInput) (booking.Transition, error)
	Reopen(ctx context.Context, coachID, id string) (booking.Transition, error)
}

type BookingHandler struct {
	svc      Bookings
	logger   *slog.Logger
	validate *validator.Validate
}

func NewBookingHandler(svc Bookings, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		svc:      svc,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the API under r. public wraps the unauthenticated student routes
// (slot listing and submit), typically with a rate limiter.
func (h *BookingHandler) Routes(r chi.Router, public httpx.Middleware) {
	if public == nil {
		public = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.With(public).Get("/coaches/{coachID}/slots", h.Slots)
		r.With(public).Post("/coaches/{coachID}/bookings", h.Submit)
		r.Get("/coaches/{coachID}/bookings", h.List)

		r.Get("/bookings/{bookingID}", h.Get)
		r.Post("/bookings/{bookingID}/accept", h.Accept)
		r.Post("/bookings/{bookingID}/decline", h.Decline)
		r.Post("/bookings/{bookingID}/cancel", h.Cancel)
		r.Post("/bookings/{bookingID}/complete", h.Complete)
		r.Post("/bookings/{bookingID}/reschedule", h.Reschedule)
		r.Post("/bookings/{bookingID}/reopen", h.Reopen)
	})
}

type submitRequest struct {
	StudentEmail    string `json:"student_email" validate:"required,email,max=254"`
	StudentName     string `json:"student_name" validate:"required,max=200"`
	StudentTimezone string `json:"student_timezone" validate:"required"`
	Start           string `json:"start" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=5,max=480"`
	Message         string `json:"message" validate:"max=2000"`
}

type acceptRequest struct {
	MeetingURL string `json:"meeting_url" validate:"omitempty,url,max=2048"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type rescheduleRequest struct {
	Start string `json:"start" validate:"required"`
}

type bookingResponse struct {
	ID                 string `json:"id"`
	CoachID            string `json:"coach_id"`
	StudentEmail       string `json:"student_email"`
	StudentName        string `json:"student_name"`
	StudentTimezone    string `json:"student_timezone"`
	ScheduledStart     string `json:"scheduled_start"`
	ScheduledEnd       string `json:"scheduled_end"`
	DurationMinutes    int    `json:"duration_minutes"`
	Status             string `json:"status"`
	RescheduleOf       string `json:"reschedule_of,omitempty"`
	CalendarEventID    string `json:"calendar_event_id,omitempty"`
	MeetingURL         string `json:"meeting_url,omitempty"`
	Message            string `json:"message,omitempty"`
	DeclineReason      string `json:"decline_reason,omitempty"`
	CalendarSyncStatus string `json:"calendar_sync_status"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type syncResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

type transitionResponse struct {
	Booking        bookingResponse `json:"booking"`
	Sync           syncResponse    `json:"calendar_sync"`
	NeedsReconnect bool            `json:"needs_reconnect"`
	Warnings       []string        `json:"warnings,omitempty"`
}

type slotItem struct {
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes"`
	CoachLocalLabel string `json:"coach_local_label"`
	DisplayDate     string `json:"display_date"`
	DisplayTime     string `json:"display_time"`
	DisplayLabel    string `json:"display_label"`
}

type slotDay struct {
	Date  string     `json:"date"`
	Slots []slotItem `json:"slots"`
}

type slotsResponse struct {
	CoachID         string    `json:"coach_id"`
	CoachTimezone   string    `json:"coach_timezone"`
	Timezone        string    `json:"timezone"`
	DurationMinutes int       `json:"duration_minutes"`
	Days            []slotDay `json:"days"`
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	coachID := chi.URLParam(r, "coachID")
	q := booking.SlotsQuery{CoachID: coachID, Timezone: strings.TrimSpace(r.URL.Query().Get("tz"))}
	if raw := r.URL.Query().Get("duration"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "duration must be an integer number of minutes")
			return
		}
		q.DurationMinutes = d
	}

	res, err := h.svc.Slots(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := slotsResponse{
		CoachID:         coachID,
		CoachTimezone:   res.CoachTimezone,
		Timezone:        res.DisplayTimezone,
		DurationMinutes: res.DurationMinutes,
		Days:            make([]slotDay, 0, len(res.Days)),
	}
	for _, day := range res.Days {
		items := make([]slotItem, 0, len(day.Slots))
		for _, s := range day.Slots {
			items = append(items, slotItem{
				Start:           s.Start.Format(time.RFC3339),
				End:             s.End.Format(time.RFC3339),
				DurationMinutes: s.DurationMinutes,
				CoachLocalLabel: s.CoachLocalLabel,
				DisplayDate:     s.DisplayDate,
				DisplayTime:     s.DisplayTime,
				DisplayLabel:    s.DisplayLabel,
			})
		}
		resp.Days = append(resp.Days, slotDay{Date: day.Date, Slots: items})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	created, err := h.svc.Submit(r.Context(), booking.SubmitInput{
		CoachID:         chi.URLParam(r, "coachID"),
		StudentEmail:    req.StudentEmail,
		StudentName:     req.StudentName,
		StudentTimezone: req.StudentTimezone,
		Start:           req.Start,
		DurationMinutes: req.DurationMinutes,
		Message:         req.Message,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toBookingResponse(created))
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	coachID, ok := h.coach(w, r)
	if !ok {
		return
	}
	if coachID != chi.URLParam(r, "coachID") {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "bookings of another coach")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		limit = n
	}
	items, err := h.svc.List(r.Context(), coachID, model.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]bookingResponse, 0, len(items))
	for _, b := range items {
		out = append(out, toBookingResponse(b))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	coachID, ok := h.coach(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), coachID, chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *BookingHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	h.transition(w, r, &req, func(ctx context.Context, coachID, id string) (booking.Transition, error) {
		return h.svc.Accept(ctx, coachID, id, booking.AcceptInput{MeetingURL: req.MeetingURL})
	})
}

func (h *BookingHandler) Decline(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	h.transition(w, r, &req, func(ctx context.Context, coachID, id string) (booking.Transition, error) {
		return h.svc.Decline(ctx, coachID, id, req.Reason)
	})
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	h.transition(w, r, &req, func(ctx context.Context, coachID, id string) (booking.Transition, error) {
		return h.svc.Cancel(ctx, coachID, id, req.Reason)
	})
}

func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, nil, h.svc.Complete)
}

func (h *BookingHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, nil, h.svc.Reopen)
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	coachID, ok := h.coach(w, r)
	if !ok {
		return
	}
	var req rescheduleRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	t, err := h.svc.Reschedule(r.Context(), coachID, chi.URLParam(r, "bookingID"), booking.RescheduleInput{Start: req.Start})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toTransitionResponse(t))
}

// transition runs a coach-scoped state change. body, when non-nil, is an optional JSON body.
func (h *BookingHandler) transition(w http.ResponseWriter, r *http.Request, body any, op func(ctx context.Context, coachID, id string) (booking.Transition, error)) {
	coachID, ok := h.coach(w, r)
	if !ok {
		return
	}
	if body != nil && !h.decode(w, r, body, false) {
		return
	}
	t, err := op(r.Context(), coachID, chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toTransitionResponse(t))
}

func (h *BookingHandler) coach(w http.ResponseWriter, r *http.Request) (string, bool) {
	coachID := strings.TrimSpace(r.Header.Get(HeaderCoachID))
	if coachID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing "+HeaderCoachID+" header")
		return "", false
	}
	return coachID, true
}

// decode reads and validates a JSON body. An empty body is accepted unless required.
func (h *BookingHandler) decode(w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return h.validBody(w, dst)
		}
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return false
	}
	return h.validBody(w, dst)
}

func (h *BookingHandler) validBody(w http.ResponseWriter, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		msg := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = verrs[0].Field() + " is invalid (" + verrs[0].Tag() + ")"
		}
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", msg)
		return false
	}
	return true
}

func (h *BookingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ge *booking.GuardError
	switch {
	case errors.Is(err, booking.ErrValidation):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, booking.ErrSlotTaken):
		httpx.WriteError(w, http.StatusConflict, "slot_taken", "This slot was just booked by someone else. Please pick another slot.")
	case errors.As(err, &ge):
		httpx.WriteError(w, http.StatusConflict, "guard_violation", ge.Reason)
	case errors.Is(err, booking.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "not found")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func toBookingResponse(b model.BookingRequest) bookingResponse {
	return bookingResponse{
		ID:                 b.ID,
		CoachID:            b.CoachID,
		StudentEmail:       b.StudentEmail,
		StudentName:        b.StudentName,
		StudentTimezone:    b.StudentTimezone,
		ScheduledStart:     b.ScheduledStart.UTC().Format(time.RFC3339),
		ScheduledEnd:       b.ScheduledEnd().UTC().Format(time.RFC3339),
		DurationMinutes:    b.DurationMinutes,
		Status:             string(b.Status),
		RescheduleOf:       b.RescheduleOf,
		CalendarEventID:    b.CalendarEventID,
		MeetingURL:         b.MeetingURL,
		Message:            b.Message,
		DeclineReason:      b.DeclineReason,
		CalendarSyncStatus: string(b.CalendarSyncStatus),
		CreatedAt:          b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toTransitionResponse(t booking.Transition) transitionResponse {
	return transitionResponse{
		Booking:        toBookingResponse(t.Booking),
		Sync:           syncResponse{Outcome: string(t.Sync.Outcome), Reason: t.Sync.Reason},
		NeedsReconnect: t.NeedsReconnect(),
		Warnings:       t.Warnings,
	}
}
