package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/coachbook/libs/db"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
)

type BookingRepository struct {
	pool *db.Pool
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

const bookingColumns = `
	id::text, coach_id::text, student_email, student_name, student_timezone,
	scheduled_start, duration_minutes, status, COALESCE(reschedule_of::text, ''),
	COALESCE(calendar_event_id, ''), COALESCE(meeting_url, ''), message, decline_reason,
	calendar_sync_status, created_at, updated_at`

func scanBooking(row pgx.Row) (model.BookingRequest, error) {
	var b model.BookingRequest
	var start *time.Time
	var status, syncStatus string
	err := row.Scan(
		&b.ID,
		&b.CoachID,
		&b.StudentEmail,
		&b.StudentName,
		&b.StudentTimezone,
		&start,
		&b.DurationMinutes,
		&status,
		&b.RescheduleOf,
		&b.CalendarEventID,
		&b.MeetingURL,
		&b.Message,
		&b.DeclineReason,
		&syncStatus,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return model.BookingRequest{}, err
	}
	if start != nil {
		b.ScheduledStart = start.UTC()
	}
	b.Status = model.Status(status)
	b.CalendarSyncStatus = model.CalendarSyncStatus(syncStatus)
	return b, nil
}

// Insert writes a pending booking and holds its interval in one statement. The exclusion
// constraint is the arbiter: an overlapping active row yields ErrSlotConflict.
func (r *BookingRepository) Insert(ctx context.Context, b model.BookingRequest) (model.BookingRequest, error) {
	slot, err := json.Marshal(availability.StructuredSlot(b.ScheduledStart, b.DurationMinutes))
	if err != nil {
		return model.BookingRequest{}, err
	}
	var rescheduleOf *string
	if b.RescheduleOf != "" {
		rescheduleOf = &b.RescheduleOf
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO booking_requests
			(id, coach_id, student_email, student_name, student_timezone, requested_slot,
			 scheduled_start, scheduled_end, duration_minutes, status, reschedule_of, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10, $11)
		RETURNING `+bookingColumns,
		b.ID, b.CoachID, b.StudentEmail, b.StudentName, b.StudentTimezone, slot,
		b.ScheduledStart, b.ScheduledEnd(), b.DurationMinutes, rescheduleOf, b.Message)
	created, err := scanBooking(row)
	if err != nil {
		return model.BookingRequest{}, classifyWrite(err)
	}
	return created, nil
}

func (r *BookingRepository) Get(ctx context.Context, id string) (model.BookingRequest, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM booking_requests WHERE id = $1`, id))
	if err != nil {
		if db.IsNotFound(err) {
			return model.BookingRequest{}, ErrNotFound
		}
		return model.BookingRequest{}, err
	}
	return b, nil
}

// Patch carries optional column updates applied together with a status change.
// Nil fields keep their stored value.
type Patch struct {
	CalendarEventID    *string
	MeetingURL         *string
	CalendarSyncStatus *model.CalendarSyncStatus
	DeclineReason      *string
}

// Transition moves a booking from one status to another with a single compare-and-set
// update. ErrStaleState means the row exists but was no longer in from.
func (r *BookingRepository) Transition(ctx context.Context, id string, from, to model.Status, p Patch) (model.BookingRequest, error) {
	var syncStatus *string
	if p.CalendarSyncStatus != nil {
		s := string(*p.CalendarSyncStatus)
		syncStatus = &s
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_requests
		SET status = $3,
			calendar_event_id = COALESCE($4, calendar_event_id),
			meeting_url = COALESCE($5, meeting_url),
			calendar_sync_status = COALESCE($6, calendar_sync_status),
			decline_reason = COALESCE($7, decline_reason),
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+bookingColumns,
		id, string(from), string(to), p.CalendarEventID, p.MeetingURL, syncStatus, p.DeclineReason)
	b, err := scanBooking(row)
	if err == nil {
		return b, nil
	}
	if !db.IsNotFound(err) {
		return model.BookingRequest{}, classifyWrite(err)
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return model.BookingRequest{}, getErr
	}
	return model.BookingRequest{}, ErrStaleState
}

// RecordSync stores a calendar outcome on a confirmed booking without changing its status.
func (r *BookingRepository) RecordSync(ctx context.Context, id string, eventID, meetingURL string, status model.CalendarSyncStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE booking_requests
		SET calendar_event_id = COALESCE(NULLIF($2, ''), calendar_event_id),
			meeting_url = COALESCE(NULLIF($3, ''), meeting_url),
			calendar_sync_status = $4,
			updated_at = now()
		WHERE id = $1 AND status = 'confirmed'
	`, id, eventID, meetingURL, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

// ListActive returns the coach's pending and confirmed rows that may still end after from,
// including legacy rows that only carry requested_slot.
func (r *BookingRepository) ListActive(ctx context.Context, coachID string, from time.Time) ([]availability.BookedRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, scheduled_start, scheduled_end, duration_minutes, requested_slot
		FROM booking_requests
		WHERE coach_id = $1
			AND status IN ('pending', 'confirmed')
			AND (scheduled_end IS NULL OR scheduled_end > $2)
		ORDER BY scheduled_start ASC NULLS LAST
	`, coachID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.BookedRow
	for rows.Next() {
		var row availability.BookedRow
		var slot []byte
		if err := rows.Scan(&row.ID, &row.ScheduledStart, &row.ScheduledEnd, &row.DurationMinutes, &slot); err != nil {
			return nil, err
		}
		if len(slot) > 0 {
			if err := json.Unmarshal(slot, &row.Slot); err != nil {
				// Left empty; the extractor logs and skips rows it cannot place.
				row.Slot = availability.RawSlot{}
			}
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *BookingRepository) ListByCoach(ctx context.Context, coachID string, status model.Status, limit int) ([]model.BookingRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	var statusFilter *string
	if status != "" {
		s := string(status)
		statusFilter = &s
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM booking_requests
		WHERE coach_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY scheduled_start DESC NULLS LAST
		LIMIT $3
	`, coachID, statusFilter, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// PendingRescheduleOf returns the id of the pending reschedule of originalID, if any.
func (r *BookingRepository) PendingRescheduleOf(ctx context.Context, originalID string) (string, bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id::text FROM booking_requests
		WHERE reschedule_of = $1 AND status = 'pending'
		LIMIT 1
	`, originalID).Scan(&id)
	if err != nil {
		if db.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

// ListSyncRetries returns upcoming confirmed bookings whose calendar sync failed retryably.
func (r *BookingRepository) ListSyncRetries(ctx context.Context, now time.Time, limit int) ([]model.BookingRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM booking_requests
		WHERE status = 'confirmed'
			AND calendar_sync_status = 'failed'
			AND scheduled_start > $1
		ORDER BY scheduled_start ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]model.BookingRequest, error) {
	defer rows.Close()
	var out []model.BookingRequest
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func classifyWrite(err error) error {
	switch {
	case db.IsExclusionViolation(err):
		return fmt.Errorf("%w: %v", ErrSlotConflict, err)
	case db.IsUniqueViolation(err) && db.ConstraintName(err) == constraintOnePendingReschedule:
		return fmt.Errorf("%w: %v", ErrDuplicateReschedule, err)
	default:
		return err
	}
}
