package storage

import (
	"context"

	"github.com/md-rashed-zaman/coachbook/libs/db"
)

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Notification is one delivery attempt of one email.
type Notification struct {
	EventID   string
	EventType string
	BookingID string
	CoachID   string
	Recipient string
	Subject   string
	Status    Status
	Error     string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (event_id, event_type, booking_id, coach_id, recipient, subject, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.EventID, n.EventType, n.BookingID, n.CoachID, n.Recipient, n.Subject, string(n.Status), n.Error)
	return err
}
