package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/coachbook/libs/db"
)

// Grant is a coach's delegated calendar access.
type Grant struct {
	CoachID     string
	CalendarID  string
	AccessToken string
	ExpiresAt   time.Time
}

type GrantRepository struct {
	pool *db.Pool
}

func NewGrantRepository(pool *db.Pool) *GrantRepository {
	return &GrantRepository{pool: pool}
}

func (r *GrantRepository) Get(ctx context.Context, coachID string) (Grant, error) {
	var g Grant
	err := r.pool.QueryRow(ctx, `
		SELECT coach_id::text, calendar_id, access_token, expires_at
		FROM calendar_grants
		WHERE coach_id = $1
	`, coachID).Scan(&g.CoachID, &g.CalendarID, &g.AccessToken, &g.ExpiresAt)
	if err != nil {
		if db.IsNotFound(err) {
			return Grant{}, ErrNotFound
		}
		return Grant{}, err
	}
	return g, nil
}

func (r *GrantRepository) Upsert(ctx context.Context, g Grant) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO calendar_grants (coach_id, calendar_id, access_token, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (coach_id) DO UPDATE
		SET calendar_id = EXCLUDED.calendar_id,
			access_token = EXCLUDED.access_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`, g.CoachID, g.CalendarID, g.AccessToken, g.ExpiresAt)
	return err
}
