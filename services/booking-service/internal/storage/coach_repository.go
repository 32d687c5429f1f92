package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/coachbook/libs/db"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/model"
)

// CoachRepository reads coach settings and availability rules. Both are maintained by
// the settings UI; this service never writes them outside the seed tool.
type CoachRepository struct {
	pool *db.Pool
}

func NewCoachRepository(pool *db.Pool) *CoachRepository {
	return &CoachRepository{pool: pool}
}

func (r *CoachRepository) GetCoach(ctx context.Context, coachID string) (model.Coach, error) {
	var c model.Coach
	err := r.pool.QueryRow(ctx, `
		SELECT coach_id::text, display_name, email, timezone, session_minutes, min_notice_minutes, buffer_minutes
		FROM coaches
		WHERE coach_id = $1
	`, coachID).Scan(&c.ID, &c.DisplayName, &c.Email, &c.Timezone, &c.SessionMinutes, &c.MinNoticeMinutes, &c.BufferMinutes)
	if err != nil {
		if db.IsNotFound(err) {
			return model.Coach{}, ErrNotFound
		}
		return model.Coach{}, err
	}
	return c, nil
}

func (r *CoachRepository) ListRules(ctx context.Context, coachID string) ([]availability.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT day_of_week,
			(EXTRACT(HOUR FROM start_time) * 60 + EXTRACT(MINUTE FROM start_time))::int,
			(EXTRACT(HOUR FROM end_time) * 60 + EXTRACT(MINUTE FROM end_time))::int
		FROM availability_rules
		WHERE coach_id = $1
		ORDER BY day_of_week, start_time
	`, coachID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []availability.Rule
	for rows.Next() {
		var day int16
		var rule availability.Rule
		if err := rows.Scan(&day, &rule.StartMinute, &rule.EndMinute); err != nil {
			return nil, err
		}
		rule.DayOfWeek = time.Weekday(day)
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// UpsertCoach and ReplaceRules back the seed tool.
func (r *CoachRepository) UpsertCoach(ctx context.Context, c model.Coach) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO coaches (coach_id, display_name, email, timezone, session_minutes, min_notice_minutes, buffer_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (coach_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			timezone = EXCLUDED.timezone,
			session_minutes = EXCLUDED.session_minutes,
			min_notice_minutes = EXCLUDED.min_notice_minutes,
			buffer_minutes = EXCLUDED.buffer_minutes
	`, c.ID, c.DisplayName, c.Email, c.Timezone, c.SessionMinutes, c.MinNoticeMinutes, c.BufferMinutes)
	return err
}

func (r *CoachRepository) ReplaceRules(ctx context.Context, coachID string, rules []availability.Rule) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM availability_rules WHERE coach_id = $1`, coachID); err != nil {
		return err
	}
	for _, rule := range rules {
		if _, err := tx.Exec(ctx, `
			INSERT INTO availability_rules (coach_id, day_of_week, start_time, end_time)
			VALUES ($1, $2, make_time($3, $4, 0), make_time($5, $6, 0))
		`, coachID, int16(rule.DayOfWeek), rule.StartMinute/60, rule.StartMinute%60, rule.EndMinute/60, rule.EndMinute%60); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
