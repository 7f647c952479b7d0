package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/domain"
	"example.com/treadmill/internal/events"
	"example.com/treadmill/internal/observability"
)

// Repository provides Postgres-backed persistence for exercise sessions and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `session_id, user_id, start_time, end_time, duration_seconds, distance_km, steps, calories, average_speed, max_speed, mode, notes, created_at, updated_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.UserID, &s.StartTime, &s.EndTime, &s.DurationSeconds, &s.DistanceKm, &s.Steps,
		&s.Calories, &s.AverageSpeed, &s.MaxSpeed, &s.Mode, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// Create inserts the session and records an outbox event inside a single transaction.
// Open sessions emit session.started; sessions recorded already closed emit session.ended.
func (r *Repository) Create(ctx context.Context, s domain.Session) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	insert := `INSERT INTO exercise_sessions (` + sessionColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err = tx.Exec(ctx, insert,
		s.ID,
		s.UserID,
		s.StartTime,
		s.EndTime,
		s.DurationSeconds,
		s.DistanceKm,
		s.Steps,
		s.Calories,
		s.AverageSpeed,
		s.MaxSpeed,
		s.Mode,
		s.Notes,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if s.Open() {
		err = r.insertOutbox(ctx, tx, s, events.TypeSessionStarted, events.SessionStarted{
			SessionID: s.ID,
			UserID:    s.UserID,
			StartTime: s.StartTime,
			Mode:      s.Mode,
		})
	} else {
		err = r.insertOutbox(ctx, tx, s, events.TypeSessionEnded, sessionEnded(s))
	}
	if err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordSessionStarted(s.StartTime)
	if s.EndTime != nil {
		observability.RecordSessionEnded(*s.EndTime)
	}
	return nil
}

// Finish stores the final metrics of a session and emits session.ended.
func (r *Repository) Finish(ctx context.Context, s domain.Session) error {
	if s.EndTime == nil {
		return fmt.Errorf("finish session %s: end_time is required", s.ID)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const update = `UPDATE exercise_sessions
        SET end_time=$2, duration_seconds=$3, distance_km=$4, steps=$5, calories=$6, average_speed=$7, max_speed=$8, notes=$9, updated_at=$10
        WHERE session_id=$1 AND end_time IS NULL`

	tag, err := tx.Exec(ctx, update,
		s.ID,
		s.EndTime,
		s.DurationSeconds,
		s.DistanceKm,
		s.Steps,
		s.Calories,
		s.AverageSpeed,
		s.MaxSpeed,
		s.Notes,
		s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("session %s: %w", s.ID, domain.ErrNoActiveSession)
		return err
	}

	if err = r.insertOutbox(ctx, tx, s, events.TypeSessionEnded, sessionEnded(s)); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordSessionEnded(*s.EndTime)
	return nil
}

// LatestOpen returns the most recently started open session of the user, or nil.
func (r *Repository) LatestOpen(ctx context.Context, userID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
        FROM exercise_sessions WHERE user_id=$1 AND end_time IS NULL
        ORDER BY start_time DESC LIMIT 1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListStaleOpen returns open sessions that started before the cutoff.
func (r *Repository) ListStaleOpen(ctx context.Context, startedBefore time.Time) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
        FROM exercise_sessions WHERE end_time IS NULL AND start_time < $1
        ORDER BY start_time`

	rows, err := r.pool.Query(ctx, query, startedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CloseStale closes an open session with an estimated end and appends note.
// A session that was closed concurrently is left untouched.
func (r *Repository) CloseStale(ctx context.Context, id string, end time.Time, durationSeconds int, note string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const update = `UPDATE exercise_sessions
        SET end_time=$2, duration_seconds=$3,
            notes = CASE WHEN notes = '' THEN $4 ELSE notes || E'\n' || $4 END,
            updated_at=NOW()
        WHERE session_id=$1 AND end_time IS NULL
        RETURNING user_id, start_time`

	var s domain.Session
	if err = tx.QueryRow(ctx, update, id, end, durationSeconds, note).Scan(&s.UserID, &s.StartTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
			return tx.Commit(ctx)
		}
		return err
	}
	s.ID = id

	if err = r.insertOutbox(ctx, tx, s, events.TypeSessionAutoClosed, events.SessionAutoClosed{
		SessionID:       id,
		UserID:          s.UserID,
		StartTime:       s.StartTime,
		EndTime:         end,
		DurationSeconds: durationSeconds,
		Reason:          note,
	}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordSessionEnded(end)
	return nil
}

// UserWeight returns the recorded weight of a user; ok is false when none is stored.
func (r *Repository) UserWeight(ctx context.Context, userID string) (float64, bool, error) {
	var weight *float64
	err := r.pool.QueryRow(ctx, `SELECT weight_kg FROM users WHERE user_id=$1`, userID).Scan(&weight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if weight == nil || *weight <= 0 {
		return 0, false, nil
	}
	return *weight, true, nil
}

// DevicePreferences returns the preferences last saved for the user.
func (r *Repository) DevicePreferences(ctx context.Context, userID string) (device.Preferences, bool, error) {
	var p device.Preferences
	err := r.pool.QueryRow(ctx, `SELECT max_speed, start_speed, sensitivity, child_lock, units_miles
        FROM device_settings WHERE user_id=$1`, userID).
		Scan(&p.MaxSpeed, &p.StartSpeed, &p.Sensitivity, &p.ChildLock, &p.UnitsMiles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return device.Preferences{}, false, nil
		}
		return device.Preferences{}, false, err
	}
	return p, true, nil
}

// SaveDevicePreferences upserts the user's preferences. Nil fields keep their stored value.
func (r *Repository) SaveDevicePreferences(ctx context.Context, userID string, p device.Preferences) error {
	const upsert = `INSERT INTO device_settings (user_id, max_speed, start_speed, sensitivity, child_lock, units_miles)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (user_id) DO UPDATE SET
            max_speed = COALESCE(EXCLUDED.max_speed, device_settings.max_speed),
            start_speed = COALESCE(EXCLUDED.start_speed, device_settings.start_speed),
            sensitivity = COALESCE(EXCLUDED.sensitivity, device_settings.sensitivity),
            child_lock = COALESCE(EXCLUDED.child_lock, device_settings.child_lock),
            units_miles = COALESCE(EXCLUDED.units_miles, device_settings.units_miles),
            updated_at = NOW()`
	_, err := r.pool.Exec(ctx, upsert, userID, p.MaxSpeed, p.StartSpeed, p.Sensitivity, p.ChildLock, p.UnitsMiles)
	return err
}

// ListByUser returns sessions for a user ordered by start time, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Session, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT ` + sessionColumns + `
        FROM exercise_sessions WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (start_time, session_id) < ($3, $4)`
		args = append(args, cursor.StartTime, cursor.ID)
	}

	query += ` ORDER BY start_time DESC, session_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Session, 0, limit)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{StartTime: last.StartTime, ID: last.ID}
	}
	return results, next, nil
}

// DailyStats sums the closed sessions of a user that started within [day, day+24h).
func (r *Repository) DailyStats(ctx context.Context, userID string, day time.Time) (domain.DailyStats, error) {
	const query = `SELECT COUNT(*),
            COALESCE(SUM(distance_km), 0),
            COALESCE(SUM(steps), 0),
            COALESCE(SUM(duration_seconds), 0),
            COALESCE(SUM(calories), 0)
        FROM exercise_sessions
        WHERE user_id=$1 AND end_time IS NOT NULL AND start_time >= $2 AND start_time < $3`

	var stats domain.DailyStats
	err := r.pool.QueryRow(ctx, query, userID, day, day.Add(24*time.Hour)).Scan(
		&stats.Sessions,
		&stats.TotalDistanceKm,
		&stats.TotalSteps,
		&stats.TotalDurationSeconds,
		&stats.TotalCalories,
	)
	if err != nil {
		return domain.DailyStats{}, err
	}
	return stats, nil
}

func sessionEnded(s domain.Session) events.SessionEnded {
	return events.SessionEnded{
		SessionID:       s.ID,
		UserID:          s.UserID,
		StartTime:       s.StartTime,
		EndTime:         *s.EndTime,
		DurationSeconds: s.DurationSeconds,
		DistanceKm:      s.DistanceKm,
		Steps:           s.Steps,
		Calories:        s.Calories,
		AverageSpeed:    s.AverageSpeed,
		MaxSpeed:        s.MaxSpeed,
	}
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, s domain.Session, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s", s.ID, eventType)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"exercise_session",
		s.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(s),
		body,
		dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.Session) string
}

func byUser(s domain.Session) string { return s.UserID }

var eventCatalog = map[string]EventMetadata{
	events.TypeSessionStarted: {
		Topic:          "session_started",
		SchemaSubject:  "session_started-value",
		PartitionKeyFn: byUser,
	},
	events.TypeSessionEnded: {
		Topic:          "session_ended",
		SchemaSubject:  "session_ended-value",
		PartitionKeyFn: byUser,
	},
	events.TypeSessionAutoClosed: {
		Topic:          "session_auto_closed",
		SchemaSubject:  "session_auto_closed-value",
		PartitionKeyFn: byUser,
	},
}
