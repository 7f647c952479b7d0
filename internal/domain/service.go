// Package domain defines exercise sessions and the history workflows around them.
package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionRepository captures persistence operations for exercise sessions.
type SessionRepository interface {
	Create(ctx context.Context, session Session) error
	Finish(ctx context.Context, session Session) error
	LatestOpen(ctx context.Context, userID string) (*Session, error)
	ListStaleOpen(ctx context.Context, startedBefore time.Time) ([]Session, error)
	CloseStale(ctx context.Context, id string, end time.Time, durationSeconds int, note string) error
	UserWeight(ctx context.Context, userID string) (float64, bool, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Session, *Cursor, error)
	DailyStats(ctx context.Context, userID string, day time.Time) (DailyStats, error)
}

// Service serves session history: listings, daily aggregates and manually recorded sessions.
type Service struct {
	repo SessionRepository
	now  func() time.Time
}

// NewService constructs a Service.
func NewService(repo SessionRepository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// ManualSessionInput captures a session recorded without the treadmill.
type ManualSessionInput struct {
	UserID    string
	StartTime time.Time
	EndTime   time.Time
	Activity  ActivityData
	Notes     string
}

// Validate checks that the manual session describes a finished, plausible workout.
func (in ManualSessionInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return &ValidationError{Field: "user_id", Msg: "is required"}
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return &ValidationError{Field: "start_time", Msg: "start_time and end_time are required"}
	}
	if !in.EndTime.After(in.StartTime) {
		return &ValidationError{Field: "end_time", Msg: "must be after start_time"}
	}
	return in.Activity.Validate()
}

// CreateManualSession stores a closed session with derived calories and speed.
func (s *Service) CreateManualSession(ctx context.Context, in ManualSessionInput) (*Session, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	duration := int(in.EndTime.Sub(in.StartTime).Seconds())
	if in.Activity.DurationSeconds != nil {
		duration = *in.Activity.DurationSeconds
	}
	var distance float64
	if in.Activity.DistanceKm != nil {
		distance = *in.Activity.DistanceKm
	}
	var steps int
	if in.Activity.Steps != nil {
		steps = *in.Activity.Steps
	}

	weight, ok, err := s.repo.UserWeight(ctx, in.UserID)
	if err != nil {
		return nil, &PersistenceError{Op: "load user weight", Err: err}
	}
	if !ok {
		weight = DefaultWeightKg
	}

	now := s.now().UTC()
	end := in.EndTime.UTC()
	avg := AverageSpeed(distance, duration)
	session := Session{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		StartTime:       in.StartTime.UTC(),
		EndTime:         &end,
		DurationSeconds: duration,
		DistanceKm:      distance,
		Steps:           steps,
		Calories:        Calories(distance, duration, weight),
		AverageSpeed:    avg,
		MaxSpeed:        avg,
		Mode:            "manual",
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, &PersistenceError{Op: "create manual session", Err: err}
	}
	return &session, nil
}

// ListSessions fetches sessions with cursor pagination, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Session, *Cursor, error) {
	sessions, next, err := s.repo.ListByUser(ctx, userID, cursor, limit)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "list sessions", Err: err}
	}
	return sessions, next, nil
}

// DailyStats aggregates the closed sessions that started on day (UTC).
func (s *Service) DailyStats(ctx context.Context, userID string, day time.Time) (DailyStats, error) {
	y, m, d := day.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	stats, err := s.repo.DailyStats(ctx, userID, start)
	if err != nil {
		return DailyStats{}, &PersistenceError{Op: "daily stats", Err: err}
	}
	stats.Date = start
	stats.AverageSpeed = AverageSpeed(stats.TotalDistanceKm, stats.TotalDurationSeconds)
	return stats, nil
}
