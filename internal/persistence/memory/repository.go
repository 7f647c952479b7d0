// Package memory provides an in-process session repository for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/domain"
)

// InMemoryRepository stores sessions in memory.
type InMemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	weights  map[string]float64
	prefs    map[string]device.Preferences

	// Err, when set, is returned by every operation.
	Err error
}

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions: make(map[string]domain.Session),
		weights:  make(map[string]float64),
		prefs:    make(map[string]device.Preferences),
	}
}

// SetWeight records a user's weight.
func (r *InMemoryRepository) SetWeight(userID string, kg float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weights[userID] = kg
}

// Get returns a stored session.
func (r *InMemoryRepository) Get(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns every stored session ordered by start time.
func (r *InMemoryRepository) All() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Create implements domain.SessionRepository.
func (r *InMemoryRepository) Create(ctx context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sessions[session.ID] = session
	return nil
}

// Finish implements domain.SessionRepository.
func (r *InMemoryRepository) Finish(ctx context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if stored, ok := r.sessions[session.ID]; !ok || !stored.Open() {
		return fmt.Errorf("session %s: %w", session.ID, domain.ErrNoActiveSession)
	}
	r.sessions[session.ID] = session
	return nil
}

// LatestOpen implements domain.SessionRepository.
func (r *InMemoryRepository) LatestOpen(ctx context.Context, userID string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var latest *domain.Session
	for _, s := range r.sessions {
		if s.UserID != userID || !s.Open() {
			continue
		}
		if latest == nil || s.StartTime.After(latest.StartTime) {
			s := s
			latest = &s
		}
	}
	return latest, nil
}

// ListStaleOpen implements domain.SessionRepository.
func (r *InMemoryRepository) ListStaleOpen(ctx context.Context, startedBefore time.Time) ([]domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []domain.Session
	for _, s := range r.sessions {
		if s.Open() && s.StartTime.Before(startedBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// CloseStale implements domain.SessionRepository.
func (r *InMemoryRepository) CloseStale(ctx context.Context, id string, end time.Time, durationSeconds int, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	s, ok := r.sessions[id]
	if !ok || !s.Open() {
		return nil
	}
	s.EndTime = &end
	s.DurationSeconds = durationSeconds
	if s.Notes == "" {
		s.Notes = note
	} else {
		s.Notes += "\n" + note
	}
	s.UpdatedAt = time.Now().UTC()
	r.sessions[id] = s
	return nil
}

// UserWeight implements domain.SessionRepository.
func (r *InMemoryRepository) UserWeight(ctx context.Context, userID string) (float64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return 0, false, r.Err
	}
	w, ok := r.weights[userID]
	return w, ok, nil
}

// ListByUser implements domain.SessionRepository.
func (r *InMemoryRepository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Session, *domain.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, nil, r.Err
	}
	var all []domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartTime.Equal(all[j].StartTime) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartTime.After(all[j].StartTime)
	})

	out := make([]domain.Session, 0, limit)
	for _, s := range all {
		if cursor != nil && !before(s, *cursor) {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1]
		next = &domain.Cursor{StartTime: last.StartTime, ID: last.ID}
	}
	return out, next, nil
}

func before(s domain.Session, c domain.Cursor) bool {
	if s.StartTime.Equal(c.StartTime) {
		return s.ID < c.ID
	}
	return s.StartTime.Before(c.StartTime)
}

// DailyStats implements domain.SessionRepository.
func (r *InMemoryRepository) DailyStats(ctx context.Context, userID string, day time.Time) (domain.DailyStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return domain.DailyStats{}, r.Err
	}
	end := day.Add(24 * time.Hour)
	var stats domain.DailyStats
	for _, s := range r.sessions {
		if s.UserID != userID || s.Open() || s.StartTime.Before(day) || !s.StartTime.Before(end) {
			continue
		}
		stats.Sessions++
		stats.TotalDistanceKm += s.DistanceKm
		stats.TotalSteps += s.Steps
		stats.TotalDurationSeconds += s.DurationSeconds
		stats.TotalCalories += s.Calories
	}
	return stats, nil
}

// DevicePreferences implements device.PreferenceStore.
func (r *InMemoryRepository) DevicePreferences(ctx context.Context, userID string) (device.Preferences, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return device.Preferences{}, false, r.Err
	}
	p, ok := r.prefs[userID]
	if !ok {
		return device.Preferences{}, false, nil
	}
	return device.Preferences{}.Merge(p), true, nil
}

// SaveDevicePreferences implements device.PreferenceStore.
func (r *InMemoryRepository) SaveDevicePreferences(ctx context.Context, userID string, p device.Preferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.prefs[userID] = r.prefs[userID].Merge(p)
	return nil
}
