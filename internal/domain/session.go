package domain

import (
	"errors"
	"fmt"
	"time"
)

// Session is an exercise session as stored in Postgres. A nil EndTime marks an open session.
type Session struct {
	ID              string
	UserID          string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int
	DistanceKm      float64
	Steps           int
	Calories        float64
	AverageSpeed    float64
	MaxSpeed        float64
	Mode            string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Open reports whether the session has not been ended yet.
func (s Session) Open() bool {
	return s.EndTime == nil
}

// ActivityData carries caller supplied metrics for ending or recording a session.
// Nil fields fall back to device readings.
type ActivityData struct {
	DistanceKm      *float64 `json:"distance,omitempty"`
	Steps           *int     `json:"steps,omitempty"`
	DurationSeconds *int     `json:"duration,omitempty"`
}

// Validate enforces the accepted ranges for caller supplied metrics.
func (a ActivityData) Validate() error {
	if a.DistanceKm != nil && (*a.DistanceKm < 0 || *a.DistanceKm > MaxSessionDistanceKm) {
		return &ValidationError{Field: "distance", Msg: fmt.Sprintf("must be between 0 and %g km", MaxSessionDistanceKm)}
	}
	if a.Steps != nil && *a.Steps < 0 {
		return &ValidationError{Field: "steps", Msg: "must be >= 0"}
	}
	if a.DurationSeconds != nil && *a.DurationSeconds < 0 {
		return &ValidationError{Field: "duration", Msg: "must be >= 0"}
	}
	return nil
}

// MaxSessionDistanceKm bounds distances accepted from callers.
const MaxSessionDistanceKm = 100.0

// DailyStats aggregates the closed sessions of a single day.
type DailyStats struct {
	Date                 time.Time
	Sessions             int
	TotalDistanceKm      float64
	TotalSteps           int
	TotalDurationSeconds int
	TotalCalories        float64
	AverageSpeed         float64
}

// Cursor models the pagination token.
type Cursor struct {
	StartTime time.Time
	ID        string
}

var (
	// ErrSessionActive is returned when a session is started while another one is open.
	ErrSessionActive = errors.New("session already active")
	// ErrNoActiveSession is returned when ending a session that does not exist.
	ErrNoActiveSession = errors.New("no active session")
	// ErrUnflushedDeviceData is returned when the treadmill still holds counters from a previous workout.
	ErrUnflushedDeviceData = errors.New("device holds unsaved activity")
	// ErrDeviceNotReady is returned when the treadmill could not be brought into a known state.
	ErrDeviceNotReady = errors.New("device not ready")
)

// PreconditionError reports a request that is valid but not allowed in the current state.
type PreconditionError struct {
	Err    error
	Reason string
}

// NewPreconditionError wraps a sentinel with an optional human readable reason.
func NewPreconditionError(err error, reason string) *PreconditionError {
	return &PreconditionError{Err: err, Reason: reason}
}

func (e *PreconditionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Err.Error()
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError reports malformed input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Msg)
}
