// Package events defines the session event payloads relayed through the outbox.
package events

import "time"

// SessionStarted is emitted when a session is opened on the treadmill.
type SessionStarted struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	StartTime time.Time `json:"start_time"`
	Mode      string    `json:"mode"`
}

// SessionEnded is emitted when a session is closed, on the treadmill or recorded manually.
type SessionEnded struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds int       `json:"duration_seconds"`
	DistanceKm      float64   `json:"distance_km"`
	Steps           int       `json:"steps"`
	Calories        float64   `json:"calories"`
	AverageSpeed    float64   `json:"average_speed"`
	MaxSpeed        float64   `json:"max_speed"`
}

// SessionAutoClosed is emitted when a stale open session is closed with an estimated end.
type SessionAutoClosed struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds int       `json:"duration_seconds"`
	Reason          string    `json:"reason"`
}

// Event type names stored in the outbox.
const (
	TypeSessionStarted    = "session.started"
	TypeSessionEnded      = "session.ended"
	TypeSessionAutoClosed = "session.auto_closed"
)
