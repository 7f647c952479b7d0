package device

import (
	"fmt"
	"strings"
	"time"

	"example.com/treadmill/internal/domain"
)

// Mode is the control mode of the treadmill.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeManual  Mode = "manual"
	ModeStandby Mode = "standby"
)

// Raw mode codes used on the wire.
const (
	modeCodeAuto    = 0
	modeCodeManual  = 1
	modeCodeStandby = 2
)

// ParseMode validates a user supplied mode name.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	case ModeStandby:
		return ModeStandby, nil
	}
	return "", &domain.ValidationError{Field: "mode", Msg: fmt.Sprintf("must be one of manual, auto, standby (got %q)", value)}
}

func (m Mode) code() int {
	switch m {
	case ModeAuto:
		return modeCodeAuto
	case ModeManual:
		return modeCodeManual
	default:
		return modeCodeStandby
	}
}

func modeFromCode(code int) Mode {
	switch code {
	case modeCodeAuto:
		return ModeAuto
	case modeCodeManual:
		return ModeManual
	default:
		return ModeStandby
	}
}

// BeltState describes what the belt is doing.
type BeltState string

const (
	BeltIdle     BeltState = "idle"
	BeltStarting BeltState = "starting"
	BeltRunning  BeltState = "running"
	BeltStandby  BeltState = "standby"
	BeltUnknown  BeltState = "unknown"
)

func beltFromCode(code int) BeltState {
	switch {
	case code == 0:
		return BeltIdle
	case code == 1 || code == 2:
		return BeltRunning
	case code == 5:
		return BeltStandby
	case code >= 7:
		return BeltStarting
	default:
		return BeltUnknown
	}
}

// Record is a status notification in device units: speed in 0.1 km/h,
// distance in 10 m, time in seconds.
type Record struct {
	Mode     int
	Belt     int
	Speed    int
	Distance int
	Steps    int
	Time     int
}

// Status is a status snapshot in user units.
type Status struct {
	Mode        Mode      `json:"mode"`
	BeltState   BeltState `json:"belt_state"`
	Speed       float64   `json:"speed"`
	Distance    float64   `json:"distance"`
	Steps       int       `json:"steps"`
	ElapsedTime int       `json:"time"`
	ObservedAt  time.Time `json:"observed_at"`
}

// StatusFromRecord converts a raw record observed at the given time.
func StatusFromRecord(r Record, at time.Time) Status {
	return Status{
		Mode:        modeFromCode(r.Mode),
		BeltState:   beltFromCode(r.Belt),
		Speed:       float64(r.Speed) / 10,
		Distance:    float64(r.Distance) / 100,
		Steps:       r.Steps,
		ElapsedTime: r.Time,
		ObservedAt:  at,
	}
}

// Resting reports whether the belt is in a state that does not move.
func (s Status) Resting() bool {
	return s.BeltState == BeltIdle || s.BeltState == BeltStandby
}

// Idle reports whether the treadmill is stationary and not about to move.
func (s Status) Idle() bool {
	return s.Speed == 0 && s.Resting()
}
