package device

import (
	"fmt"

	"example.com/treadmill/internal/domain"
)

// CommandKind identifies a device command.
type CommandKind string

const (
	CommandRequestStats   CommandKind = "request_stats"
	CommandStartBelt      CommandKind = "start_belt"
	CommandStopBelt       CommandKind = "stop_belt"
	CommandSetSpeed       CommandKind = "set_speed"
	CommandSetMode        CommandKind = "set_mode"
	CommandCalibrate      CommandKind = "calibrate"
	CommandPrefMaxSpeed   CommandKind = "pref_max_speed"
	CommandPrefStartSpeed CommandKind = "pref_start_speed"
	CommandPrefSensitive  CommandKind = "pref_sensitivity"
	CommandPrefChildLock  CommandKind = "pref_child_lock"
	CommandPrefUnits      CommandKind = "pref_units_miles"
)

// Command is a single write to the device. Value is in device units.
type Command struct {
	Kind  CommandKind `json:"kind"`
	Value int         `json:"value"`
}

// Speed limits accepted by the belt, km/h.
const (
	MinSpeed = 0.0
	MaxSpeed = 6.0
)

// SpeedCommand validates speed (km/h) and builds the matching command.
func SpeedCommand(speed float64) (Command, error) {
	if speed < MinSpeed || speed > MaxSpeed {
		return Command{}, &domain.ValidationError{Field: "speed", Msg: fmt.Sprintf("must be between %.1f and %.1f km/h", MinSpeed, MaxSpeed)}
	}
	return Command{Kind: CommandSetSpeed, Value: toDeviceSpeed(speed)}, nil
}

// ModeCommand builds a mode switch command.
func ModeCommand(mode Mode) Command {
	return Command{Kind: CommandSetMode, Value: mode.code()}
}

func toDeviceSpeed(speed float64) int {
	return int(speed*10 + 0.5)
}

// Preferences holds the persistent device settings. Nil fields are left untouched.
type Preferences struct {
	MaxSpeed    *float64 `json:"max_speed,omitempty"`
	StartSpeed  *float64 `json:"start_speed,omitempty"`
	Sensitivity *int     `json:"sensitivity,omitempty"`
	ChildLock   *bool    `json:"child_lock,omitempty"`
	UnitsMiles  *bool    `json:"units_miles,omitempty"`
}

// Preference speed limits, km/h.
const (
	MinPreferenceSpeed = 0.5
	MaxPreferenceSpeed = 6.0
)

// Validate checks every supplied field.
func (p Preferences) Validate() error {
	if p.MaxSpeed != nil && (*p.MaxSpeed < MinPreferenceSpeed || *p.MaxSpeed > MaxPreferenceSpeed) {
		return &domain.ValidationError{Field: "max_speed", Msg: fmt.Sprintf("must be between %.1f and %.1f km/h", MinPreferenceSpeed, MaxPreferenceSpeed)}
	}
	if p.StartSpeed != nil && (*p.StartSpeed < MinPreferenceSpeed || *p.StartSpeed > MaxPreferenceSpeed) {
		return &domain.ValidationError{Field: "start_speed", Msg: fmt.Sprintf("must be between %.1f and %.1f km/h", MinPreferenceSpeed, MaxPreferenceSpeed)}
	}
	if p.MaxSpeed != nil && p.StartSpeed != nil && *p.StartSpeed > *p.MaxSpeed {
		return &domain.ValidationError{Field: "start_speed", Msg: "must not exceed max_speed"}
	}
	if p.Sensitivity != nil && (*p.Sensitivity < 1 || *p.Sensitivity > 3) {
		return &domain.ValidationError{Field: "sensitivity", Msg: "must be 1 (high), 2 (medium) or 3 (low)"}
	}
	return nil
}

type preferenceWrite struct {
	field string
	cmd   Command
}

// writes returns the supplied fields in the order the device expects them.
func (p Preferences) writes() []preferenceWrite {
	var out []preferenceWrite
	if p.MaxSpeed != nil {
		out = append(out, preferenceWrite{"max_speed", Command{Kind: CommandPrefMaxSpeed, Value: toDeviceSpeed(*p.MaxSpeed)}})
	}
	if p.StartSpeed != nil {
		out = append(out, preferenceWrite{"start_speed", Command{Kind: CommandPrefStartSpeed, Value: toDeviceSpeed(*p.StartSpeed)}})
	}
	if p.Sensitivity != nil {
		out = append(out, preferenceWrite{"sensitivity", Command{Kind: CommandPrefSensitive, Value: *p.Sensitivity}})
	}
	if p.ChildLock != nil {
		out = append(out, preferenceWrite{"child_lock", Command{Kind: CommandPrefChildLock, Value: boolValue(*p.ChildLock)}})
	}
	if p.UnitsMiles != nil {
		out = append(out, preferenceWrite{"units_miles", Command{Kind: CommandPrefUnits, Value: boolValue(*p.UnitsMiles)}})
	}
	return out
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}
