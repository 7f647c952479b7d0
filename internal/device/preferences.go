package device

import (
	"context"

	"go.uber.org/zap"

	"example.com/treadmill/internal/domain"
)

// Factory values reported until preferences have been saved.
const (
	DefaultStartSpeed  = 2.0
	DefaultSensitivity = 2
)

// DefaultPreferences returns the factory settings with every field set.
func DefaultPreferences() Preferences {
	maxSpeed, startSpeed, sensitivity := MaxPreferenceSpeed, DefaultStartSpeed, DefaultSensitivity
	childLock, unitsMiles := false, false
	return Preferences{
		MaxSpeed:    &maxSpeed,
		StartSpeed:  &startSpeed,
		Sensitivity: &sensitivity,
		ChildLock:   &childLock,
		UnitsMiles:  &unitsMiles,
	}
}

// Merge returns a copy of p with the fields set in update replaced. The result shares
// no pointers with either argument.
func (p Preferences) Merge(update Preferences) Preferences {
	out := Preferences{
		MaxSpeed:    copyPtr(p.MaxSpeed),
		StartSpeed:  copyPtr(p.StartSpeed),
		Sensitivity: copyPtr(p.Sensitivity),
		ChildLock:   copyPtr(p.ChildLock),
		UnitsMiles:  copyPtr(p.UnitsMiles),
	}
	if update.MaxSpeed != nil {
		out.MaxSpeed = copyPtr(update.MaxSpeed)
	}
	if update.StartSpeed != nil {
		out.StartSpeed = copyPtr(update.StartSpeed)
	}
	if update.Sensitivity != nil {
		out.Sensitivity = copyPtr(update.Sensitivity)
	}
	if update.ChildLock != nil {
		out.ChildLock = copyPtr(update.ChildLock)
	}
	if update.UnitsMiles != nil {
		out.UnitsMiles = copyPtr(update.UnitsMiles)
	}
	return out
}

func copyPtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// PreferenceStore keeps the last preferences written to the device, per user.
type PreferenceStore interface {
	DevicePreferences(ctx context.Context, userID string) (Preferences, bool, error)
	SaveDevicePreferences(ctx context.Context, userID string, prefs Preferences) error
}

// PreferenceWriter writes preferences to the treadmill.
type PreferenceWriter interface {
	UpdatePreferences(ctx context.Context, prefs Preferences) error
}

// PreferenceService writes preferences to the device and remembers them, since the
// treadmill offers no way to read them back.
type PreferenceService struct {
	store  PreferenceStore
	device PreferenceWriter
	userID string
	logger *zap.Logger
}

// NewPreferenceService constructs a PreferenceService for userID.
func NewPreferenceService(store PreferenceStore, dev PreferenceWriter, userID string, logger *zap.Logger) *PreferenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceService{store: store, device: dev, userID: userID, logger: logger.Named("preferences")}
}

// Current returns the saved preferences layered over the factory defaults.
func (s *PreferenceService) Current(ctx context.Context) (Preferences, error) {
	saved, ok, err := s.store.DevicePreferences(ctx, s.userID)
	if err != nil {
		return Preferences{}, &domain.PersistenceError{Op: "load preferences", Err: err}
	}
	current := DefaultPreferences()
	if ok {
		current = current.Merge(saved)
	}
	return current, nil
}

// Update validates update against the current preferences, writes it to the device and
// saves the merged result. Nothing is saved when the device write fails.
func (s *PreferenceService) Update(ctx context.Context, update Preferences) (Preferences, error) {
	if err := update.Validate(); err != nil {
		return Preferences{}, err
	}
	current, err := s.Current(ctx)
	if err != nil {
		return Preferences{}, err
	}
	merged := current.Merge(update)
	if err := merged.Validate(); err != nil {
		return Preferences{}, err
	}

	if err := s.device.UpdatePreferences(ctx, update); err != nil {
		return Preferences{}, err
	}
	if err := s.store.SaveDevicePreferences(ctx, s.userID, merged); err != nil {
		s.logger.Error("device accepted preferences but saving them failed", zap.String("user_id", s.userID), zap.Error(err))
		return Preferences{}, &domain.PersistenceError{Op: "save preferences", Err: err}
	}
	return merged, nil
}
