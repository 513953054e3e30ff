package triage

import (
	"context"
	"errors"
	"fmt"
)

// SettingsSource supplies the Settings snapshot for each run.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)

	// Invalidate drops any cached snapshot after an update.
	Invalidate()
}

// StoreSettings reads settings straight from a SettingsStore, falling back to
// DefaultSettings when none are stored.
type StoreSettings struct {
	Store SettingsStore
}

// Settings implements SettingsSource.
func (s StoreSettings) Settings(ctx context.Context) (Settings, error) {
	st, ok, err := s.Store.GetSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return DefaultSettings(), nil
	}
	return st, nil
}

// Invalidate implements SettingsSource.
func (StoreSettings) Invalidate() {}

// Validate checks that s is usable by the decision policy.
func (s Settings) Validate() error {
	var errs []error
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be in [0,1], got %v", s.ConfidenceThreshold))
	}
	if s.SLAHours <= 0 {
		errs = append(errs, fmt.Errorf("sla_hours must be > 0, got %d", s.SLAHours))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}
