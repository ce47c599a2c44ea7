package ratelimit

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps window store failures surfaced by administrative
// operations. Check never returns it: the limiter fails open instead.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// ConfigError is returned for an action type that has no quota
type ConfigError struct {
	ActionType string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unknown rate limit action type: %q", e.ActionType)
}

// IsConfigError reports whether err is or wraps a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
