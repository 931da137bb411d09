// Package memory defines the core record types and error taxonomy for the
// Memoric lifecycle engine: memories are aged through storage tiers, scored
// for relevance, grouped into topic clusters, and retrieved under explicit
// isolation scopes.
package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors for the memory engine.
var (
	ErrUnknownTier    = errors.New("memory: unknown tier name")
	ErrCrossUserScope = errors.New("memory: cross_user scope requires explicit elevated access")
)

// ConfigError indicates an invalid or inconsistent configuration. It is
// always surfaced to the caller and never retried.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Message)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// ValidationError indicates malformed input rejected before any store call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// StoreError wraps a storage backend failure with operation context so that
// callers can log the operation name and the affected record ids.
type StoreError struct {
	Op    string
	IDs   []string
	Cause error
}

func (e *StoreError) Error() string {
	if len(e.IDs) > 0 {
		return fmt.Sprintf("store error in %s (ids=%v): %v", e.Op, e.IDs, e.Cause)
	}
	return fmt.Sprintf("store error in %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStoreError reports whether err is a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
