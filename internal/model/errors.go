package model

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a malformed override table or strategy. It is
// fatal before any row is processed.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(err error, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ValidationError reports a configured column that no input row carries. Only
// the lookup types built from that column are disabled.
type ValidationError struct {
	Column string
	Types  []LookupType
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: column %q absent from input (disables %v)", e.Column, e.Types)
}

// RepositoryError reports a cache store failure that degraded a tier to a miss.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }
