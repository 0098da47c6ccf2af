package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrRegistryClosed    = sterrors.New("liveloop: registry is closed")
	ErrInstanceRequired  = sterrors.New("liveloop: instance is required")
	ErrUnknownInstance   = sterrors.New("liveloop: unknown instance")
	ErrCompilerNotFound  = sterrors.New("liveloop: compiler not found")
	ErrConfigRequired    = sterrors.New("liveloop: configuration is required")
	ErrLoggerRequired    = sterrors.New("liveloop: logger is required")
	ErrSettingsRequired  = sterrors.New("liveloop: settings store is required")
	ErrUnknownCommand    = sterrors.New("liveloop: unknown control command")
	ErrPublisherRequired = sterrors.New("liveloop: publisher is required")
	ErrTopicRequired     = sterrors.New("liveloop: topic is required")
)

// ConfigValidationError wraps the joined result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("liveloop: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
