package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelsArePrefixed(t *testing.T) {
	for _, err := range []error{
		ErrRegistryClosed,
		ErrInstanceRequired,
		ErrUnknownInstance,
		ErrCompilerNotFound,
		ErrConfigRequired,
		ErrLoggerRequired,
		ErrSettingsRequired,
		ErrUnknownCommand,
		ErrPublisherRequired,
		ErrTopicRequired,
	} {
		assert.Regexp(t, `^liveloop: [a-z ]+$`, err.Error())
	}
	assert.Equal(t, "liveloop: unknown instance", ErrUnknownInstance.Error())
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("stop 7: %w", ErrUnknownInstance)
	assert.ErrorIs(t, err, ErrUnknownInstance)
	assert.NotErrorIs(t, err, ErrRegistryClosed)
}

func TestConfigValidationError(t *testing.T) {
	assert.NoError(t, NewConfigValidationError(nil))

	inner := errors.New("status_addr is required when status_enabled is set")
	err := NewConfigValidationError(inner)
	require.Error(t, err)
	assert.Equal(t, "liveloop: invalid configuration: "+inner.Error(), err.Error())
	assert.ErrorIs(t, err, inner)

	var cfgErr ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Same(t, inner, cfgErr.Unwrap())
}
