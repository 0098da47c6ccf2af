package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		wantBool bool
	}{
		{name: "ack and nack", caps: Capabilities{SupportsAck: true, SupportsNack: true}, wantBool: true},
		{name: "ack only", caps: Capabilities{SupportsAck: true}, wantBool: false},
		{name: "nack only", caps: Capabilities{SupportsNack: true}, wantBool: false},
		{name: "neither", caps: Capabilities{}, wantBool: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantBool, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestCapabilities_AcceptsRemoteCommands(t *testing.T) {
	assert.False(t, ChannelCapabilities.AcceptsRemoteCommands())
	assert.True(t, NATSCapabilities.AcceptsRemoteCommands())
	assert.True(t, NATSJetStreamCapabilities.AcceptsRemoteCommands())
	assert.True(t, HTTPCapabilities.AcceptsRemoteCommands())
	assert.False(t, Capabilities{}.AcceptsRemoteCommands())
}

func TestPredefinedCapabilities(t *testing.T) {
	t.Run("ChannelCapabilities", func(t *testing.T) {
		assert.Equal(t, "channel", ChannelCapabilities.Name)
		assert.True(t, ChannelCapabilities.InProcess)
		assert.True(t, ChannelCapabilities.SupportsOrdering)
		assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
		assert.False(t, ChannelCapabilities.Durable)
	})

	t.Run("NATSCapabilities", func(t *testing.T) {
		assert.Equal(t, "nats", NATSCapabilities.Name)
		assert.False(t, NATSCapabilities.SupportsAck)
		assert.False(t, NATSCapabilities.Durable)
		assert.Greater(t, NATSCapabilities.MaxMessageSize, int64(0))
	})

	t.Run("NATSJetStreamCapabilities", func(t *testing.T) {
		assert.Equal(t, "nats-jetstream", NATSJetStreamCapabilities.Name)
		assert.True(t, NATSJetStreamCapabilities.Durable)
		assert.True(t, NATSJetStreamCapabilities.SupportsOrdering)
		assert.True(t, NATSJetStreamCapabilities.SupportsReliableDelivery())
	})

	t.Run("HTTPCapabilities", func(t *testing.T) {
		assert.Equal(t, "http", HTTPCapabilities.Name)
		assert.True(t, HTTPCapabilities.SupportsTracing)
		assert.False(t, HTTPCapabilities.SupportsOrdering)
	})
}

func TestGetCapabilities_PackageLevel(t *testing.T) {
	caps := GetCapabilities("nonexistent")
	assert.Equal(t, "nonexistent", caps.Name)
}

func TestCapabilities_ZeroValue(t *testing.T) {
	var caps Capabilities
	assert.False(t, caps.SupportsOrdering)
	assert.False(t, caps.Durable)
	assert.False(t, caps.SupportsReliableDelivery())
}
