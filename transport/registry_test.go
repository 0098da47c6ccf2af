package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfig struct {
	pubSubSystem string
}

func (c *stubConfig) GetPubSubSystem() string      { return c.pubSubSystem }
func (c *stubConfig) GetNATSURL() string           { return "" }
func (c *stubConfig) GetHTTPServerAddress() string { return "" }
func (c *stubConfig) GetHTTPPublisherURL() string  { return "" }

type stubPubSub struct {
	closed int
}

func (s *stubPubSub) Publish(string, ...*message.Message) error { return nil }

func (s *stubPubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *stubPubSub) Close() error {
	s.closed++
	return nil
}

func stubBuilder(pub *stubPubSub) Builder {
	return func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: pub, Subscriber: pub}, nil
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	reg.Register("Loopback", stubBuilder(&stubPubSub{}))

	build, caps, ok := reg.Lookup("loopback")
	require.True(t, ok)
	assert.NotNil(t, build)
	assert.Equal(t, "loopback", caps.Name)
	assert.True(t, reg.Has(" LOOPBACK "))
	assert.Equal(t, []string{"loopback"}, reg.Names())
}

func TestRegistryRegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("bus", stubBuilder(&stubPubSub{}), Capabilities{Durable: true, SupportsOrdering: true})

	caps := reg.GetCapabilities("bus")
	assert.Equal(t, "bus", caps.Name)
	assert.True(t, caps.Durable)
	assert.True(t, caps.SupportsOrdering)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("bus", stubBuilder(&stubPubSub{}), Capabilities{Durable: true})
	reg.Register("bus", stubBuilder(&stubPubSub{}))

	assert.False(t, reg.GetCapabilities("bus").Durable)
	assert.Len(t, reg.Names(), 1)
}

func TestRegistryRegisterPanics(t *testing.T) {
	reg := NewRegistry()
	assert.Panics(t, func() { reg.Register(" ", stubBuilder(&stubPubSub{})) })
	assert.Panics(t, func() { reg.Register("bus", nil) })
}

func TestRegistryGetCapabilitiesUnknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.Durable)
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestRegistryBuild(t *testing.T) {
	pub := &stubPubSub{}
	reg := NewRegistry()
	reg.Register("bus", stubBuilder(pub))

	tr, err := reg.Build(context.Background(), &stubConfig{pubSubSystem: "Bus"}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, pub, tr.Subscriber)
}

func TestRegistryBuildErrors(t *testing.T) {
	boom := errors.New("connection refused")
	reg := NewRegistry()
	reg.Register("bus", stubBuilder(&stubPubSub{}))
	reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, boom
	})

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
		wantMsg string
	}{
		{name: "nil config", cfg: nil, wantErr: ErrConfigRequired},
		{name: "unknown", cfg: &stubConfig{pubSubSystem: "kafka"}, wantErr: ErrUnknownTransport, wantMsg: "broken, bus"},
		{name: "builder failure", cfg: &stubConfig{pubSubSystem: "broken"}, wantErr: boom, wantMsg: "transport broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Build(context.Background(), tt.cfg, watermill.NopLogger{})
			require.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	builder := stubBuilder(&stubPubSub{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("bus", builder)
				reg.Has("bus")
				reg.Names()
				reg.GetCapabilities("bus")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("bus"))
}

func TestPackageLevelRegistration(t *testing.T) {
	RegisterWithCapabilities("test-pkg-bus", stubBuilder(&stubPubSub{}), Capabilities{Durable: true})
	assert.True(t, DefaultRegistry.Has("test-pkg-bus"))
	assert.True(t, GetCapabilities("test-pkg-bus").Durable)

	Register("test-pkg-plain", stubBuilder(&stubPubSub{}))
	assert.True(t, DefaultRegistry.Has("test-pkg-plain"))

	_, err := Build(context.Background(), &stubConfig{pubSubSystem: "nonexistent"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
}
