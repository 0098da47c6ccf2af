package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveloop/transport"
)

const testURL = "nats://localhost:4222"

type natsConfig struct{ url string }

func (c natsConfig) GetPubSubSystem() string      { return TransportName }
func (c natsConfig) GetNATSURL() string           { return c.url }
func (c natsConfig) GetHTTPServerAddress() string { return "" }
func (c natsConfig) GetHTTPPublisherURL() string  { return "" }

type fakePubSub struct{ closed bool }

func (f *fakePubSub) Publish(string, ...*message.Message) error { return nil }
func (f *fakePubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (f *fakePubSub) Close() error {
	f.closed = true
	return nil
}

// stubFactories replaces both factories for the duration of the test.
func stubFactories(t *testing.T, pub func(wmnats.PublisherConfig) (message.Publisher, error), sub func(wmnats.SubscriberConfig) (message.Subscriber, error)) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory, SubscriberFactory = origPub, origSub
	})
	PublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		return pub(cfg)
	}
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub(cfg)
	}
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, transport.NATSCapabilities, caps)
	assert.True(t, caps.AcceptsRemoteCommands())
	assert.False(t, caps.Durable)
	assert.Equal(t, caps, Capabilities())
}

func TestBuildUsesCoreNATS(t *testing.T) {
	pub, sub := &fakePubSub{}, &fakePubSub{}
	var pubCfg wmnats.PublisherConfig
	var subCfg wmnats.SubscriberConfig
	stubFactories(t,
		func(cfg wmnats.PublisherConfig) (message.Publisher, error) {
			pubCfg = cfg
			return pub, nil
		},
		func(cfg wmnats.SubscriberConfig) (message.Subscriber, error) {
			subCfg = cfg
			return sub, nil
		},
	)

	tr, err := Build(context.Background(), natsConfig{url: testURL}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)

	assert.Equal(t, testURL, pubCfg.URL)
	assert.True(t, pubCfg.JetStream.Disabled)
	assert.Len(t, pubCfg.NatsOptions, 3)

	assert.Equal(t, testURL, subCfg.URL)
	assert.True(t, subCfg.JetStream.Disabled)
	assert.Empty(t, subCfg.QueueGroupPrefix)
	assert.Equal(t, 1, subCfg.SubscribersCount)
	assert.Equal(t, closeTimeout, subCfg.CloseTimeout)
}

func TestBuildRequiresURL(t *testing.T) {
	_, err := Build(context.Background(), natsConfig{}, watermill.NopLogger{})
	assert.ErrorIs(t, err, ErrURLRequired)
}

func TestBuildPublisherError(t *testing.T) {
	boom := errors.New("no servers available")
	stubFactories(t,
		func(wmnats.PublisherConfig) (message.Publisher, error) { return nil, boom },
		func(wmnats.SubscriberConfig) (message.Subscriber, error) {
			t.Fatal("subscriber must not be created")
			return nil, nil
		},
	)

	_, err := Build(context.Background(), natsConfig{url: testURL}, watermill.NopLogger{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "publisher")
}

func TestBuildSubscriberErrorClosesPublisher(t *testing.T) {
	boom := errors.New("authorization violation")
	pub := &fakePubSub{}
	stubFactories(t,
		func(wmnats.PublisherConfig) (message.Publisher, error) { return pub, nil },
		func(wmnats.SubscriberConfig) (message.Subscriber, error) { return nil, boom },
	)

	_, err := Build(context.Background(), natsConfig{url: testURL}, watermill.NopLogger{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "subscriber")
	assert.True(t, pub.closed)
}
