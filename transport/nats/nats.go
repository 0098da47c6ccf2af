// Package nats provides a NATS Core control bus transport for liveloop.
// Every host subscribed to the control subject receives every command, so
// one controller (an editor plugin, a MIDI bridge) can drive several players.
// Commands published while no host listens are lost; use nats-jetstream for
// durable delivery.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/liveloop/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ClientName identifies liveloop connections on the server.
const ClientName = "liveloop"

const (
	reconnectWait = time.Second
	closeTimeout  = 5 * time.Second
)

// ErrURLRequired is returned when no server URL is configured.
var ErrURLRequired = errors.New("nats: URL is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// connectOptions keep a long-running player attached across server restarts.
func connectOptions() []nc.Option {
	return []nc.Option{
		nc.Name(ClientName),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
	}
}

// Build connects a core NATS publisher and subscriber. JetStream is disabled
// and no queue group is used, so commands fan out to every host.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, ErrURLRequired
	}
	marshaler := &wmnats.NATSMarshaler{}
	core := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: connectOptions(),
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(wmnats.SubscriberConfig{
		URL:              url,
		NatsOptions:      connectOptions(),
		Unmarshaler:      marshaler,
		SubscribersCount: 1,
		CloseTimeout:     closeTimeout,
		JetStream:        core,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
