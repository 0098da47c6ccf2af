// Package transport defines how liveloop obtains the Watermill publisher and
// subscriber pair behind its control bus. Each transport lives in its own
// sub-package and registers itself with the transport registry under the
// name used by the pubsub_system setting.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher/subscriber pair carrying control commands and
// lifecycle events. Both sides may be the same value.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and the subscriber, once each.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && !sameValue(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

func sameValue(pub message.Publisher, sub message.Subscriber) bool {
	p, ok := pub.(message.Subscriber)
	return ok && p == sub
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the part of the liveloop configuration transports read.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	// NATS and NATS JetStream
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
