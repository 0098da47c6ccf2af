package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveloop/internal/runtime/config"
	"github.com/drblury/liveloop/transport"

	// Register the built-in control bus transports.
	_ "github.com/drblury/liveloop/transport/transports"
)

// Transport combines the control bus publisher and subscriber with what the
// selected backend guarantees.
type Transport struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities transport.Capabilities
}

// Close closes both sides of the control bus.
func (t Transport) Close() error {
	return transport.Transport{Publisher: t.Publisher, Subscriber: t.Subscriber}.Close()
}

// Factory abstracts how liveloop initialises its control bus.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return registryFactory{registry: transport.DefaultRegistry}
}

// RegistryFactory returns a factory that builds from reg.
func RegistryFactory(reg *transport.Registry) Factory {
	return registryFactory{registry: reg}
}

type registryFactory struct {
	registry *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, transport.ErrConfigRequired
	}

	t, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:    t.Publisher,
		Subscriber:   t.Subscriber,
		Capabilities: f.registry.GetCapabilities(conf.GetPubSubSystem()),
	}, nil
}
