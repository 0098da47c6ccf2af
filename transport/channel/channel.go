// Package channel provides the in-memory control bus. Commands can only be
// published from inside the host process, which is what the editor plugin,
// the examples and the tests do. It is the default pubsub_system.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/liveloop/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer is how many commands may queue per subscriber before
// Publish blocks.
const OutputBuffer = 64

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Config is the gochannel configuration used for the control bus. Messages
// on topics nobody subscribed to, such as events without a listener, are
// dropped.
func Config() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer: OutputBuffer,
		Persistent:          false,
	}
}

// Build creates a new Go channel transport. Publisher and subscriber are the
// same GoChannel.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(Config(), logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
