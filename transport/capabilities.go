package transport

// Capabilities describes what a control bus transport guarantees.
type Capabilities struct {
	// Name is the registered transport name.
	Name string `json:"name"`

	// InProcess means only code in the same process can publish commands.
	InProcess bool `json:"in_process"`

	// SupportsOrdering indicates commands for one topic arrive in publish order.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsTracing indicates the transport carries tracing metadata.
	SupportsTracing bool `json:"supports_tracing"`

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool `json:"supports_ack"`

	// SupportsNack indicates the transport redelivers nacked messages.
	SupportsNack bool `json:"supports_nack"`

	// Durable indicates published commands survive a restart of the host.
	Durable bool `json:"durable"`

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64 `json:"max_message_size"`
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// AcceptsRemoteCommands reports whether another process can drive the host.
func (c Capabilities) AcceptsRemoteCommands() bool {
	return c.Name != "" && !c.InProcess
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		InProcess:        true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream.
	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		Durable:          true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// HTTPCapabilities for the HTTP transport.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a Capabilities value carrying only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
