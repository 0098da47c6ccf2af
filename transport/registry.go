package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	ErrConfigRequired   = errors.New("transport: config is required")
	ErrUnknownTransport = errors.New("transport: unknown transport")
)

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps pubsub_system names to builders and capabilities. Names are
// case-insensitive. Transport packages register themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the registry used by the service.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a builder. Its capabilities only carry the name.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: normalize(name)})
}

// RegisterWithCapabilities adds or replaces a builder with what it
// guarantees. It panics on an empty name or a nil builder, like
// database/sql.Register.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := normalize(name)
	if key == "" {
		panic("transport: Register with empty name")
	}
	if builder == nil {
		panic("transport: Register " + key + " with nil builder")
	}
	if caps.Name == "" {
		caps.Name = key
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = entry{build: builder, caps: caps}
}

// Lookup returns the builder and capabilities registered for name.
func (r *Registry) Lookup(name string) (Builder, Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(name)]
	return e.build, e.caps, ok
}

// GetCapabilities returns the capabilities of name, or a value carrying only
// the name when it is not registered.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if _, caps, ok := r.Lookup(name); ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport selected by cfg.GetPubSubSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetPubSubSystem()
	build, _, ok := r.Lookup(name)
	if !ok {
		return Transport{}, fmt.Errorf("%w %q (registered: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}

	t, err := build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("transport %s: %w", normalize(name), err)
	}
	return t, nil
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, _, ok := r.Lookup(name)
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
