// Package transports imports all built-in control bus transports for
// auto-registration with the default registry.
package transports

import (
	_ "github.com/drblury/liveloop/transport/channel"
	_ "github.com/drblury/liveloop/transport/http"
	_ "github.com/drblury/liveloop/transport/jetstream"
	_ "github.com/drblury/liveloop/transport/nats"
)
