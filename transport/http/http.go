// Package http provides an HTTP control bus transport for liveloop. The host
// listens on http_server_address and every POST to /<topic> becomes a
// message on that topic, so `curl -d '{"action":"run","instance":0}'
// localhost:8090/liveloop.control` runs instance 0. Outgoing messages
// (lifecycle events, SendCommand) are POSTed to http_publisher_url + topic.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveloop/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// ErrAddressRequired is returned when neither a listen address nor a
// publisher URL is configured.
var ErrAddressRequired = errors.New("http: server address or publisher URL is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the publisher and subscriber and starts the subscriber's
// server in the background. Without a publisher URL the host publishes to
// its own server.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	base := cfg.GetHTTPPublisherURL()
	if base == "" {
		base = loopbackURL(serverAddr)
	}
	if base == "" {
		return transport.Transport{}, ErrAddressRequired
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(base, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(serverAddr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("subscriber: %w", err)
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("Control HTTP server stopped", err, watermill.LogFields{"address": serverAddr})
			}
		}()
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// TopicURL joins the publisher base URL and a topic with exactly one slash.
func TopicURL(base, topic string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(topic, "/")
}

// loopbackURL turns a listen address such as ":8090" into a URL on this host.
func loopbackURL(addr string) string {
	switch {
	case addr == "":
		return ""
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "http://localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
