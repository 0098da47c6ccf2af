package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/liveloop/internal/runtime/config"
	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/settings"
	"github.com/drblury/liveloop/internal/runtime/sink"
	transportpkg "github.com/drblury/liveloop/internal/runtime/transport"
	"github.com/drblury/liveloop/internal/runtime/worker"
	"github.com/drblury/liveloop/transport"
)

const controlHandlerName = "liveloop_control"

var routerRun = func(ctx context.Context, router *message.Router) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults derived from the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Settings replaces the store opened from SettingsBackend. The caller
	// keeps ownership of a store passed here.
	Settings settings.Store
	// Hooks run after the logging, metrics and event hooks.
	Hooks WorkerHooks
	UI    UI

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// Registerer and Gatherer default to the prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Tracer     trace.Tracer

	// AudioOutput and FrameOutput replace the configured output paths.
	AudioOutput io.Writer
	FrameOutput io.Writer
	// Print receives print() output of programs. Defaults to the logger.
	Print func(msg string)

	NewWorker func(worker.Options) (worker.Worker, error)
	Sinks     func(kind worker.Kind, cfg worker.Config) (sink.Sink, error)
}

// Service wires the registry to its settings store, the control bus and the
// HTTP endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	caps       transport.Capabilities

	registry *Registry
	store    settings.Store
	metrics  *WorkerMetrics
	events   *EventPublisher
	stats    *CommandStats

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	tracer     trace.Tracer

	// closers are released by Close in reverse order.
	closers []io.Closer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration. Nothing
// runs until Start is called.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating liveloop service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		stats:           NewCommandStats(),
		registerer:      deps.Registerer,
		gatherer:        deps.Gatherer,
		tracer:          deps.Tracer,
		resourceTracker: newResourceTracker(),
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}

	if err := s.build(ctx, wmLogger, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, wmLogger watermill.LoggerAdapter, deps ServiceDependencies) error {
	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, err := factory.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return fmt.Errorf("control transport: %w", err)
	}
	s.publisher = t.Publisher
	s.subscriber = t.Subscriber
	s.caps = t.Capabilities
	s.closers = append(s.closers, t)

	s.store = deps.Settings
	if s.store == nil {
		s.store, err = settings.Open(s.Conf.SettingsBackend, s.Conf.SettingsPath)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, s.store)
	}

	wcfg, err := s.workerConfig(deps)
	if err != nil {
		return err
	}

	s.metrics = NewWorkerMetrics(s.registerer)
	if s.Conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("worker metrics: %w", err)
		}
		if s.Conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	}

	hooks := LoggingHooks(s.Logger).Merge(MetricsHooks(s.metrics))
	if s.Conf.EventsTopic != "" {
		s.events, err = NewEventPublisher(s.publisher, s.Conf.EventsTopic, s.Logger, 0)
		if err != nil {
			return err
		}
		hooks = hooks.Merge(EventHooks(s.events))
	}
	hooks = hooks.Merge(deps.Hooks)

	kind := worker.Kind(s.Conf.DefaultCompiler)
	s.registry, err = NewRegistry(RegistryOptions{
		Settings:        s.store,
		Worker:          wcfg,
		Hooks:           hooks,
		UI:              deps.UI,
		Logger:          s.Logger,
		Tracer:          s.tracer,
		DefaultCompiler: &kind,
		NewWorker:       deps.NewWorker,
	})
	if err != nil {
		return err
	}

	s.router, err = message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return err
	}
	s.router.AddPlugin(plugin.SignalsHandler)
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}
	s.router.AddNoPublisherHandler(
		controlHandlerName,
		s.Conf.ControlTopic,
		s.subscriber,
		CommandHandler(s.registry, s.stats, s.Logger),
	)

	s.registerStatusAPI()
	return nil
}

func (s *Service) workerConfig(deps ServiceDependencies) (worker.Config, error) {
	c := s.Conf
	cfg := worker.Config{
		SampleRate:     c.SampleRate,
		Channels:       c.Channels,
		ChunkFrames:    c.ChunkFrames,
		FrameWidth:     c.FrameWidth,
		FrameHeight:    c.FrameHeight,
		FrameRate:      c.FrameRate,
		LoadTimeout:    c.LoadTimeout,
		SwapTimeout:    c.SwapTimeout,
		TerminateGrace: c.TerminateGrace,
		AudioOutput:    deps.AudioOutput,
		FrameOutput:    deps.FrameOutput,
		Sinks:          deps.Sinks,
		Print:          deps.Print,
		Logger:         s.Logger,
	}
	var err error
	if cfg.AudioOutput == nil {
		if cfg.AudioOutput, err = s.openOutput(c.AudioOutput); err != nil {
			return cfg, fmt.Errorf("audio output: %w", err)
		}
	}
	if cfg.FrameOutput == nil {
		if cfg.FrameOutput, err = s.openOutput(c.FrameOutput); err != nil {
			return cfg, fmt.Errorf("frame output: %w", err)
		}
	}
	if cfg.Print == nil {
		logger := s.Logger
		cfg.Print = func(msg string) {
			logger.Info("Program output", loggingpkg.LogFields{"output": msg})
		}
	}
	return cfg, nil
}

// openOutput opens a stream destination. "" discards and "-" is stdout.
// Named pipes block here until a reader attaches.
func (s *Service) openOutput(path string) (io.Writer, error) {
	switch path {
	case "":
		return io.Discard, nil
	case "-":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, f)
	return f, nil
}

// Start runs the HTTP endpoints, the registry, the event publisher and the
// control router until ctx is cancelled. Workers are terminated before
// Start returns.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	servers, err := s.startHTTPServers()
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.registry.Run(ctx)
	}()
	if s.events != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.events.Run(ctx)
		}()
	}

	err = routerRun(ctx, s.router)
	// The router also stops on SIGINT/SIGTERM; take the rest down with it.
	cancel()
	s.shutdownHTTPServers(servers)
	wg.Wait()
	return err
}

// Close releases the transport, the settings store it opened and the output
// files. Call it after Start returned.
func (s *Service) Close() error {
	var errs []error
	if s.router != nil && s.router.IsRunning() {
		errs = append(errs, s.router.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if s.closers[i] == nil {
			continue
		}
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Registry returns the instance registry.
func (s *Service) Registry() *Registry { return s.registry }

// Publisher returns the control bus publisher, for sending commands or
// custom events.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Capabilities describes the control transport in use.
func (s *Service) Capabilities() transport.Capabilities { return s.caps }

// Metrics returns the worker metrics.
func (s *Service) Metrics() *WorkerMetrics { return s.metrics }

// CommandStats returns the control command statistics.
func (s *Service) CommandStats() *CommandStats { return s.stats }

// Running is closed once the control router handles messages.
func (s *Service) Running() chan struct{} { return s.router.Running() }

// SendCommand publishes cmd on the control topic.
func (s *Service) SendCommand(cmd Command) error {
	return PublishCommand(s.publisher, s.Conf.ControlTopic, cmd)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the server of port. Servers start
// with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() ([]*http.Server, error) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.shutdownHTTPServers(servers)
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return servers, nil
}

func (s *Service) shutdownHTTPServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}
