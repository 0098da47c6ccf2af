package liveloop

import (
	runtimepkg "github.com/drblury/liveloop/internal/runtime"
	"github.com/drblury/liveloop/internal/runtime/boot"
	configpkg "github.com/drblury/liveloop/internal/runtime/config"
	"github.com/drblury/liveloop/internal/runtime/diagnostics"
	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	idspkg "github.com/drblury/liveloop/internal/runtime/ids"
	jsoncodec "github.com/drblury/liveloop/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/lsp"
	"github.com/drblury/liveloop/internal/runtime/settings"
	transportpkg "github.com/drblury/liveloop/internal/runtime/transport"
	"github.com/drblury/liveloop/internal/runtime/worker"
	newtransport "github.com/drblury/liveloop/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	// Registry and instances
	Registry        = runtimepkg.Registry
	RegistryOptions = runtimepkg.RegistryOptions
	Instance        = runtimepkg.Instance
	Binder          = runtimepkg.Binder
	Signals         = runtimepkg.Signals
	UI              = runtimepkg.UI
	InstanceStatus  = runtimepkg.InstanceStatus
	FileInstance    = runtimepkg.FileInstance
	Player          = runtimepkg.Player
	PlayerOptions   = runtimepkg.PlayerOptions

	// Workers
	WorkerKind  = worker.Kind
	WorkerState = worker.State
	Diagnostic  = diagnostics.Diagnostic

	// Settings stores
	SettingsStore = settings.Store

	// Control bus
	Command              = runtimepkg.Command
	CommandError         = runtimepkg.CommandError
	CommandStats         = runtimepkg.CommandStats
	CommandStatsSnapshot = runtimepkg.CommandStatsSnapshot
	ErrorCategory        = runtimepkg.ErrorCategory
	Event                = runtimepkg.Event
	EventPublisher       = runtimepkg.EventPublisher
	StatusReport         = runtimepkg.StatusReport

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Worker lifecycle hooks
	WorkerContext = runtimepkg.WorkerContext
	WorkerHooks   = runtimepkg.WorkerHooks

	// Worker metrics
	WorkerMetrics         = runtimepkg.WorkerMetrics
	WorkerKindMetrics     = runtimepkg.WorkerKindMetrics
	WorkerMetricsSnapshot = runtimepkg.WorkerMetricsSnapshot

	// Boot forwarding
	BootRequest  = boot.Request
	BootResponse = boot.Response
	BootServer   = boot.Server

	// Language server
	LSPServer = lsp.Server

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	NewRegistry    = runtimepkg.NewRegistry
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	NewFileInstance = runtimepkg.NewFileInstance
	NewPlayer       = runtimepkg.NewPlayer

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Control bus
	PublishCommand      = runtimepkg.PublishCommand
	NewCommandMessage   = runtimepkg.NewCommandMessage
	DecodeCommand       = runtimepkg.DecodeCommand
	IsPermanent         = runtimepkg.IsPermanent
	ClassifyCommandError = runtimepkg.ClassifyCommandError
	NewEventPublisher   = runtimepkg.NewEventPublisher

	// Worker lifecycle hooks
	LoggingHooks = runtimepkg.LoggingHooks
	MetricsHooks = runtimepkg.MetricsHooks
	EventHooks   = runtimepkg.EventHooks

	NewWorkerMetrics = runtimepkg.NewWorkerMetrics

	// Settings stores
	OpenSettings      = settings.Open
	NewMemorySettings = settings.NewMemory

	ParseWorkerKind = worker.ParseKind
	WorkerKinds     = worker.Kinds

	// Boot forwarding
	ListenBoot  = boot.Listen
	ForwardBoot = boot.Forward

	NewLSPServer = lsp.NewServer

	// Transport capabilities
	GetCapabilities = newtransport.GetCapabilities

	// Modular transport registry
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrRegistryClosed    = errspkg.ErrRegistryClosed
	ErrInstanceRequired  = errspkg.ErrInstanceRequired
	ErrUnknownInstance   = errspkg.ErrUnknownInstance
	ErrCompilerNotFound  = errspkg.ErrCompilerNotFound
	ErrUnknownCommand    = errspkg.ErrUnknownCommand
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrSettingsRequired  = errspkg.ErrSettingsRequired
	ErrAlreadyRunning    = boot.ErrAlreadyRunning

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger
	ParseLogLevel        = loggingpkg.ParseLevel
	NewLogHandler        = loggingpkg.NewHandler

	CreateULID = idspkg.CreateULID
)

// Worker variants, in UseCompiler order.
const (
	ScriptedSound = worker.ScriptedSound
	NativeSound   = worker.NativeSound
	Shader        = worker.Shader
	Script        = worker.Script
)

// Control actions.
const (
	ActionRun      = runtimepkg.ActionRun
	ActionStop     = runtimepkg.ActionStop
	ActionCloseAll = runtimepkg.ActionCloseAll
)

// Lifecycle event types published on the events topic.
const (
	EventWorkerStarted   = runtimepkg.EventWorkerStarted
	EventHotSwapApplied  = runtimepkg.EventHotSwapApplied
	EventHotSwapRejected = runtimepkg.EventHotSwapRejected
	EventWorkerWarning   = runtimepkg.EventWorkerWarning
	EventWorkerStopped   = runtimepkg.EventWorkerStopped
	EventWorkerFailed    = runtimepkg.EventWorkerFailed
)

// Error category constants for ClassifyCommandError.
const (
	ErrorCategoryNone     = runtimepkg.ErrorCategoryNone
	ErrorCategoryInvalid  = runtimepkg.ErrorCategoryInvalid
	ErrorCategoryInstance = runtimepkg.ErrorCategoryInstance
	ErrorCategoryCompiler = runtimepkg.ErrorCategoryCompiler
	ErrorCategoryClosed   = runtimepkg.ErrorCategoryClosed
	ErrorCategoryOther    = runtimepkg.ErrorCategoryOther
)

// Settings keys understood by the registry.
const (
	SettingUseCompiler = settings.KeyUseCompiler
	SettingInstances   = settings.KeyInstances
)

// Boot actions.
const (
	BootActionOpen = boot.ActionOpen
	BootActionRun  = boot.ActionRun
)

// DefaultConfig returns a configuration that runs everything in-process.
func DefaultConfig() Config {
	return configpkg.Default()
}
