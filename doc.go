// Package liveloop runs live-coded programs and hot-swaps them while they
// play. Every open source file is an instance in a Registry; running an
// instance compiles its code with the selected compiler (scripted sound,
// native sound, shader or plain script) and starts a worker that streams
// audio samples or RGB frames to the configured outputs. Running it again
// while the worker is alive swaps the new code in without restarting the
// clock, and a faulty edit keeps the old program playing.
//
// Service hosts the registry and wires it to Watermill: a control router
// consumes run, stop and close_all commands from the configured transport,
// lifecycle events are published to an events topic, and the worker hooks
// feed structured logs and Prometheus metrics. A minimal setup fills Config,
// creates a Service, calls Start and registers instances; see the examples
// directory for a copy/paste quick start.
//
// # Front ends
//
// Instances come from three places:
//   - FileInstance: a file on disk, re-run whenever it is saved
//   - the language server: every document an editor opens
//   - the boot socket: a second launch forwards its files to the running one
//
// # Transports
//
// The control bus runs on any registered transport:
//   - channel: In-memory Go channels (default)
//   - nats: Core NATS subjects
//   - nats-jetstream: Durable JetStream consumers
//   - http: Commands POSTed to an HTTP endpoint
//
// # Middleware
//
// The default middleware chain on the control router includes correlation ID
// injection, structured logging, OpenTelemetry tracing, Prometheus metrics,
// poison queue forwarding for commands that can never succeed, and panic
// recovery. Custom middleware can be added via ServiceDependencies.Middlewares.
//
// # Worker Hooks
//
// WorkerHooks provides OnWorkerStart, OnWorkerSwap, OnWorkerWarning,
// OnWorkerDone and OnWorkerError callbacks around every worker, for custom
// logging, metrics collection and alerting.
package liveloop
