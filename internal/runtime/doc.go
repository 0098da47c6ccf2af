/*
Package runtime hosts liveloop's live-coding engine: the registry that maps
editor instances to workers, the control bus that drives it, and the Service
that wires both onto a Watermill router.

# Architecture Overview

Every open document is an Instance. The Registry keeps the set of open
instance ids, at most one running worker per instance, and mediates all
signals between the two sides. A single goroutine (Registry.Run) owns that
state; editors, workers and the control bus queue work onto it.

A run request either starts a fresh worker for the instance's configured
compiler or hot-swaps the code of the one already running. Workers report
completion and warnings back through the registry, which translates them
into ReportError, ReportWarning, HighlightErroredLine and CodeStopped calls
on the instance.

# Package Structure

## Registry (registry.go, dispatch.go, instance.go)

  - Instance lifecycle: add, remove, close-all, destroyed notifications
  - Id persistence through the settings store
  - Run/stop dispatch, compiler switching and hot-swap
  - Completion and warning routing

## Control Bus (control.go, middleware.go)

Commands (run, stop, close_all) arrive as JSON messages on the control topic
and pass through the middleware chain:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of command payloads
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus router metrics
  - PoisonQueue: Invalid commands are parked on the poison topic
  - Recoverer: Panic recovery

Worker lifecycle events are published on the events topic.

## Observability (hooks.go, metrics.go, stats.go, resources.go, status.go)

  - WorkerHooks for logging, metrics and events
  - Prometheus collectors for workers
  - Command latency percentiles and error categories
  - JSON status API

# Sub-packages

  - boot/: Single-instance socket that forwards file opens to the running process
  - config/: Service configuration with validation
  - diagnostics/: Line-addressed diagnostics and script error translation
  - engine/: Embedded script engine used by the scripted workers
  - errors/: Sentinel errors
  - ids/: ULID generation for run and message ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - lsp/: Language server front end
  - settings/: Per-instance settings stores
  - sink/: Streaming output sinks
  - transport/: Transport factory
  - worker/: The worker variants

# Usage Example

	cfg := liveloop.DefaultConfig()
	svc, err := liveloop.NewService(ctx, &cfg, logger, liveloop.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()
	go svc.Start(ctx)
	<-svc.Running()

	inst := liveloop.NewFileInstance(svc.Registry().NextFreeID(), "beat.js", logger)
	svc.Registry().AddInstance(inst, false)
	inst.Run()
	return inst.Watch(ctx, time.Second)
*/
package runtime
