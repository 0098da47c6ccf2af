package runtime

import (
	"time"

	"github.com/drblury/liveloop/internal/runtime/diagnostics"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

// WorkerContext provides information about a worker to hooks.
type WorkerContext struct {
	// Instance is the id of the owning instance.
	Instance int
	// RunID identifies one started worker.
	RunID string
	Kind  worker.Kind
	// Title is the instance title at dispatch time.
	Title string
	// StartedAt is when the worker was started.
	StartedAt time.Time
	// Duration is how long the worker ran (only set in OnWorkerDone and OnWorkerError).
	Duration time.Duration
	// Reason is how the worker ended (only set in OnWorkerDone and OnWorkerError).
	Reason worker.Reason
	// Diagnostic is the terminal or warning diagnostic, when there is one.
	Diagnostic diagnostics.Diagnostic
}

// WorkerHooks defines callbacks for worker lifecycle events. They run on the
// registry goroutine and must not call back into the registry synchronously.
// All hooks are optional - nil hooks are simply not called.
type WorkerHooks struct {
	// OnWorkerStart is called after a worker was created and started.
	OnWorkerStart func(ctx WorkerContext)

	// OnWorkerSwap is called after every hot-swap attempt. err is nil on
	// success.
	OnWorkerSwap func(ctx WorkerContext, err error)

	// OnWorkerWarning is called for non-fatal per-frame diagnostics.
	OnWorkerWarning func(ctx WorkerContext)

	// OnWorkerDone is called when a worker finished, was empty or was
	// terminated.
	OnWorkerDone func(ctx WorkerContext)

	// OnWorkerError is called when a worker failed during setup or a step.
	OnWorkerError func(ctx WorkerContext, err error)
}

// Merge combines two WorkerHooks, creating a new WorkerHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h WorkerHooks) Merge(other WorkerHooks) WorkerHooks {
	return WorkerHooks{
		OnWorkerStart:   chain(h.OnWorkerStart, other.OnWorkerStart),
		OnWorkerSwap:    chainErr(h.OnWorkerSwap, other.OnWorkerSwap),
		OnWorkerWarning: chain(h.OnWorkerWarning, other.OnWorkerWarning),
		OnWorkerDone:    chain(h.OnWorkerDone, other.OnWorkerDone),
		OnWorkerError:   chainErr(h.OnWorkerError, other.OnWorkerError),
	}
}

func chain(a, b func(WorkerContext)) func(WorkerContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx WorkerContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(WorkerContext, error)) func(WorkerContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx WorkerContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h WorkerHooks) start(ctx WorkerContext) {
	if h.OnWorkerStart != nil {
		h.OnWorkerStart(ctx)
	}
}

func (h WorkerHooks) swap(ctx WorkerContext, err error) {
	if h.OnWorkerSwap != nil {
		h.OnWorkerSwap(ctx, err)
	}
}

func (h WorkerHooks) warning(ctx WorkerContext) {
	if h.OnWorkerWarning != nil {
		h.OnWorkerWarning(ctx)
	}
}

// finish dispatches a completion to OnWorkerDone or OnWorkerError.
func (h WorkerHooks) finish(ctx WorkerContext) {
	switch ctx.Reason {
	case worker.ReasonSetupFailed, worker.ReasonStepFailed:
		if h.OnWorkerError != nil {
			h.OnWorkerError(ctx, &diagnostics.Error{Diagnostic: ctx.Diagnostic})
		}
	default:
		if h.OnWorkerDone != nil {
			h.OnWorkerDone(ctx)
		}
	}
}

// LoggingHooks returns pre-built hooks that log worker lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) WorkerHooks {
	fields := func(ctx WorkerContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"instance": ctx.Instance,
			"run_id":   ctx.RunID,
			"kind":     ctx.Kind.String(),
		}
	}
	return WorkerHooks{
		OnWorkerStart: func(ctx WorkerContext) {
			f := fields(ctx)
			f["title"] = ctx.Title
			logger.Info("Worker started", f)
		},
		OnWorkerSwap: func(ctx WorkerContext, err error) {
			if err != nil {
				logger.Info("Hot-swap rejected", loggingpkg.LogFields{
					"instance": ctx.Instance,
					"run_id":   ctx.RunID,
					"error":    err.Error(),
				})
				return
			}
			logger.Info("Hot-swap applied", fields(ctx))
		},
		OnWorkerWarning: func(ctx WorkerContext) {
			f := fields(ctx)
			f["warning"] = ctx.Diagnostic.Message
			logger.Debug("Worker warning", f)
		},
		OnWorkerDone: func(ctx WorkerContext) {
			f := fields(ctx)
			f["reason"] = ctx.Reason.String()
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Worker stopped", f)
		},
		OnWorkerError: func(ctx WorkerContext, err error) {
			f := fields(ctx)
			f["reason"] = ctx.Reason.String()
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Worker failed", err, f)
		},
	}
}

// MetricsHooks returns pre-built hooks that record worker metrics.
func MetricsHooks(m *WorkerMetrics) WorkerHooks {
	return WorkerHooks{
		OnWorkerStart: func(ctx WorkerContext) {
			m.RecordStart(ctx.Kind)
		},
		OnWorkerSwap: func(ctx WorkerContext, err error) {
			m.RecordSwap(ctx.Kind, err == nil)
		},
		OnWorkerWarning: func(WorkerContext) {
			m.RecordFrameWarning()
		},
		OnWorkerDone: func(ctx WorkerContext) {
			m.RecordCompletion(ctx.Kind, ctx.Reason, ctx.Duration)
		},
		OnWorkerError: func(ctx WorkerContext, _ error) {
			m.RecordCompletion(ctx.Kind, ctx.Reason, ctx.Duration)
		},
	}
}
