package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/liveloop/internal/runtime/diagnostics"
	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	idspkg "github.com/drblury/liveloop/internal/runtime/ids"
	"github.com/drblury/liveloop/internal/runtime/settings"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

func (r *Registry) dispatchRun(ctx context.Context, id int) error {
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %d", errspkg.ErrUnknownInstance, id)
	}

	ctx, span := r.tracer.Start(ctx, "DispatchRun", trace.WithAttributes(attribute.Int("instance.id", id)))
	defer span.End()

	if e, ok := r.workers[id]; ok {
		if e.w.State() == worker.Created && e.source == inst.SourceCode() {
			// Setup of this very source is still in progress.
			span.AddEvent("setup_in_progress")
			return nil
		}
		err := r.hotSwap(ctx, inst, e)
		if !errors.Is(err, worker.ErrNotRunning) {
			return nil
		}
		// The worker ended between its completion and this request.
		span.AddEvent("reap_stale_worker")
		r.stopWorker(id, false)
	}

	raw := r.store.Get(id, settings.KeyUseCompiler, nil)
	kind, ok := worker.ParseKind(raw)
	if !ok {
		inst.ReportError(diagnostics.MsgCompilerNotFound)
		inst.CodeStopped()
		err := fmt.Errorf("%w: %v", errspkg.ErrCompilerNotFound, raw)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("worker.kind", kind.String()))
	return r.startWorker(inst, kind)
}

func (r *Registry) hotSwap(ctx context.Context, inst Instance, e *workerEntry) error {
	ctx, span := r.tracer.Start(ctx, "HotSwap")
	defer span.End()

	title, source := inst.Title(), inst.SourceCode()
	err := e.w.UpdateCode(ctx, title, source)
	if errors.Is(err, worker.ErrNotRunning) {
		return err
	}

	wctx := r.workerContext(inst.ID(), e)
	r.hooks.swap(wctx, err)
	if err == nil {
		e.title = title
		e.source = source
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "hot-swap rejected")
	d := diagnostics.FromError(err)
	inst.ReportError(diagnostics.MsgFaultyCode)
	inst.ReportWarning(d.Message)
	if d.HasLine() {
		inst.HighlightErroredLine(d.Line)
	}
	return err
}

func (r *Registry) startWorker(inst Instance, kind worker.Kind) error {
	id := inst.ID()
	runID := idspkg.CreateULID()
	w, err := r.newWorker(worker.Options{
		ID:     id,
		Kind:   kind,
		RunID:  runID,
		Config: r.cfg,
		OnComplete: func(c worker.Completion) {
			r.post(func() { r.completed(c) })
		},
		OnWarning: func(d diagnostics.Diagnostic) {
			r.post(func() { r.warned(id, runID, d) })
		},
	})
	if err != nil {
		inst.ReportError(err.Error())
		inst.CodeStopped()
		return err
	}

	e := &workerEntry{w: w, title: inst.Title(), source: inst.SourceCode(), startedAt: time.Now()}
	r.workers[id] = e
	w.Start(e.title, e.source)
	r.hooks.start(r.workerContext(id, e))
	return nil
}

func (r *Registry) dispatchStop(id int) {
	r.stopWorker(id, true)
}

// stopWorker terminates and forgets the worker of id. Terminate joins the
// worker goroutine, so resources are released when this returns. The
// completion it emits arrives later and is recognised as stale.
func (r *Registry) stopWorker(id int, notify bool) {
	e, ok := r.workers[id]
	if !ok {
		return
	}
	delete(r.workers, id)
	e.w.Terminate()
	if !notify {
		return
	}
	if inst, ok := r.instances[id]; ok {
		inst.CodeStopped()
	}
}

// completed routes a worker's terminal event to its instance. Completions
// of workers that were already replaced or stopped only report their
// diagnostic.
func (r *Registry) completed(c worker.Completion) {
	wctx := WorkerContext{
		Instance:   c.ID,
		RunID:      c.RunID,
		Kind:       c.Kind,
		StartedAt:  c.StartedAt,
		Duration:   c.Duration,
		Reason:     c.Reason,
		Diagnostic: c.Diagnostic,
	}

	e, ok := r.workers[c.ID]
	current := ok && e.w.RunID() == c.RunID
	if current {
		wctx.Title = e.title
		delete(r.workers, c.ID)
		e.w.Terminate()
	}
	r.hooks.finish(wctx)

	inst, ok := r.instances[c.ID]
	if !ok {
		return
	}
	switch c.Reason {
	case worker.ReasonEmpty, worker.ReasonStepFailed:
		inst.ReportWarning(c.Diagnostic.Message)
		highlight(inst, c.Diagnostic)
	case worker.ReasonSetupFailed:
		inst.ReportError(c.Diagnostic.Message)
		highlight(inst, c.Diagnostic)
	}
	if current {
		inst.CodeStopped()
	}
}

func (r *Registry) warned(id int, runID string, d diagnostics.Diagnostic) {
	e, ok := r.workers[id]
	if !ok || e.w.RunID() != runID {
		return
	}
	wctx := r.workerContext(id, e)
	wctx.Diagnostic = d
	r.hooks.warning(wctx)

	if inst, ok := r.instances[id]; ok {
		inst.ReportWarning(d.Message)
		highlight(inst, d)
	}
}

func (r *Registry) workerContext(id int, e *workerEntry) WorkerContext {
	return WorkerContext{
		Instance:  id,
		RunID:     e.w.RunID(),
		Kind:      e.w.Kind(),
		Title:     e.title,
		StartedAt: e.startedAt,
		Duration:  time.Since(e.startedAt),
	}
}

func highlight(inst Instance, d diagnostics.Diagnostic) {
	if d.HasLine() {
		inst.HighlightErroredLine(d.Line)
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}
