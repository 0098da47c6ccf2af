// Package worker runs one instance's program on a dedicated goroutine and
// streams what it produces into a sink. The four variants share a single
// state machine and production loop; they only differ in how source text is
// loaded, how a chunk is produced and which sink receives it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/liveloop/internal/runtime/diagnostics"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/sink"
)

// ErrNotRunning is returned by UpdateCode when the worker is no longer (or
// not yet) executing a program.
var ErrNotRunning = errors.New("worker: not running")

// Completion is the single terminal event of a worker.
type Completion struct {
	ID         int
	RunID      string
	Kind       Kind
	Reason     Reason
	Diagnostic diagnostics.Diagnostic
	StartedAt  time.Time
	Duration   time.Duration
}

// Worker is the capability set the registry drives.
type Worker interface {
	ID() int
	Kind() Kind
	RunID() string
	State() State
	Start(title, source string)
	UpdateCode(ctx context.Context, title, source string) error
	Terminate()
	Done() <-chan struct{}
}

// Options describes one worker.
type Options struct {
	ID     int
	Kind   Kind
	RunID  string
	Config Config
	// OnComplete receives the terminal event, exactly once, from the
	// worker goroutine. It must not block.
	OnComplete func(Completion)
	// OnWarning receives non-fatal per-frame diagnostics. It must not block.
	OnWarning func(diagnostics.Diagnostic)
}

type swapRequest struct {
	prog program
	ack  chan struct{}
}

// Runner is the Worker implementation shared by all variants.
type Runner struct {
	id      int
	kind    Kind
	runID   string
	cfg     Config
	variant variant
	logger  loggingpkg.ServiceLogger

	onComplete func(Completion)
	onWarning  func(diagnostics.Diagnostic)

	state       atomic.Int32
	started     atomic.Bool
	swapPending atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	swaps  chan swapRequest
	done   chan struct{}

	mu    sync.Mutex
	prog  program
	out   sink.Sink
	clock clock

	startedAt     time.Time
	completeOnce  sync.Once
	terminateOnce sync.Once
	doneOnce      sync.Once
	lastWarning   string
}

// New builds a worker of the requested kind. It does nothing until Start.
func New(opts Options) (*Runner, error) {
	v, err := newVariant(opts.Kind)
	if err != nil {
		return nil, err
	}
	cfg := opts.Config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		id:         opts.ID,
		kind:       opts.Kind,
		runID:      opts.RunID,
		cfg:        cfg,
		variant:    v,
		logger:     cfg.Logger.With(loggingpkg.LogFields{"instance": opts.ID, "kind": opts.Kind.String(), "run_id": opts.RunID}),
		onComplete: opts.OnComplete,
		onWarning:  opts.OnWarning,
		ctx:        ctx,
		cancel:     cancel,
		swaps:      make(chan swapRequest),
		done:       make(chan struct{}),
	}
	r.state.Store(int32(Created))
	return r, nil
}

func (r *Runner) ID() int       { return r.id }
func (r *Runner) Kind() Kind    { return r.kind }
func (r *Runner) RunID() string { return r.runID }

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Done is closed once the worker goroutine has exited and its resources
// have been released.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Start launches the worker goroutine. Calling Start twice, or after
// Terminate, does nothing.
func (r *Runner) Start(title, source string) {
	if r.ctx.Err() != nil || !r.started.CompareAndSwap(false, true) {
		return
	}
	r.startedAt = time.Now()
	go r.run(title, source)
}

// UpdateCode loads source in a fresh interpreter and swaps it in between two
// production steps. On failure the running program is left untouched and the
// returned error carries the translated diagnostic.
func (r *Runner) UpdateCode(ctx context.Context, title, source string) error {
	if r.State() != Running {
		return ErrNotRunning
	}
	var cancel context.CancelFunc
	if r.cfg.SwapTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.cfg.SwapTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	// Terminate also abandons a load in progress.
	defer context.AfterFunc(r.ctx, cancel)()

	if strings.TrimSpace(source) == "" {
		return &diagnostics.Error{Diagnostic: diagnostics.New(diagnostics.MsgEmptyProgram)}
	}
	next, err := r.variant.load(ctx, r.cfg, title, source, &r.clock)
	if err != nil {
		return &diagnostics.Error{Diagnostic: diagnostics.FromError(err)}
	}

	req := swapRequest{prog: next, ack: make(chan struct{})}
	if r.variant.swapInterrupts() {
		r.swapPending.Store(true)
		r.interruptCurrent()
	}
	select {
	case r.swaps <- req:
	case <-r.done:
		next.interrupt()
		return ErrNotRunning
	case <-ctx.Done():
		next.interrupt()
		r.swapPending.Store(false)
		return fmt.Errorf("worker: swap not accepted: %w", ctx.Err())
	}
	select {
	case <-req.ack:
		return nil
	case <-r.done:
		return ErrNotRunning
	}
}

// Terminate stops the worker and waits for its goroutine to exit. Resources
// are released before the completion is emitted. Safe to call repeatedly and
// from any goroutine.
func (r *Runner) Terminate() {
	r.terminateOnce.Do(func() {
		r.cancel()
		r.interruptCurrent()
		if r.started.CompareAndSwap(false, true) {
			// Never started: nothing to join.
			r.complete(ReasonTerminated, diagnostics.New(diagnostics.MsgUserTerminated), Terminated)
			r.closeDone()
			return
		}
		select {
		case <-r.done:
		case <-time.After(r.cfg.TerminateGrace):
			r.logger.Info("Worker did not stop within grace period, waiting for it to exit", loggingpkg.LogFields{
				"grace": r.cfg.TerminateGrace.String(),
			})
		}
	})
	<-r.done
}

func (r *Runner) closeDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Runner) interruptCurrent() {
	r.mu.Lock()
	p := r.prog
	r.mu.Unlock()
	if p != nil {
		p.interrupt()
	}
}

func (r *Runner) setState(s State) {
	for {
		cur := r.state.Load()
		if State(cur).Terminal() {
			return
		}
		if r.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// complete emits the terminal event once; later calls are suppressed.
func (r *Runner) complete(reason Reason, d diagnostics.Diagnostic, final State) {
	r.completeOnce.Do(func() {
		r.setState(final)
		if r.onComplete == nil {
			return
		}
		c := Completion{
			ID:         r.id,
			RunID:      r.runID,
			Kind:       r.kind,
			Reason:     reason,
			Diagnostic: d,
			StartedAt:  r.startedAt,
		}
		if !r.startedAt.IsZero() {
			c.Duration = time.Since(r.startedAt)
		}
		r.onComplete(c)
	})
}

func (r *Runner) run(title, source string) {
	var (
		reason = ReasonTerminated
		diag   = diagnostics.New(diagnostics.MsgUserTerminated)
		final  = Terminated
	)
	defer func() {
		if p := recover(); p != nil {
			reason, diag, final = ReasonStepFailed, diagnostics.New(fmt.Sprintf("Panic: '%v'", p)), Faulted
		}
		r.release()
		if r.ctx.Err() != nil && reason != ReasonEmpty {
			reason, diag, final = ReasonTerminated, diagnostics.New(diagnostics.MsgUserTerminated), Terminated
		}
		r.complete(reason, diag, final)
		r.closeDone()
	}()

	if strings.TrimSpace(source) == "" {
		reason, diag, final = ReasonEmpty, diagnostics.New(diagnostics.MsgEmptyProgram), Finished
		return
	}

	out, err := r.variant.openSink(r.cfg)
	if err != nil {
		reason, diag, final = ReasonSetupFailed, diagnostics.FromError(err), Faulted
		return
	}
	r.mu.Lock()
	r.out = out
	r.mu.Unlock()

	prog, err := r.variant.load(r.ctx, r.cfg, title, source, &r.clock)
	if err != nil {
		reason, diag, final = ReasonSetupFailed, diagnostics.FromError(err), Faulted
		return
	}
	r.install(prog)
	r.setState(Running)
	r.logger.Debug("Worker running", nil)

	reason, diag, final = r.loop(out)
}

// loop is the production loop. It returns how the worker ended.
func (r *Runner) loop(out sink.Sink) (Reason, diagnostics.Diagnostic, State) {
	terminated := func() (Reason, diagnostics.Diagnostic, State) {
		return ReasonTerminated, diagnostics.New(diagnostics.MsgUserTerminated), Terminated
	}
	for {
		select {
		case <-r.ctx.Done():
			return terminated()
		case req := <-r.swaps:
			r.accept(req)
			continue
		default:
		}

		prog := r.current()
		chunk, err := prog.next(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return terminated()
			}
			if r.swapPending.Load() {
				select {
				case req := <-r.swaps:
					r.accept(req)
					continue
				case <-r.ctx.Done():
					return terminated()
				}
			}
			if errors.Is(err, io.EOF) {
				return ReasonFinished, diagnostics.New("Program finished."), Finished
			}
			d := diagnostics.FromError(err)
			if !r.variant.toleratesStepFaults() {
				return ReasonStepFailed, d, Faulted
			}
			r.warn(d)
			chunk = r.variant.fallback(r.cfg)
		}

		if out == nil || len(chunk) == 0 {
			continue
		}
		ready, err := out.Write(chunk)
		if err != nil {
			return ReasonStepFailed, diagnostics.New(fmt.Sprintf("SinkError: '%v'", err)), Faulted
		}
		for !ready {
			select {
			case <-r.ctx.Done():
				return terminated()
			case req := <-r.swaps:
				r.accept(req)
			case <-out.Ready():
				ready = true
			}
		}
	}
}

func (r *Runner) warn(d diagnostics.Diagnostic) {
	if d.Message == r.lastWarning {
		return
	}
	r.lastWarning = d.Message
	if r.onWarning != nil {
		r.onWarning(d)
	}
}

func (r *Runner) current() program {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prog
}

func (r *Runner) install(p program) {
	r.mu.Lock()
	r.prog = p
	r.mu.Unlock()
}

func (r *Runner) accept(req swapRequest) {
	old := r.current()
	r.install(req.prog)
	r.swapPending.Store(false)
	r.lastWarning = ""
	if old != nil && old != req.prog {
		old.interrupt()
	}
	close(req.ack)
	r.logger.Debug("Worker swapped program", nil)
}

// release closes the sink and the interpreter before the completion is sent.
func (r *Runner) release() {
	r.mu.Lock()
	out, prog := r.out, r.prog
	r.out = nil
	r.mu.Unlock()
	if prog != nil {
		prog.interrupt()
	}
	if out != nil {
		if err := out.Close(); err != nil {
			r.logger.Error("Failed to close sink", err, nil)
		}
	}
}
