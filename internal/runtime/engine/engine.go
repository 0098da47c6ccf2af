// Package engine adapts the goja JavaScript interpreter to the worker model:
// every Program owns its own interpreter, can be interrupted from any
// goroutine and reports failures as diagnostics.Fault values.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/drblury/liveloop/internal/runtime/diagnostics"
)

var (
	// ErrEntryMissing is wrapped by the fault returned when a program does
	// not define the function its worker drives.
	ErrEntryMissing = errors.New("engine: entry point is not defined")
	// ErrInterrupted is the interrupt value used by Program.Interrupt.
	ErrInterrupted = errors.New("engine: interrupted")
)

// Options configures the globals installed into each interpreter.
type Options struct {
	// SampleRate is exposed as SAMPLE_RATE. Defaults to 44100.
	SampleRate int
	// Print receives the output of print(). Nil discards it.
	Print func(string)
	// Seed seeds noise(). Zero uses the current time.
	Seed int64
}

// Program is one compiled source text bound to a private interpreter.
// A Program is not safe for concurrent use except for Interrupt.
type Program struct {
	name   string
	rt     *goja.Runtime
	prg    *goja.Program
	entry  goja.Callable
	args   []goja.Value
	halted atomic.Bool
}

// Compile parses source in a fresh interpreter. Syntax errors are returned
// as *Fault.
func Compile(name, source string, opts Options) (*Program, error) {
	name = sanitizeName(name)
	prg, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, compileFault(name, err)
	}
	rt := goja.New()
	p := &Program{name: name, rt: rt, prg: prg}
	if err := installPrelude(rt, opts); err != nil {
		return nil, fmt.Errorf("engine: install prelude: %w", err)
	}
	return p, nil
}

// Name is the sanitized program name used in tracebacks.
func (p *Program) Name() string {
	return p.name
}

// Run executes the top-level code. It is interrupted when ctx is cancelled
// or, if timeout is positive, when it runs longer than timeout.
func (p *Program) Run(ctx context.Context, timeout time.Duration) error {
	return p.Guard(ctx, timeout, func() error {
		if _, err := p.rt.RunProgram(p.prg); err != nil {
			return p.fault(err)
		}
		return nil
	})
}

// Guard runs fn, which calls into the interpreter, with the same interrupts
// as Run: cancelling ctx or exceeding a positive timeout stops it.
func (p *Program) Guard(ctx context.Context, timeout time.Duration, fn func() error) (err error) {
	stopCtx := context.AfterFunc(ctx, func() { p.rt.Interrupt(ErrInterrupted) })
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			p.rt.Interrupt(fmt.Sprintf("program did not finish within %s", timeout))
		})
	}
	defer func() {
		fired := !stopCtx()
		if timer != nil && !timer.Stop() {
			fired = true
		}
		if fired && err == nil && !p.halted.Load() {
			p.rt.ClearInterrupt()
		}
	}()
	defer p.recoverPanic(&err)

	return fn()
}

// Bind resolves the global function named entry for Call.
func (p *Program) Bind(entry string) error {
	fn, ok := goja.AssertFunction(p.rt.Get(entry))
	if !ok {
		return &Fault{
			kind:  "ReferenceError",
			value: fmt.Sprintf("function %s is not defined", entry),
			cause: ErrEntryMissing,
		}
	}
	p.entry = fn
	return nil
}

// Call invokes the bound entry with numeric arguments.
func (p *Program) Call(args ...float64) (v goja.Value, err error) {
	if p.entry == nil {
		return nil, ErrEntryMissing
	}
	defer p.recoverPanic(&err)

	p.args = p.args[:0]
	for _, a := range args {
		p.args = append(p.args, p.rt.ToValue(a))
	}
	v, err = p.entry(goja.Undefined(), p.args...)
	if err != nil {
		return nil, p.fault(err)
	}
	return v, nil
}

// Float calls the entry and converts the result to a number.
func (p *Program) Float(args ...float64) (float64, error) {
	v, err := p.Call(args...)
	if err != nil {
		return 0, err
	}
	return v.ToFloat(), nil
}

// Floats calls the entry and exports an array result.
func (p *Program) Floats(args ...float64) ([]float64, error) {
	v, err := p.Call(args...)
	if err != nil {
		return nil, err
	}
	var out []float64
	if err := p.rt.ExportTo(v, &out); err != nil {
		return nil, &Fault{kind: "TypeError", value: fmt.Sprintf("expected an array of numbers, got %s", v.String()), cause: err}
	}
	return out, nil
}

// Interrupt stops the code currently running in the program and every later
// call. Safe to call from any goroutine.
func (p *Program) Interrupt() {
	p.halted.Store(true)
	p.rt.Interrupt(ErrInterrupted)
}

// Halted reports whether Interrupt has been called.
func (p *Program) Halted() bool {
	return p.halted.Load()
}

func (p *Program) recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = &Fault{kind: "Panic", value: fmt.Sprint(r)}
	}
}

func (p *Program) clear() {
	if !p.halted.Load() {
		p.rt.ClearInterrupt()
	}
}

func (p *Program) fault(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		f := &Fault{kind: "Interrupted", value: fmt.Sprint(interrupted.Value()), cause: err, clear: p.clear}
		if v, ok := interrupted.Value().(error); ok {
			f.cause = v
		}
		f.traceback = renderStack(interrupted.String())
		return f
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		kind, value := describe(ex.Value())
		return &Fault{kind: kind, value: value, traceback: renderStack(ex.String()), cause: err, clear: p.clear}
	}
	return &Fault{kind: "Error", value: err.Error(), cause: err, clear: p.clear}
}

func describe(v goja.Value) (kind, value string) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "Error", "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		kind = valueString(obj.Get("name"))
		value = valueString(obj.Get("message"))
	}
	if kind == "" {
		kind = "Error"
	}
	if value == "" {
		value = v.String()
	}
	return kind, value
}

func valueString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

var syntaxLocation = regexp.MustCompile(`Line (\d+):(\d+) (.*)$`)

func compileFault(name string, err error) error {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return &Fault{kind: "SyntaxError", value: locate(name, syntaxErr.CompilerError), cause: err}
	}
	var refErr *goja.CompilerReferenceError
	if errors.As(err, &refErr) {
		return &Fault{kind: "ReferenceError", value: locate(name, refErr.CompilerError), cause: err}
	}
	return &Fault{kind: "SyntaxError", value: err.Error(), cause: err}
}

func locate(name string, ce goja.CompilerError) string {
	msg := ce.Message
	if m := syntaxLocation.FindStringSubmatch(msg); m != nil {
		return fmt.Sprintf("%s (%s, line %s)", strings.TrimSpace(m[3]), name, m[1])
	}
	if ce.File != nil {
		pos := ce.File.Position(ce.Offset)
		return fmt.Sprintf("%s (%s, line %d)", msg, name, pos.Line)
	}
	return msg
}

var frameLine = regexp.MustCompile(`^\s*at (?:(.+?) \()?([^()]*?):(\d+):(\d+)\(\d+\)\)?$`)

// renderStack turns goja's "at fn (file:line:col(pc))" frames into
// traceback lines, innermost first.
func renderStack(stack string) []string {
	var out []string
	for _, line := range strings.Split(stack, "\n") {
		m := frameLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fn := m[1]
		if fn == "" {
			fn = "<program>"
		}
		out = append(out, fmt.Sprintf("File %q, line %s, column %s, in %s", m[2], m[3], m[4], fn))
	}
	return out
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	name = unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	if name == "" {
		return "program"
	}
	return name
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

var _ diagnostics.Fault = (*Fault)(nil)
