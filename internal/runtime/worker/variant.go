package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/drblury/liveloop/internal/runtime/engine"
	"github.com/drblury/liveloop/internal/runtime/sink"
)

// program is one loaded source text, ready to produce chunks.
type program interface {
	// next produces the next chunk. io.EOF means the program finished.
	next(ctx context.Context) ([]byte, error)
	// interrupt stops a running next call. Safe from any goroutine.
	interrupt()
}

// variant is the strategy that distinguishes the four worker kinds.
type variant interface {
	openSink(cfg Config) (sink.Sink, error)
	load(ctx context.Context, cfg Config, title, source string, c *clock) (program, error)
	// toleratesStepFaults reports whether a failing step is a warning
	// rather than the end of the worker.
	toleratesStepFaults() bool
	// fallback is written in place of a failed chunk to keep pacing.
	fallback(cfg Config) []byte
	// swapInterrupts reports whether a hot-swap must interrupt the running
	// program instead of waiting for the current step to finish.
	swapInterrupts() bool
}

// clock counts produced sample frames or video frames. Swapped programs
// keep counting from where the previous one stopped. It is only touched on
// the worker goroutine.
type clock struct {
	n int64
}

func newVariant(k Kind) (variant, error) {
	switch k {
	case ScriptedSound:
		return scriptedSound{}, nil
	case NativeSound:
		return nativeSound{}, nil
	case Shader:
		return shader{}, nil
	case Script:
		return script{}, nil
	}
	return nil, fmt.Errorf("worker: unknown kind %d", int(k))
}

func openSink(kind Kind, cfg Config, out io.Writer, opts sink.Options) (sink.Sink, error) {
	if cfg.Sinks != nil {
		return cfg.Sinks(kind, cfg)
	}
	return sink.NewPaced(out, opts), nil
}

func engineOptions(cfg Config) engine.Options {
	return engine.Options{SampleRate: cfg.SampleRate, Print: cfg.Print}
}

// loadEngine compiles source, runs its top level and binds entry, probing
// it once with probe. Everything after Compile stops when ctx is cancelled
// or LoadTimeout elapses.
func loadEngine(ctx context.Context, cfg Config, title, source, entry string, probe func(*engine.Program) error) (*engine.Program, error) {
	p, err := engine.Compile(title, source, engineOptions(cfg))
	if err != nil {
		return nil, err
	}
	if err := p.Run(ctx, cfg.LoadTimeout); err != nil {
		return nil, err
	}
	if entry == "" {
		return p, nil
	}
	err = p.Guard(ctx, cfg.LoadTimeout, func() error {
		if err := p.Bind(entry); err != nil {
			return err
		}
		if probe != nil {
			return probe(p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
