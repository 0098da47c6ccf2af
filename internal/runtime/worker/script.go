package worker

import (
	"context"
	"io"

	"github.com/drblury/liveloop/internal/runtime/engine"
	"github.com/drblury/liveloop/internal/runtime/sink"
)

// script runs a program to completion without producing a stream. A
// hot-swap interrupts the current run and starts the new program.
type script struct{}

func (script) openSink(Config) (sink.Sink, error) { return nil, nil }

func (script) load(_ context.Context, cfg Config, title, source string, _ *clock) (program, error) {
	p, err := engine.Compile(title, source, engineOptions(cfg))
	if err != nil {
		return nil, err
	}
	return &scriptProgram{eng: p}, nil
}

func (script) toleratesStepFaults() bool { return false }
func (script) fallback(Config) []byte    { return nil }
func (script) swapInterrupts() bool      { return true }

type scriptProgram struct {
	eng *engine.Program
}

func (p *scriptProgram) next(ctx context.Context) ([]byte, error) {
	if err := p.eng.Run(ctx, 0); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (p *scriptProgram) interrupt() {
	p.eng.Interrupt()
}
