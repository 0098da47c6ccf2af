package worker

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/drblury/liveloop/internal/runtime/engine"
	"github.com/drblury/liveloop/internal/runtime/sink"
)

// scriptedSound evaluates the program's sample(t) for every sample frame.
type scriptedSound struct{}

func (scriptedSound) openSink(cfg Config) (sink.Sink, error) {
	return openSink(ScriptedSound, cfg, cfg.AudioOutput, cfg.AudioSinkOptions())
}

func (scriptedSound) load(ctx context.Context, cfg Config, title, source string, c *clock) (program, error) {
	p, err := loadEngine(ctx, cfg, title, source, "sample", func(p *engine.Program) error {
		_, err := p.Float(0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sampleProgram{
		eng:   p,
		cfg:   cfg,
		clock: c,
		buf:   make([]byte, cfg.ChunkFrames*cfg.Channels*2),
	}, nil
}

func (scriptedSound) toleratesStepFaults() bool { return false }
func (scriptedSound) fallback(Config) []byte    { return nil }
func (scriptedSound) swapInterrupts() bool      { return false }

type sampleProgram struct {
	eng   *engine.Program
	cfg   Config
	clock *clock
	buf   []byte
}

func (p *sampleProgram) next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := float64(p.cfg.SampleRate)
	for i := 0; i < p.cfg.ChunkFrames; i++ {
		v, err := p.eng.Float(float64(p.clock.n+int64(i)) / rate)
		if err != nil {
			return nil, err
		}
		putSample(p.buf, i, p.cfg.Channels, v)
	}
	p.clock.n += int64(p.cfg.ChunkFrames)
	return p.buf, nil
}

func (p *sampleProgram) interrupt() {
	p.eng.Interrupt()
}

// nativeSound synthesises a TOML oscillator patch without an interpreter.
type nativeSound struct{}

func (nativeSound) openSink(cfg Config) (sink.Sink, error) {
	return openSink(NativeSound, cfg, cfg.AudioOutput, cfg.AudioSinkOptions())
}

func (nativeSound) load(ctx context.Context, cfg Config, title, source string, c *clock) (program, error) {
	patch, err := ParsePatch(title, source)
	if err != nil {
		return nil, err
	}
	return &patchProgram{
		patch: patch,
		cfg:   cfg,
		clock: c,
		buf:   make([]byte, cfg.ChunkFrames*cfg.Channels*2),
		rnd:   newNoise(),
	}, nil
}

func (nativeSound) toleratesStepFaults() bool { return false }
func (nativeSound) fallback(Config) []byte    { return nil }
func (nativeSound) swapInterrupts() bool      { return false }

type patchProgram struct {
	patch   *Patch
	cfg     Config
	clock   *clock
	buf     []byte
	rnd     func() float64
	stopped atomic.Bool
}

func (p *patchProgram) next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.stopped.Load() {
		return nil, engine.ErrInterrupted
	}
	rate := float64(p.cfg.SampleRate)
	for i := 0; i < p.cfg.ChunkFrames; i++ {
		putSample(p.buf, i, p.cfg.Channels, p.patch.Sample(float64(p.clock.n+int64(i))/rate, p.rnd))
	}
	p.clock.n += int64(p.cfg.ChunkFrames)
	return p.buf, nil
}

func (p *patchProgram) interrupt() {
	p.stopped.Store(true)
}

// putSample writes v as signed 16-bit little-endian PCM into every channel
// of frame i.
func putSample(buf []byte, i, channels int, v float64) {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(-1, math.Min(1, v))
	s := uint16(int16(math.Round(v * math.MaxInt16)))
	off := i * channels * 2
	for ch := 0; ch < channels; ch++ {
		binary.LittleEndian.PutUint16(buf[off+ch*2:], s)
	}
}
