package worker

import (
	"context"
	"math"

	"github.com/drblury/liveloop/internal/runtime/engine"
	"github.com/drblury/liveloop/internal/runtime/sink"
)

// shader evaluates shade(x, y, t) for every pixel of every frame. A failing
// frame is reported as a warning and replaced by a black frame.
type shader struct{}

func (shader) openSink(cfg Config) (sink.Sink, error) {
	return openSink(Shader, cfg, cfg.FrameOutput, cfg.FrameSinkOptions())
}

func (shader) load(ctx context.Context, cfg Config, title, source string, c *clock) (program, error) {
	p, err := loadEngine(ctx, cfg, title, source, "shade", func(p *engine.Program) error {
		_, err := shade(p, 0, 0, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &frameProgram{
		eng:   p,
		cfg:   cfg,
		clock: c,
		buf:   make([]byte, cfg.FrameWidth*cfg.FrameHeight*3),
	}, nil
}

func (shader) toleratesStepFaults() bool { return true }
func (shader) swapInterrupts() bool      { return false }

func (shader) fallback(cfg Config) []byte {
	return make([]byte, cfg.FrameWidth*cfg.FrameHeight*3)
}

type frameProgram struct {
	eng   *engine.Program
	cfg   Config
	clock *clock
	buf   []byte
}

func (p *frameProgram) next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() { p.clock.n++ }()

	w, h := p.cfg.FrameWidth, p.cfg.FrameHeight
	t := float64(p.clock.n) / float64(p.cfg.FrameRate)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb, err := shade(p.eng, float64(x)/float64(w), float64(y)/float64(h), t)
			if err != nil {
				return nil, err
			}
			off := (y*w + x) * 3
			p.buf[off] = channel(rgb[0])
			p.buf[off+1] = channel(rgb[1])
			p.buf[off+2] = channel(rgb[2])
		}
	}
	return p.buf, nil
}

func (p *frameProgram) interrupt() {
	p.eng.Interrupt()
}

func shade(p *engine.Program, x, y, t float64) ([]float64, error) {
	rgb, err := p.Floats(x, y, t)
	if err != nil {
		return nil, err
	}
	if len(rgb) < 3 {
		return nil, engine.NewFault("TypeError", "shade must return [r, g, b]")
	}
	return rgb, nil
}

func channel(v float64) byte {
	if math.IsNaN(v) {
		return 0
	}
	return byte(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
