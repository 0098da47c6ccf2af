package worker

import (
	"io"
	"time"

	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/sink"
)

// Config holds the stream and timing parameters shared by all workers.
type Config struct {
	SampleRate  int
	Channels    int
	ChunkFrames int

	FrameWidth  int
	FrameHeight int
	FrameRate   int

	// LoadTimeout bounds the top-level run of sound and shader programs.
	LoadTimeout time.Duration
	// SwapTimeout bounds a whole hot-swap, load included.
	SwapTimeout time.Duration
	// TerminateGrace is how long Terminate waits before logging that the
	// worker is slow to stop. It keeps waiting afterwards.
	TerminateGrace time.Duration

	AudioOutput io.Writer
	FrameOutput io.Writer

	// Sinks overrides sink construction, mostly for tests.
	Sinks func(kind Kind, cfg Config) (sink.Sink, error)
	// Print receives print() output of programs.
	Print  func(msg string)
	Logger loggingpkg.ServiceLogger
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = 512
	}
	if c.FrameWidth <= 0 {
		c.FrameWidth = 64
	}
	if c.FrameHeight <= 0 {
		c.FrameHeight = 48
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 2 * time.Second
	}
	if c.SwapTimeout <= 0 {
		c.SwapTimeout = 3 * time.Second
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = time.Second
	}
	if c.Logger == nil {
		c.Logger = loggingpkg.NewNopServiceLogger()
	}
	return c
}

// AudioSinkOptions paces PCM output at the configured sample rate and keeps
// about four chunks buffered.
func (c Config) AudioSinkOptions() sink.Options {
	chunk := c.ChunkFrames * c.Channels * 2
	return sink.Options{
		Rate:      c.SampleRate * c.Channels * 2,
		HighWater: 4 * chunk,
		LowWater:  2 * chunk,
	}
}

// FrameSinkOptions paces RGB frames at the configured frame rate and keeps
// two frames buffered.
func (c Config) FrameSinkOptions() sink.Options {
	frame := c.FrameWidth * c.FrameHeight * 3
	return sink.Options{
		Rate:      frame * c.FrameRate,
		HighWater: 2 * frame,
		LowWater:  frame,
	}
}
