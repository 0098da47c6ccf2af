// Package sink provides the backpressured byte sinks that workers stream
// audio samples and video frames into.
package sink

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink: closed")

// Sink accepts produced chunks and exerts backpressure.
//
// Write stores p and reports whether the sink can take more right away.
// After a Write returned false the producer waits on Ready, which fires once
// the buffered data has drained. Close is idempotent.
type Sink interface {
	Write(p []byte) (ready bool, err error)
	Ready() <-chan struct{}
	Close() error
}

// Options tunes a Paced sink.
type Options struct {
	// Rate is the drain rate in bytes per second. Zero drains the whole
	// buffer on every tick.
	Rate int
	// Tick is the drain period. Defaults to 10ms.
	Tick time.Duration
	// HighWater is the buffered size at which Write starts reporting
	// not-ready. Defaults to one second of Rate, or 64KiB when unpaced.
	HighWater int
	// LowWater is the buffered size under which Ready fires again.
	// Defaults to HighWater/2.
	LowWater int
	// CloseWait bounds how long Close waits for a write already handed to
	// the underlying writer. Defaults to 250ms.
	CloseWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 10 * time.Millisecond
	}
	if o.HighWater <= 0 {
		o.HighWater = o.Rate
		if o.HighWater <= 0 {
			o.HighWater = 64 << 10
		}
	}
	if o.CloseWait <= 0 {
		o.CloseWait = 250 * time.Millisecond
	}
	if o.LowWater <= 0 || o.LowWater >= o.HighWater {
		o.LowWater = o.HighWater / 2
	}
	return o
}

// Paced drains its buffer into an io.Writer at a fixed byte rate, the way a
// sound card or display consumes samples and frames in real time.
type Paced struct {
	out  io.Writer
	opts Options

	mu      sync.Mutex
	buf     bytes.Buffer
	waiting bool
	err     error
	closed  bool

	ready     chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	written atomic.Int64
	drained atomic.Int64
}

// NewPaced starts a Paced sink writing to out.
func NewPaced(out io.Writer, opts Options) *Paced {
	if out == nil {
		out = io.Discard
	}
	p := &Paced{
		out:   out,
		opts:  opts.withDefaults(),
		ready: make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.drain()
	return p
}

// Write buffers a copy of chunk.
func (p *Paced) Write(chunk []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}
	if p.err != nil {
		return false, p.err
	}
	p.buf.Write(chunk)
	p.written.Add(int64(len(chunk)))
	if p.buf.Len() >= p.opts.HighWater {
		p.waiting = true
		return false, nil
	}
	return true, nil
}

// Ready fires after a not-ready Write once the buffer has drained below
// the low watermark. Notifications are coalesced.
func (p *Paced) Ready() <-chan struct{} {
	return p.ready
}

// Close stops draining and drops whatever is still buffered. A write stuck
// in the underlying writer is waited for at most CloseWait; the drain
// goroutine exits on its own once that write returns.
func (p *Paced) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.quit)
		timer := time.NewTimer(p.opts.CloseWait)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
		}
	})
	return nil
}

// Written is the number of bytes accepted so far.
func (p *Paced) Written() int64 {
	return p.written.Load()
}

// Drained is the number of bytes delivered to the underlying writer.
func (p *Paced) Drained() int64 {
	return p.drained.Load()
}

// Buffered is the number of bytes waiting to be drained.
func (p *Paced) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

func (p *Paced) budget() int {
	if p.opts.Rate <= 0 {
		return -1
	}
	n := int(int64(p.opts.Rate) * int64(p.opts.Tick) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Paced) drain() {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.Tick)
	defer ticker.Stop()

	budget := p.budget()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		n := p.buf.Len()
		if budget >= 0 && n > budget {
			n = budget
		}
		chunk := make([]byte, n)
		copy(chunk, p.buf.Next(n))
		wake := p.waiting && p.buf.Len() <= p.opts.LowWater
		if wake {
			p.waiting = false
		}
		p.mu.Unlock()

		if n > 0 {
			if _, err := p.out.Write(chunk); err != nil {
				p.mu.Lock()
				p.err = err
				p.waiting = false
				p.mu.Unlock()
				wake = true
			} else {
				p.drained.Add(int64(n))
			}
		}
		if wake {
			select {
			case p.ready <- struct{}{}:
			default:
			}
		}
	}
}
