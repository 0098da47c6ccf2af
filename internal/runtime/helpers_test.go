package runtime

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveloop/internal/runtime/settings"
	"github.com/drblury/liveloop/internal/runtime/sink"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

const waitFor = 3 * time.Second

type testPublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, m := range messages {
		p.topics = append(p.topics, topic)
		p.published = append(p.published, m)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published...)
}

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

// fakeInstance records every inbound call.
type fakeInstance struct {
	id     int
	title  string
	refuse bool

	mu         sync.Mutex
	source     string
	errs       []string
	warnings   []string
	highlights []int
	stopped    int
	closed     bool
	signals    Signals
}

func newFakeInstance(id int, source string) *fakeInstance {
	return &fakeInstance{id: id, title: "doc.js", source: source}
}

func (f *fakeInstance) ID() int       { return f.id }
func (f *fakeInstance) Title() string { return f.title }

func (f *fakeInstance) SourceCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

func (f *fakeInstance) setSource(s string) {
	f.mu.Lock()
	f.source = s
	f.mu.Unlock()
}

func (f *fakeInstance) ReportError(msg string) {
	f.mu.Lock()
	f.errs = append(f.errs, msg)
	f.mu.Unlock()
}

func (f *fakeInstance) ReportWarning(msg string) {
	f.mu.Lock()
	f.warnings = append(f.warnings, msg)
	f.mu.Unlock()
}

func (f *fakeInstance) HighlightErroredLine(line int) {
	f.mu.Lock()
	f.highlights = append(f.highlights, line)
	f.mu.Unlock()
}

func (f *fakeInstance) CodeStopped() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeInstance) Close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.closed = true
	return true
}

func (f *fakeInstance) Bind(s Signals) {
	f.mu.Lock()
	f.signals = s
	f.mu.Unlock()
}

func (f *fakeInstance) sig() Signals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals
}

func (f *fakeInstance) errors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.errs...)
}

func (f *fakeInstance) warns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.warnings...)
}

func (f *fakeInstance) lines() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.highlights...)
}

func (f *fakeInstance) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// testWorkerConfig keeps streams tiny and paced fast.
func testWorkerConfig() worker.Config {
	return worker.Config{
		SampleRate:     8000,
		Channels:       1,
		ChunkFrames:    64,
		FrameWidth:     4,
		FrameHeight:    4,
		FrameRate:      100,
		TerminateGrace: time.Second,
		Sinks: func(kind worker.Kind, cfg worker.Config) (sink.Sink, error) {
			opts := cfg.AudioSinkOptions()
			if kind == worker.Shader {
				opts = cfg.FrameSinkOptions()
			}
			opts.Tick = time.Millisecond
			return sink.NewPaced(io.Discard, opts), nil
		},
	}
}

func newTestRegistry(t *testing.T, mutate ...func(*RegistryOptions)) (*Registry, settings.Store) {
	t.Helper()
	opts := RegistryOptions{Settings: settings.NewMemory(), Worker: testWorkerConfig()}
	for _, m := range mutate {
		m(&opts)
	}
	reg, err := NewRegistry(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = reg.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-reg.Done():
		case <-time.After(waitFor):
			t.Error("registry did not stop")
		}
	})
	return reg, opts.Settings
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 5*time.Millisecond, msg)
}
