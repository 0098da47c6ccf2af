package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
)

// DefaultPollInterval is how often Watch checks the file for changes.
const DefaultPollInterval = 250 * time.Millisecond

// FileInstance is a headless Instance backed by a file on disk. Saving the
// file re-requests a run, which hot-swaps the running worker.
type FileInstance struct {
	id     int
	path   string
	logger loggingpkg.ServiceLogger

	mu          sync.Mutex
	sig         Signals
	modTime     time.Time
	lastError   string
	lastWarning string
	lastLine    int
	stops       int
	stopped     chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewFileInstance returns an instance for path. A nil logger discards output.
func NewFileInstance(id int, path string, logger loggingpkg.ServiceLogger) *FileInstance {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &FileInstance{
		id:       id,
		path:     path,
		logger:   logger.With(loggingpkg.LogFields{"instance": id, "file": path}),
		lastLine: -1,
		stopped:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (f *FileInstance) ID() int { return f.id }

func (f *FileInstance) Title() string { return filepath.Base(f.path) }

// Path returns the watched file.
func (f *FileInstance) Path() string { return f.path }

// SourceCode reads the file. An unreadable file yields an empty program.
func (f *FileInstance) SourceCode() string {
	data, err := os.ReadFile(f.path)
	if err != nil {
		f.logger.Error("Failed to read source", err, nil)
		return ""
	}
	return string(data)
}

func (f *FileInstance) ReportError(msg string) {
	f.mu.Lock()
	f.lastError = msg
	f.mu.Unlock()
	f.logger.Error("Code error", nil, loggingpkg.LogFields{"message": msg})
}

func (f *FileInstance) ReportWarning(msg string) {
	f.mu.Lock()
	f.lastWarning = msg
	f.mu.Unlock()
	f.logger.Info("Code warning", loggingpkg.LogFields{"message": msg})
}

func (f *FileInstance) HighlightErroredLine(line int) {
	f.mu.Lock()
	f.lastLine = line
	f.mu.Unlock()
	f.logger.Info("Errored line", loggingpkg.LogFields{"line": line})
}

func (f *FileInstance) CodeStopped() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.logger.Debug("Code stopped", nil)
	select {
	case f.stopped <- struct{}{}:
	default:
	}
}

// Close always accepts; there is nothing to save. It ends Watch.
func (f *FileInstance) Close() bool {
	f.closeOnce.Do(func() { close(f.closed) })
	return true
}

// Closed is closed once the registry removed the instance.
func (f *FileInstance) Closed() <-chan struct{} { return f.closed }

func (f *FileInstance) Bind(s Signals) {
	f.mu.Lock()
	f.sig = s
	f.mu.Unlock()
}

// Stopped receives after CodeStopped. Notifications coalesce.
func (f *FileInstance) Stopped() <-chan struct{} { return f.stopped }

// Run requests a run of the current file contents.
func (f *FileInstance) Run() {
	if run := f.signals().RequestRun; run != nil {
		run()
	}
}

// Stop requests the worker to terminate.
func (f *FileInstance) Stop() {
	if stop := f.signals().RequestStop; stop != nil {
		stop()
	}
}

// LastDiagnostics returns the most recent error, warning and highlighted line.
func (f *FileInstance) LastDiagnostics() (errMsg, warning string, line int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError, f.lastWarning, f.lastLine
}

func (f *FileInstance) signals() Signals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sig
}

// Watch polls the file's modification time until ctx is cancelled or the
// instance is closed, and requests a run whenever it changes. The first
// observation is only recorded.
func (f *FileInstance) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed:
			return nil
		case <-ticker.C:
			if f.poll() {
				f.logger.Info("Source changed", nil)
				f.Run()
			}
		}
	}
}

// poll reports whether the modification time moved since the last call.
func (f *FileInstance) poll() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	mod := info.ModTime()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modTime.IsZero() {
		f.modTime = mod
		return false
	}
	if mod.Equal(f.modTime) {
		return false
	}
	f.modTime = mod
	return true
}
