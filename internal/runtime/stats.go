package runtime

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
)

const latencySampleSize = 256

// ErrorCategory groups failed control commands.
type ErrorCategory string

const (
	ErrorCategoryNone     ErrorCategory = "none"
	ErrorCategoryInvalid  ErrorCategory = "invalid"
	ErrorCategoryInstance ErrorCategory = "unknown_instance"
	ErrorCategoryCompiler ErrorCategory = "compiler"
	ErrorCategoryClosed   ErrorCategory = "closed"
	ErrorCategoryOther    ErrorCategory = "other"
)

// ClassifyCommandError maps a command failure onto a category.
func ClassifyCommandError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrUnknownInstance):
		return ErrorCategoryInstance
	case errors.Is(err, errspkg.ErrCompilerNotFound):
		return ErrorCategoryCompiler
	case errors.Is(err, errspkg.ErrRegistryClosed):
		return ErrorCategoryClosed
	case errors.Is(err, errspkg.ErrUnknownCommand):
		return ErrorCategoryInvalid
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.Command.Action == "" {
		return ErrorCategoryInvalid
	}
	return ErrorCategoryOther
}

// LatencyMetrics summarises recent command handling times.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// ErrorBreakdown counts failures per category.
type ErrorBreakdown struct {
	Invalid         uint64 `json:"invalid"`
	UnknownInstance uint64 `json:"unknown_instance"`
	Compiler        uint64 `json:"compiler"`
	Closed          uint64 `json:"closed"`
	Other           uint64 `json:"other"`
	LastError       string `json:"last_error,omitempty"`
}

// Record counts err under category.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryInvalid:
		e.Invalid++
	case ErrorCategoryInstance:
		e.UnknownInstance++
	case ErrorCategoryCompiler:
		e.Compiler++
	case ErrorCategoryClosed:
		e.Closed++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// CommandStatsSnapshot is the status API view of CommandStats.
type CommandStatsSnapshot struct {
	Processed       uint64            `json:"processed"`
	Failed          uint64            `json:"failed"`
	PerAction       map[string]uint64 `json:"per_action"`
	LastProcessedAt time.Time         `json:"last_processed_at"`
	Latency         LatencyMetrics    `json:"latency"`
	Errors          ErrorBreakdown    `json:"errors"`
}

// CommandStats tracks control commands handled by the service. A nil
// *CommandStats ignores records.
type CommandStats struct {
	mu sync.Mutex

	processed uint64
	failed    uint64
	perAction map[string]uint64
	total     int64
	lastAt    time.Time
	errors    ErrorBreakdown
	latency   *latencyWindow
}

// NewCommandStats returns empty stats.
func NewCommandStats() *CommandStats {
	return &CommandStats{
		perAction: make(map[string]uint64),
		latency:   newLatencyWindow(latencySampleSize),
	}
}

// Record adds one handled command.
func (s *CommandStats) Record(action string, d time.Duration, err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	if action == "" {
		action = "invalid"
	}
	s.perAction[action]++
	if err != nil {
		s.failed++
	}
	s.total += int64(d)
	s.lastAt = time.Now().UTC()
	s.latency.Add(d)
	s.errors.Record(ClassifyCommandError(err), err)
}

// Snapshot copies the current counters.
func (s *CommandStats) Snapshot() CommandStatsSnapshot {
	if s == nil {
		return CommandStatsSnapshot{PerAction: map[string]uint64{}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	per := make(map[string]uint64, len(s.perAction))
	for k, v := range s.perAction {
		per[k] = v
	}
	snap := CommandStatsSnapshot{
		Processed:       s.processed,
		Failed:          s.failed,
		PerAction:       per,
		LastProcessedAt: s.lastAt,
		Latency:         s.latency.Snapshot(),
		Errors:          s.errors,
	}
	if s.processed > 0 {
		snap.Latency.AverageNs = s.total / int64(s.processed)
	}
	return snap
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.AverageNs = sum / int64(len(samples))
	return m
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
