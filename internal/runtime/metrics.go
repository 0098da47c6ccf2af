package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/liveloop/internal/runtime/worker"
)

// WorkerMetrics tracks worker lifecycle statistics.
type WorkerMetrics struct {
	mu sync.RWMutex

	// Per-kind counts
	kindCounts    map[string]*WorkerKindMetrics
	frameWarnings uint64

	// Prometheus collectors
	startedTotal     *prometheus.CounterVec
	active           *prometheus.GaugeVec
	hotSwapsTotal    *prometheus.CounterVec
	completionsTotal *prometheus.CounterVec
	frameWarningsCtr prometheus.Counter
	lifetimeHist     *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// WorkerKindMetrics holds metrics for one worker kind.
type WorkerKindMetrics struct {
	Started       uint64            `json:"started"`
	Active        int64             `json:"active"`
	SwapsApplied  uint64            `json:"swaps_applied"`
	SwapsRejected uint64            `json:"swaps_rejected"`
	Completions   map[string]uint64 `json:"completions"`
	LastStartedAt time.Time         `json:"last_started_at,omitempty"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

// WorkerMetricsSnapshot provides a point-in-time view of worker metrics.
type WorkerMetricsSnapshot struct {
	TotalStarted  uint64                        `json:"total_started"`
	TotalActive   int64                         `json:"total_active"`
	FrameWarnings uint64                        `json:"frame_warnings"`
	KindMetrics   map[string]*WorkerKindMetrics `json:"kind_metrics"`
	CollectedAt   time.Time                     `json:"collected_at"`
}

// newWorkerCounterVec creates a new counter vec with standard liveloop/worker namespace.
func newWorkerCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "liveloop",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewWorkerMetrics creates a new worker metrics collector.
func NewWorkerMetrics(registerer prometheus.Registerer) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &WorkerMetrics{
		kindCounts:       make(map[string]*WorkerKindMetrics),
		registerer:       registerer,
		startedTotal:     newWorkerCounterVec("started_total", "Total number of workers started", []string{"kind"}),
		hotSwapsTotal:    newWorkerCounterVec("hot_swaps_total", "Total number of hot-swap attempts", []string{"kind", "outcome"}),
		completionsTotal: newWorkerCounterVec("completions_total", "Total number of worker completions", []string{"kind", "reason"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "liveloop",
			Subsystem: "worker",
			Name:      "active",
			Help:      "Number of workers currently running",
		}, []string{"kind"}),
		frameWarningsCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveloop",
			Subsystem: "worker",
			Name:      "frame_warnings_total",
			Help:      "Total number of non-fatal per-frame warnings",
		}),
		lifetimeHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "liveloop",
			Subsystem: "worker",
			Name:      "lifetime_seconds",
			Help:      "How long workers ran before completing",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"kind"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *WorkerMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.startedTotal,
		m.active,
		m.hotSwapsTotal,
		m.completionsTotal,
		m.frameWarningsCtr,
		m.lifetimeHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordStart records a worker being started.
func (m *WorkerMetrics) RecordStart(kind worker.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km := m.getOrCreateKindMetrics(kind.String())
	km.Started++
	km.Active++
	km.LastStartedAt = time.Now()
	km.LastUpdatedAt = km.LastStartedAt

	m.startedTotal.WithLabelValues(kind.String()).Inc()
	m.active.WithLabelValues(kind.String()).Set(float64(km.Active))
}

// RecordSwap records a hot-swap attempt.
func (m *WorkerMetrics) RecordSwap(kind worker.Kind, applied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km := m.getOrCreateKindMetrics(kind.String())
	outcome := "applied"
	if applied {
		km.SwapsApplied++
	} else {
		km.SwapsRejected++
		outcome = "rejected"
	}
	km.LastUpdatedAt = time.Now()

	m.hotSwapsTotal.WithLabelValues(kind.String(), outcome).Inc()
}

// RecordFrameWarning records a non-fatal frame failure.
func (m *WorkerMetrics) RecordFrameWarning() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frameWarnings++
	m.frameWarningsCtr.Inc()
}

// RecordCompletion records a worker's terminal event.
func (m *WorkerMetrics) RecordCompletion(kind worker.Kind, reason worker.Reason, lifetime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km := m.getOrCreateKindMetrics(kind.String())
	km.Completions[reason.String()]++
	if km.Active > 0 {
		km.Active--
	}
	km.LastUpdatedAt = time.Now()

	m.completionsTotal.WithLabelValues(kind.String(), reason.String()).Inc()
	m.active.WithLabelValues(kind.String()).Set(float64(km.Active))
	m.lifetimeHist.WithLabelValues(kind.String()).Observe(lifetime.Seconds())
}

// GetSnapshot returns a point-in-time snapshot of all worker metrics.
func (m *WorkerMetrics) GetSnapshot() WorkerMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := WorkerMetricsSnapshot{
		FrameWarnings: m.frameWarnings,
		KindMetrics:   make(map[string]*WorkerKindMetrics),
		CollectedAt:   time.Now(),
	}

	for kind, km := range m.kindCounts {
		snapshot.KindMetrics[kind] = km.clone()
		snapshot.TotalStarted += km.Started
		snapshot.TotalActive += km.Active
	}

	return snapshot
}

// GetKindMetrics returns metrics for a specific worker kind.
func (m *WorkerMetrics) GetKindMetrics(kind worker.Kind) *WorkerKindMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if km, ok := m.kindCounts[kind.String()]; ok {
		return km.clone()
	}
	return nil
}

func (m *WorkerMetrics) getOrCreateKindMetrics(kind string) *WorkerKindMetrics {
	if km, ok := m.kindCounts[kind]; ok {
		return km
	}
	km := &WorkerKindMetrics{Completions: make(map[string]uint64)}
	m.kindCounts[kind] = km
	return km
}

func (km *WorkerKindMetrics) clone() *WorkerKindMetrics {
	c := *km
	c.Completions = make(map[string]uint64, len(km.Completions))
	for k, v := range km.Completions {
		c.Completions[k] = v
	}
	return &c
}

// Reset resets all metrics (useful for testing).
func (m *WorkerMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kindCounts = make(map[string]*WorkerKindMetrics)
	m.frameWarnings = 0
	m.startedTotal.Reset()
	m.active.Reset()
	m.hotSwapsTotal.Reset()
	m.completionsTotal.Reset()
	m.lifetimeHist.Reset()
}
