package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricUserCPU    = "/cpu/classes/user:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// ResourceUsage is a coarse view of the process, reported by the status API.
// Every live worker is one interpreter goroutine, so CPUPercent is mostly the
// cost of the running programs.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker reads runtime/metrics without stopping the world. CPU usage
// is averaged over the time since the previous Snapshot.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	numCPU  float64

	lastCPU float64
	lastAt  time.Time
	now     func() time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: metricUserCPU},
			{Name: metricHeapBytes},
			{Name: metricGoroutines},
		},
		numCPU: float64(runtime.NumCPU()),
		now:    time.Now,
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.samples == nil {
		fresh := newResourceTracker()
		r.samples, r.numCPU, r.now = fresh.samples, fresh.numCPU, fresh.now
	}

	metrics.Read(r.samples)
	var usage ResourceUsage
	cpu, haveCPU := floatValue(r.samples[0])
	if v := r.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.MemoryBytes = v.Uint64()
	}
	if v := r.samples[2].Value; v.Kind() == metrics.KindUint64 {
		usage.Goroutines = int(v.Uint64())
	} else {
		usage.Goroutines = runtime.NumGoroutine()
	}

	now := r.now()
	if haveCPU {
		if !r.lastAt.IsZero() {
			usage.CPUPercent = cpuPercent(cpu-r.lastCPU, now.Sub(r.lastAt), r.numCPU)
		}
		r.lastCPU = cpu
	}
	r.lastAt = now
	return usage
}

func floatValue(s metrics.Sample) (float64, bool) {
	if s.Value.Kind() != metrics.KindFloat64 {
		return 0, false
	}
	return s.Value.Float64(), true
}

func cpuPercent(cpuSeconds float64, wall time.Duration, numCPU float64) float64 {
	if wall <= 0 || numCPU <= 0 || cpuSeconds < 0 {
		return 0
	}
	return cpuSeconds / wall.Seconds() / numCPU * 100
}
