package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent, "no previous sample")
	assert.NotZero(t, first.MemoryBytes)
	assert.NotZero(t, first.Goroutines)

	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, tracker.Snapshot().CPUPercent, 0.0)
}

func TestResourceTrackerNil(t *testing.T) {
	var tracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, tracker.Snapshot())
}

func TestResourceTrackerZeroValue(t *testing.T) {
	tracker := &resourceTracker{}
	assert.NotZero(t, tracker.Snapshot().MemoryBytes)
}

func TestCPUPercent(t *testing.T) {
	assert.InDelta(t, 50.0, cpuPercent(1, time.Second, 2), 1e-9)
	assert.InDelta(t, 100.0, cpuPercent(2, time.Second, 2), 1e-9)
	assert.Zero(t, cpuPercent(1, 0, 2))
	assert.Zero(t, cpuPercent(1, time.Second, 0))
	assert.Zero(t, cpuPercent(-1, time.Second, 2))
}
