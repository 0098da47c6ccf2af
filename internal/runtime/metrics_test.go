package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveloop/internal/runtime/worker"
)

func TestWorkerMetrics_StartAndCompletion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkerMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordStart(worker.ScriptedSound)
	m.RecordStart(worker.ScriptedSound)
	m.RecordCompletion(worker.ScriptedSound, worker.ReasonTerminated, 2*time.Second)

	km := m.GetKindMetrics(worker.ScriptedSound)
	require.NotNil(t, km)
	assert.Equal(t, uint64(2), km.Started)
	assert.Equal(t, int64(1), km.Active)
	assert.Equal(t, uint64(1), km.Completions["terminated"])
	assert.False(t, km.LastStartedAt.IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.startedTotal.WithLabelValues("scripted-sound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active.WithLabelValues("scripted-sound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completionsTotal.WithLabelValues("scripted-sound", "terminated")))
}

func TestWorkerMetrics_Swaps(t *testing.T) {
	m := NewWorkerMetrics(prometheus.NewRegistry())

	m.RecordSwap(worker.Shader, true)
	m.RecordSwap(worker.Shader, false)
	m.RecordSwap(worker.Shader, false)

	km := m.GetKindMetrics(worker.Shader)
	require.NotNil(t, km)
	assert.Equal(t, uint64(1), km.SwapsApplied)
	assert.Equal(t, uint64(2), km.SwapsRejected)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.hotSwapsTotal.WithLabelValues("shader", "rejected")))
}

func TestWorkerMetrics_ActiveNeverNegative(t *testing.T) {
	m := NewWorkerMetrics(prometheus.NewRegistry())
	m.RecordCompletion(worker.Script, worker.ReasonFinished, time.Millisecond)

	km := m.GetKindMetrics(worker.Script)
	require.NotNil(t, km)
	assert.Equal(t, int64(0), km.Active)
}

func TestWorkerMetrics_Snapshot(t *testing.T) {
	m := NewWorkerMetrics(prometheus.NewRegistry())
	m.RecordStart(worker.ScriptedSound)
	m.RecordStart(worker.NativeSound)
	m.RecordFrameWarning()
	m.RecordFrameWarning()

	snap := m.GetSnapshot()
	assert.Equal(t, uint64(2), snap.TotalStarted)
	assert.Equal(t, int64(2), snap.TotalActive)
	assert.Equal(t, uint64(2), snap.FrameWarnings)
	assert.Len(t, snap.KindMetrics, 2)
	assert.False(t, snap.CollectedAt.IsZero())

	// snapshot is a copy
	snap.KindMetrics["native-sound"].Started = 99
	assert.Equal(t, uint64(1), m.GetKindMetrics(worker.NativeSound).Started)
}

func TestWorkerMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewWorkerMetrics(reg).Register())

	m := NewWorkerMetrics(reg)
	require.NoError(t, m.Register(), "already registered collectors are tolerated")
	require.NoError(t, m.Register())
}

func TestWorkerMetrics_Reset(t *testing.T) {
	m := NewWorkerMetrics(prometheus.NewRegistry())
	m.RecordStart(worker.Script)
	m.RecordFrameWarning()
	m.Reset()

	assert.Nil(t, m.GetKindMetrics(worker.Script))
	assert.Equal(t, uint64(0), m.GetSnapshot().FrameWarnings)
}
