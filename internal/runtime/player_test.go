package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveloop/internal/runtime/boot"
	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	"github.com/drblury/liveloop/internal/runtime/settings"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

func writeBeat(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestPlayerOpenRegistersAndRuns(t *testing.T) {
	reg, store := newTestRegistry(t)
	kind := worker.ScriptedSound
	p := NewPlayer(reg, PlayerOptions{PollInterval: 5 * time.Millisecond, Compiler: &kind})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		p.Wait()
	}()

	path := writeBeat(t, "beat.js", soundSource)
	id, err := p.Open(ctx, path, true)
	require.NoError(t, err)
	assert.Equal(t, 0, id)
	assert.Equal(t, int(worker.ScriptedSound), store.Get(0, settings.KeyUseCompiler, nil))
	waitState(t, reg, 0, worker.Running)

	again, err := p.Open(ctx, path, false)
	require.NoError(t, err)
	assert.Equal(t, id, again, "an open path keeps its instance")
	assert.Len(t, p.Instances(), 1)

	other, err := p.Open(ctx, writeBeat(t, "other.js", soundSource), false)
	require.NoError(t, err)
	assert.Equal(t, 1, other)
	assert.False(t, reg.HasWorker(1))
	assert.ElementsMatch(t, []int{0, 1}, reg.IDs())
}

func TestPlayerReopensRemovedFile(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := NewPlayer(reg, PlayerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		p.Wait()
	}()

	path := writeBeat(t, "beat.js", soundSource)
	id, err := p.Open(ctx, path, false)
	require.NoError(t, err)
	require.Empty(t, reg.CloseAllInstances())

	reopened, err := p.Open(ctx, path, false)
	require.NoError(t, err)
	assert.NotEqual(t, id, reopened, "ids kept after a full close-all are not reused")
	assert.Len(t, p.Instances(), 1)
	assert.Equal(t, reopened, p.Instances()[0].ID())
}

func TestPlayerOpenMissingFile(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := NewPlayer(reg, PlayerOptions{})
	_, err := p.Open(context.Background(), filepath.Join(t.TempDir(), "nope.js"), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, reg.IDs())
}

func TestPlayerOpenOnClosedRegistry(t *testing.T) {
	reg, err := NewRegistry(RegistryOptions{Settings: settings.NewMemory(), Worker: testWorkerConfig()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, reg.Run(ctx))

	p := NewPlayer(reg, PlayerOptions{})
	_, err = p.Open(context.Background(), writeBeat(t, "beat.js", soundSource), false)
	assert.ErrorIs(t, err, errspkg.ErrRegistryClosed)
}

func TestPlayerHandleBoot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := NewPlayer(reg, PlayerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		p.Wait()
	}()

	id, err := p.HandleBoot(ctx, boot.Request{Action: boot.ActionOpen, Path: writeBeat(t, "beat.js", soundSource)})
	require.NoError(t, err)
	assert.Equal(t, 0, id)
	assert.False(t, reg.HasWorker(0))
}
