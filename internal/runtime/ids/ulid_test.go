package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDIsMonotonic(t *testing.T) {
	prev := CreateULID()
	for range 64 {
		next := CreateULID()
		require.Len(t, next, ulid.EncodedSize)
		_, err := ulid.ParseStrict(next)
		require.NoError(t, err)
		require.Less(t, prev, next)
		prev = next
	}
}

func TestCreateULIDFromManyGoroutines(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				id := CreateULID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestNewAtCarriesTimestamp(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)

	got, ok := Time(NewAt(at).String())
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = Time("not-a-ulid")
	assert.False(t, ok)
}
