package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Run ids, control correlation ids and boot request ids all use it.
func CreateULID() string {
	return NewAt(time.Now()).String()
}

// NewAt returns a monotonic ULID stamped with t.
func NewAt(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// Time extracts the timestamp of a ULID string. ok is false for anything
// that does not parse.
func Time(id string) (time.Time, bool) {
	u, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
