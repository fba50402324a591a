package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return NewAt(time.Now())
}

// InRange reports whether t can be encoded in an identifier's time component:
// no earlier than the Unix epoch and no later than ulid.MaxTime.
func InRange(t time.Time) bool {
	ms := t.UnixMilli()
	return ms >= 0 && uint64(ms) <= ulid.MaxTime()
}

// NewAt returns an identifier whose time component is t. Record ids minted this
// way sort in check-in order. Times outside InRange are clamped to the nearest
// bound.
func NewAt(t time.Time) string {
	var ms uint64
	switch {
	case t.UnixMilli() < 0:
		ms = 0
	case !InRange(t):
		ms = ulid.MaxTime()
	default:
		ms = ulid.Timestamp(t)
	}
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ms, entropy).String()
}

// Valid reports whether s parses as an identifier produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
