// Package ids generates sortable unique identifiers for stored entities.
package ids

import (
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var source = newLockedEntropy()

type lockedEntropy struct {
	mu sync.Mutex
	r  io.Reader
}

func newLockedEntropy() *lockedEntropy {
	return &lockedEntropy{
		r: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (e *lockedEntropy) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r.Read(p)
}

// New returns a ULID. Identifiers created later sort lexicographically after
// earlier ones, which keeps cursor pagination stable.
func New() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), source).String()
}
