// Package idgen generates the 64-bit, time-sortable task and batch
// identifiers required by the wire protocol: sorting by id must be
// equivalent to sorting by submission order, and collisions across the
// cluster must be practically impossible.
package idgen

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sequenceBits = 10
	saltBits     = 12

	maxSequence = (1 << sequenceBits) - 1
	maxSalt     = (1 << saltBits) - 1

	timeShift = sequenceBits + saltBits
	seqShift  = saltBits
)

// epoch anchors the 41-bit timestamp field so it has headroom for decades of
// operation instead of wasting bits on the Unix epoch.
var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Generator produces monotone, collision-resistant 64-bit ids: 41 bits of
// milliseconds since epoch, 10 bits of per-millisecond sequence, 12 bits of
// a coordinator-instance salt fixed at construction time.
type Generator struct {
	mu       sync.Mutex
	salt     uint64
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a Generator with a fresh random instance salt, so
// that two coordinator processes started at the same millisecond still
// practically never collide.
func NewGenerator() *Generator {
	salt := uuid.New()
	// Fold the random UUID down to saltBits worth of entropy.
	var s uint64
	for _, b := range salt {
		s = (s*31 + uint64(b)) & maxSalt
	}
	return &Generator{salt: s}
}

// Next returns the next id. It busy-waits across a millisecond boundary if
// the per-millisecond sequence space is exhausted, the same defensive
// technique classic Snowflake-style generators use.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Since(epoch).Milliseconds()
	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastMs {
				now = time.Since(epoch).Milliseconds()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (uint64(now) << timeShift) | (g.sequence << seqShift) | g.salt
}
