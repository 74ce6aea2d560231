// Package ids generates 64-bit Snowflake-style identifiers for every
// *_id column the broker core writes: event_id, queue_id, catalog_id,
// execution_id, and the keychain's synthetic ids.
package ids

import (
	"fmt"
	"sync"
	"time"
)

const (
	// epoch anchors the timestamp component so the 41-bit field doesn't
	// waste range on the Unix epoch. 2024-01-01T00:00:00Z in millis.
	epoch int64 = 1704067200000

	timestampBits = 41
	shardBits     = 10
	sequenceBits  = 12

	maxShard    = -1 ^ (-1 << shardBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	shardShift     = sequenceBits
	timestampShift = sequenceBits + shardBits
)

// Generator produces monotonically increasing 64-bit ids within a shard.
// Safe for concurrent use.
type Generator struct {
	mu            sync.Mutex
	shard         int64
	lastTimestamp int64
	sequence      int64
}

// NewGenerator returns a Generator for the given shard id (e.g. a server
// or worker-pool replica number). shard must fit in 10 bits.
func NewGenerator(shard int64) (*Generator, error) {
	if shard < 0 || shard > maxShard {
		return nil, fmt.Errorf("ids: shard %d out of range [0, %d]", shard, maxShard)
	}
	return &Generator{shard: shard, lastTimestamp: -1}, nil
}

// Next returns the next id. It blocks briefly (sub-millisecond) if the
// sequence space for the current millisecond is exhausted.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := nowMillis()
	if now < g.lastTimestamp {
		// Clock moved backwards; stall until it catches up rather than
		// risk emitting a duplicate or decreasing id.
		now = g.waitForClock(g.lastTimestamp)
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			now = g.waitForClock(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = now

	return ((now - epoch) << timestampShift) | (g.shard << shardShift) | g.sequence
}

func (g *Generator) waitForClock(last int64) int64 {
	now := nowMillis()
	for now <= last {
		time.Sleep(100 * time.Microsecond)
		now = nowMillis()
	}
	return now
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// Decompose splits an id back into its timestamp (as time.Time), shard,
// and sequence components. Useful for diagnostics and tests.
func Decompose(id int64) (ts time.Time, shard int64, sequence int64) {
	sequence = id & maxSequence
	shard = (id >> shardShift) & maxShard
	millis := (id >> timestampShift) + epoch
	ts = time.UnixMilli(millis)
	return
}
