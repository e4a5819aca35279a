// Package snowflake generates globally unique, time-ordered 64-bit
// identifiers without coordination. Each id packs a millisecond timestamp
// relative to a fixed epoch, a worker partition, a process partition, and a
// per-millisecond sequence:
//
//	(ms since epoch) << 22 | worker << 17 | process << 12 | sequence
//
// Ids from one generator are strictly increasing; ids from generators with
// distinct partitions never collide.
package snowflake

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// Epoch is the custom epoch (2024-01-01T00:00:00Z) in Unix milliseconds.
const Epoch int64 = 1704067200000

const (
	timestampShift = 22
	workerShift    = 17
	processShift   = 12

	maxWorker   = 31   // 5 bits
	maxProcess  = 31   // 5 bits
	maxSequence = 4095 // 12 bits
)

// Generator produces snowflake identifiers. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	worker   uint64
	process  uint64
	sequence uint64
	lastTS   int64
	now      func() time.Time
}

// Option configures a Generator.
type Option func(*Generator) error

// WithWorker sets an explicit worker partition (0-31). Explicit
// configuration takes precedence over the hostname-derived default.
func WithWorker(id int) Option {
	return func(g *Generator) error {
		if id < 0 || id > maxWorker {
			return fmt.Errorf("worker partition %d out of range 0-%d", id, maxWorker)
		}
		g.worker = uint64(id)
		return nil
	}
}

// WithProcess sets an explicit process partition (0-31).
func WithProcess(id int) Option {
	return func(g *Generator) error {
		if id < 0 || id > maxProcess {
			return fmt.Errorf("process partition %d out of range 0-%d", id, maxProcess)
		}
		g.process = uint64(id)
		return nil
	}
}

// withClock overrides the time source (tests only).
func withClock(now func() time.Time) Option {
	return func(g *Generator) error {
		g.now = now
		return nil
	}
}

// New creates a Generator. Without options the worker partition is derived
// from a hash of the hostname and the process partition from the same hash
// XORed with the pid, so co-located processes without explicit configuration
// still avoid collision with high probability.
func New(opts ...Option) (*Generator, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	base := hostHash(host)

	g := &Generator{
		worker:  base % (maxWorker + 1),
		process: (base % (maxProcess + 1)) ^ uint64(os.Getpid()%(maxProcess+1)),
		now:     time.Now,
	}

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Next returns the next identifier. It never fails; when the per-millisecond
// sequence overflows, or the system clock has moved backward past the last
// issued timestamp, it spins until the clock advances rather than emit a
// duplicate or non-monotonic value.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.nowMillis()

	// Clock regression: never reuse a timestamp older than the last issued.
	for ts < g.lastTS {
		ts = g.nowMillis()
	}

	if ts == g.lastTS {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 4096 ids in one millisecond: wait for the next tick.
			for ts <= g.lastTS {
				ts = g.nowMillis()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTS = ts

	return uint64(ts)<<timestampShift |
		g.worker<<workerShift |
		g.process<<processShift |
		g.sequence
}

// NextString returns the next identifier in its decimal form, the
// representation ids use on the wire.
func (g *Generator) NextString() string {
	return fmt.Sprintf("%d", g.Next())
}

// Worker returns the generator's worker partition.
func (g *Generator) Worker() int { return int(g.worker) }

// Process returns the generator's process partition.
func (g *Generator) Process() int { return int(g.process) }

// Timestamp extracts the Unix millisecond timestamp embedded in an id.
func Timestamp(id uint64) int64 {
	return int64(id>>timestampShift) + Epoch
}

func (g *Generator) nowMillis() int64 {
	return g.now().UnixMilli() - Epoch
}

func hostHash(host string) uint64 {
	sum := md5.Sum([]byte(host))
	return uint64(binary.BigEndian.Uint32(sum[:4]))
}
