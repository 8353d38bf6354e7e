// Package stats is a small bucketed counter for notification-arrival
// statistics. The engine records event outcomes here; a reporting
// collaborator reads snapshots out-of-band.
package stats

import (
	"sync"
	"time"
)

// Outcome classifies how the engine finished with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeRetried   Outcome = "retried"
	OutcomeAbandoned Outcome = "abandoned"
)

// defaultBucketSize is the width of one arrival bucket.
const defaultBucketSize = time.Minute

// Collector counts event arrivals per kind and outcome, and buckets raw
// arrivals by time window.
type Collector struct {
	mu sync.Mutex

	outcomes map[string]map[Outcome]int64
	arrivals map[int64]int64

	bucketSize time.Duration
	now        func() time.Time
}

// NewCollector creates a collector with one-minute arrival buckets.
func NewCollector() *Collector {
	return &Collector{
		outcomes:   make(map[string]map[Outcome]int64),
		arrivals:   make(map[int64]int64),
		bucketSize: defaultBucketSize,
		now:        time.Now,
	}
}

// Record counts one outcome for an event kind.
func (c *Collector) Record(kind string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byOutcome, ok := c.outcomes[kind]
	if !ok {
		byOutcome = make(map[Outcome]int64)
		c.outcomes[kind] = byOutcome
	}

	byOutcome[outcome]++
}

// Arrived counts one raw arrival in the current time bucket.
func (c *Collector) Arrived() {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.now().Truncate(c.bucketSize).Unix()
	c.arrivals[bucket]++
}

// Count returns the recorded total for a kind and outcome.
func (c *Collector) Count(kind string, outcome Outcome) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.outcomes[kind][outcome]
}

// Snapshot returns a copy of all outcome counters.
func (c *Collector) Snapshot() map[string]map[Outcome]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]map[Outcome]int64, len(c.outcomes))
	for kind, byOutcome := range c.outcomes {
		cp := make(map[Outcome]int64, len(byOutcome))
		for o, n := range byOutcome {
			cp[o] = n
		}

		out[kind] = cp
	}

	return out
}

// ArrivalBuckets returns a copy of the time-bucketed arrival counts,
// keyed by bucket start (unix seconds).
func (c *Collector) ArrivalBuckets() map[int64]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int64]int64, len(c.arrivals))
	for k, v := range c.arrivals {
		out[k] = v
	}

	return out
}
