package messaging

import (
	"sync"
	"sync/atomic"
)

// Outcome classifies what happened to one handler attempt
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// TypeStats holds the counters of one message type.
// Processed = Succeeded + Failed and Retried = Failed - DeadLettered.
type TypeStats struct {
	Processed    int64 `json:"processed"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"deadLettered"`
	Retried      int64 `json:"retried"`
}

// StatsSnapshot is a point-in-time copy of all counters, keyed by message type
type StatsSnapshot map[string]TypeStats

type typeCounters struct {
	succeeded    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// StatsCollector counts attempt outcomes per message type.
// Recording only holds the read lock; Snapshot takes the write lock so it
// never observes half of a multi-outcome record.
type StatsCollector struct {
	mu       sync.RWMutex
	counters map[string]*typeCounters
}

// NewStatsCollector creates an empty collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		counters: make(map[string]*typeCounters),
	}
}

// Record adds one to each given outcome for typeID atomically with respect
// to Snapshot. A dead-lettered attempt is recorded as
// Record(t, OutcomeFailed, OutcomeDeadLettered).
func (c *StatsCollector) Record(typeID string, outcomes ...Outcome) {
	c.mu.RLock()
	tc, ok := c.counters[typeID]
	if !ok {
		c.mu.RUnlock()
		c.mu.Lock()
		if tc, ok = c.counters[typeID]; !ok {
			tc = &typeCounters{}
			c.counters[typeID] = tc
		}
		c.mu.Unlock()
		c.mu.RLock()
	}
	defer c.mu.RUnlock()

	for _, outcome := range outcomes {
		switch outcome {
		case OutcomeSucceeded:
			tc.succeeded.Add(1)
		case OutcomeFailed:
			tc.failed.Add(1)
		case OutcomeDeadLettered:
			tc.deadLettered.Add(1)
		}
	}
}

// Snapshot returns a copy of the counters. Later records do not affect it.
func (c *StatsCollector) Snapshot() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(StatsSnapshot, len(c.counters))
	for typeID, tc := range c.counters {
		succeeded := tc.succeeded.Load()
		failed := tc.failed.Load()
		deadLettered := tc.deadLettered.Load()

		snapshot[typeID] = TypeStats{
			Processed:    succeeded + failed,
			Succeeded:    succeeded,
			Failed:       failed,
			DeadLettered: deadLettered,
			Retried:      failed - deadLettered,
		}
	}
	return snapshot
}

// Reset zeroes every counter. Types seen before stay in later snapshots.
func (c *StatsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tc := range c.counters {
		tc.succeeded.Store(0)
		tc.failed.Store(0)
		tc.deadLettered.Store(0)
	}
}
