// Package version holds the monotonic segment and checkpoint version counters.
//
// Counters are plain injectable values, never process globals, so several
// store instances in one process (tests especially) cannot interfere. The
// segment store resumes them from on-disk state when it opens and bumps them
// on rotation, which keeps them crash-consistent with the files they number.
package version

import "sync/atomic"

type Counters struct {
	segment    atomic.Uint64
	checkpoint atomic.Uint64
}

func NewCounters(initialSegment, initialCheckpoint uint64) *Counters {
	c := &Counters{}
	c.segment.Store(initialSegment)
	c.checkpoint.Store(initialCheckpoint)
	return c
}

func (c *Counters) CurrentSegmentVersion() uint64 {
	return c.segment.Load()
}

func (c *Counters) IncrementSegmentVersion() uint64 {
	return c.segment.Add(1)
}

func (c *Counters) SetSegmentVersion(v uint64) {
	c.segment.Store(v)
}

func (c *Counters) CurrentCheckpointVersion() uint64 {
	return c.checkpoint.Load()
}

func (c *Counters) IncrementCheckpointVersion() uint64 {
	return c.checkpoint.Add(1)
}

func (c *Counters) SetCheckpointVersion(v uint64) {
	c.checkpoint.Store(v)
}
