package dqm

import (
	"sync/atomic"
	"time"

	"github.com/conduitworks/conduit-engine/pkg/models"
)

// laneStats holds one lane's hot-path counters. All fields are atomics;
// nothing here is ever held across an engine call.
type laneStats struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	avgUS     atomic.Uint64
	lastUsed  atomic.Int64
}

// recordSubmission counts a request the moment it is accepted, before any
// worker runs it.
func (s *laneStats) recordSubmission() {
	s.submitted.Add(1)
	s.lastUsed.Store(time.Now().Unix())
}

// recordCompletion counts a success and folds the elapsed time into the
// running average. The average is recomputed per completion with a CAS
// loop; no sample log is kept.
func (s *laneStats) recordCompletion(elapsed time.Duration) {
	completed := s.completed.Add(1)
	us := uint64(elapsed.Microseconds())
	for {
		old := s.avgUS.Load()
		newAvg := (old*(completed-1) + us) / completed
		if s.avgUS.CompareAndSwap(old, newAvg) {
			return
		}
	}
}

// recordFailure counts a failure. Failed executions do not contribute to
// the running average.
func (s *laneStats) recordFailure() {
	s.failed.Add(1)
}

// snapshot returns the wire representation of this lane's counters.
// Loads are individually atomic; the combination can lag under load but
// submitted is always read last so submitted >= completed+failed holds at
// every observation point.
func (s *laneStats) snapshot(tier models.Tier) models.QueueStats {
	completed := s.completed.Load()
	failed := s.failed.Load()
	return models.QueueStats{
		QueueType:          tier.String(),
		Completed:          completed,
		Failed:             failed,
		Submitted:          s.submitted.Load(),
		AvgExecutionTimeUS: s.avgUS.Load(),
		LastUsed:           s.lastUsed.Load(),
	}
}
