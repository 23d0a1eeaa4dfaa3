// Package aggregate folds per-frame results into session-wide peaks.
package aggregate

import (
	"maps"
	"sync"
)

// SessionAggregate holds the peaks observed over a session.
type SessionAggregate struct {
	PeakOccupancy    int            `json:"total_count"`
	PeakClassSummary map[string]int `json:"summary"`
}

// RunningMax tracks the peak zone occupancy and, independently, the peak
// count of every class label seen so far. Safe for concurrent use.
type RunningMax struct {
	mu        sync.RWMutex
	occupancy int
	classes   map[string]int
	frames    uint64
}

// NewRunningMax returns an aggregator with no frames folded in.
func NewRunningMax() *RunningMax {
	return &RunningMax{classes: make(map[string]int)}
}

// Update folds one frame into the peaks. Labels absent from frameSummary keep
// their previous peak.
func (r *RunningMax) Update(occupancy int, frameSummary map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.occupancy = max(r.occupancy, occupancy)
	for label, count := range frameSummary {
		r.classes[label] = max(r.classes[label], count)
	}
	r.frames++
}

// Snapshot returns a copy of the current peaks that later updates cannot touch.
func (r *RunningMax) Snapshot() SessionAggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return SessionAggregate{
		PeakOccupancy:    r.occupancy,
		PeakClassSummary: maps.Clone(r.classes),
	}
}

// Frames returns the number of updates folded in.
func (r *RunningMax) Frames() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frames
}

// Reset clears all peaks.
func (r *RunningMax) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.occupancy = 0
	r.classes = make(map[string]int)
	r.frames = 0
}
