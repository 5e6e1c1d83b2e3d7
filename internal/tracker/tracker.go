// Package tracker maintains a bounded history of observed states for one
// surface, computes diffs between consecutive states, and detects when the
// same ineffective action is being repeated.
package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// Diff is the set difference between the visible selectors of two
// observations. Used to decide whether an action had any observable
// effect.
type Diff struct {
	Added   []string
	Removed []string
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Tracker is an in-memory, single-surface state machine with two
// conceptual states: stable (no loop) and looping. The transition to
// looping is a caller-visible signal only; corrective action belongs to
// the decision layer above.
type Tracker struct {
	mu sync.Mutex

	logger    *zap.Logger
	surfaceID string
	capacity  int

	// history is a ring buffer of the most recent observations, oldest
	// evicted on overflow. Owned exclusively by this tracker.
	history []schemas.Observation
	head    int
	size    int
}

// New creates a tracker for one surface with the given ring buffer
// capacity. Capacity below 1 falls back to the default of 20.
func New(logger *zap.Logger, surfaceID string, capacity int) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity < 1 {
		capacity = 20
	}
	return &Tracker{
		logger:    logger.Named("tracker").With(zap.String("surface", surfaceID)),
		surfaceID: surfaceID,
		capacity:  capacity,
		history:   make([]schemas.Observation, capacity),
	}
}

// Observe records a new observation and returns a copy of it. The oldest
// entry is evicted when the buffer is full.
func (t *Tracker) Observe(structuralHash uint64, selectors []string, flags ...schemas.ObservationFlag) schemas.Observation {
	obs := schemas.Observation{
		SurfaceID:      t.surfaceID,
		Timestamp:      time.Now(),
		StructuralHash: structuralHash,
		Selectors:      append([]string(nil), selectors...),
		Flags:          append([]schemas.ObservationFlag(nil), flags...),
	}

	t.mu.Lock()
	t.history[(t.head+t.size)%t.capacity] = obs
	if t.size < t.capacity {
		t.size++
	} else {
		t.head = (t.head + 1) % t.capacity
	}
	t.mu.Unlock()

	return obs
}

// AnnotateLatest attaches a visual fingerprint to the most recent
// observation. No-op when nothing has been observed yet.
func (t *Tracker) AnnotateLatest(fingerprint []byte, gridSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size == 0 {
		return
	}
	idx := (t.head + t.size - 1) % t.capacity
	t.history[idx].Fingerprint = append([]byte(nil), fingerprint...)
	t.history[idx].GridSize = gridSize
}

// Latest returns the most recent observation, if any.
func (t *Tracker) Latest() (schemas.Observation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size == 0 {
		return schemas.Observation{}, false
	}
	return t.history[(t.head+t.size-1)%t.capacity], true
}

// Len returns the number of retained observations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// DetectLoop reports whether the structural hash has been identical across
// the most recent window observations. Fewer observations than the window
// is never a loop.
func (t *Tracker) DetectLoop(window int) bool {
	if window < 2 {
		window = 3
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size < window {
		return false
	}
	last := t.history[(t.head+t.size-1)%t.capacity].StructuralHash
	for i := 2; i <= window; i++ {
		obs := t.history[(t.head+t.size-i)%t.capacity]
		if obs.StructuralHash != last {
			return false
		}
	}
	t.logger.Debug("Loop detected.", zap.Int("window", window), zap.Uint64("hash", last))
	return true
}

// DiffObservations computes the selector set difference between two
// observations.
func DiffObservations(a, b schemas.Observation) Diff {
	return diffSelectors(a.Selectors, b.Selectors)
}

// DiffLatest diffs the two most recent observations. ok is false with
// fewer than two retained.
func (t *Tracker) DiffLatest() (Diff, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size < 2 {
		return Diff{}, false
	}
	prev := t.history[(t.head+t.size-2)%t.capacity]
	curr := t.history[(t.head+t.size-1)%t.capacity]
	return diffSelectors(prev.Selectors, curr.Selectors), true
}

// Reset drops all retained observations.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = 0
	t.size = 0
}

func diffSelectors(prev, curr []string) Diff {
	prevSet := make(map[string]bool, len(prev))
	for _, s := range prev {
		prevSet[s] = true
	}
	currSet := make(map[string]bool, len(curr))
	for _, s := range curr {
		currSet[s] = true
	}

	var d Diff
	for _, s := range curr {
		if !prevSet[s] {
			d.Added = append(d.Added, s)
		}
	}
	for _, s := range prev {
		if !currSet[s] {
			d.Removed = append(d.Removed, s)
		}
	}
	return d
}
