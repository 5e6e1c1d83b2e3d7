package tracker

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

func TestObserveAndLatest(t *testing.T) {
	tr := New(nil, "surface-1", 5)

	_, ok := tr.Latest()
	assert.False(t, ok)

	obs := tr.Observe(42, []string{"#a", "#b"}, schemas.FlagDismissibleOverlay)
	assert.Equal(t, "surface-1", obs.SurfaceID)
	assert.Equal(t, uint64(42), obs.StructuralHash)
	assert.True(t, obs.HasFlag(schemas.FlagDismissibleOverlay))

	latest, ok := tr.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(42), latest.StructuralHash)
	assert.Equal(t, 1, tr.Len())
}

func TestObserveEvictsOldest(t *testing.T) {
	tr := New(nil, "surface-1", 3)

	for i := 1; i <= 5; i++ {
		tr.Observe(uint64(i), []string{fmt.Sprintf("#s%d", i)})
	}

	assert.Equal(t, 3, tr.Len())
	latest, ok := tr.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(5), latest.StructuralHash)

	// Oldest two are gone: the window now holds hashes 3, 4, 5.
	assert.False(t, tr.DetectLoop(3))
}

func TestDetectLoop(t *testing.T) {
	tr := New(nil, "surface-1", 10)

	tr.Observe(7, nil)
	tr.Observe(7, nil)
	assert.False(t, tr.DetectLoop(3), "two observations cannot fill a window of three")

	tr.Observe(7, nil)
	assert.True(t, tr.DetectLoop(3))

	// A differing hash breaks the streak.
	tr.Observe(8, nil)
	assert.False(t, tr.DetectLoop(3))

	tr.Observe(8, nil)
	tr.Observe(8, nil)
	assert.True(t, tr.DetectLoop(3))
}

func TestDetectLoopAcrossEviction(t *testing.T) {
	// The loop window must keep working after the ring wraps.
	tr := New(nil, "surface-1", 3)
	for i := 0; i < 4; i++ {
		tr.Observe(99, nil)
	}
	assert.True(t, tr.DetectLoop(3))
}

func TestDefaultCapacity(t *testing.T) {
	tr := New(nil, "surface-1", 0)
	for i := 0; i < 25; i++ {
		tr.Observe(uint64(i), nil)
	}
	assert.Equal(t, 20, tr.Len())
}

func TestDiffLatest(t *testing.T) {
	tr := New(nil, "surface-1", 5)

	_, ok := tr.DiffLatest()
	assert.False(t, ok)

	tr.Observe(1, []string{"#keep", "#gone"})
	tr.Observe(2, []string{"#keep", "#new"})

	diff, ok := tr.DiffLatest()
	require.True(t, ok)
	want := Diff{Added: []string{"#new"}, Removed: []string{"#gone"}}
	assert.Empty(t, cmp.Diff(want, diff))
	assert.False(t, diff.Empty())
}

func TestAnnotateLatest(t *testing.T) {
	tr := New(nil, "surface-1", 5)

	tr.AnnotateLatest([]byte{1, 2}, 2)
	_, ok := tr.Latest()
	assert.False(t, ok, "annotating an empty tracker is a no-op")

	tr.Observe(1, nil)
	grid := []byte{9, 9, 9, 9}
	tr.AnnotateLatest(grid, 2)

	latest, ok := tr.Latest()
	require.True(t, ok)
	assert.Equal(t, grid, latest.Fingerprint)
	assert.Equal(t, 2, latest.GridSize)

	// The stored fingerprint is a copy.
	grid[0] = 0
	latest, _ = tr.Latest()
	assert.Equal(t, byte(9), latest.Fingerprint[0])
}

func TestDiffObservationsEmpty(t *testing.T) {
	a := schemas.Observation{Selectors: []string{"#x"}}
	b := schemas.Observation{Selectors: []string{"#x"}}
	assert.True(t, DiffObservations(a, b).Empty())
}

func TestReset(t *testing.T) {
	tr := New(nil, "surface-1", 5)
	tr.Observe(1, nil)
	tr.Observe(1, nil)
	tr.Observe(1, nil)
	require.True(t, tr.DetectLoop(3))

	tr.Reset()

	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.DetectLoop(3))
	_, ok := tr.Latest()
	assert.False(t, ok)
}

func TestObservationsAreCopies(t *testing.T) {
	tr := New(nil, "surface-1", 5)
	selectors := []string{"#a"}
	obs := tr.Observe(1, selectors)

	selectors[0] = "#mutated"
	latest, _ := tr.Latest()
	assert.Equal(t, []string{"#a"}, latest.Selectors)
	assert.Equal(t, []string{"#a"}, obs.Selectors)
}
