package gate

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// solidFrame builds a uniform frame of the given shade.
func solidFrame(shade uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, 640, 480))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	return img
}

// frameWithPatch builds a frame with one bright rectangle on a dark field.
func frameWithPatch(x0, y0, x1, y1 int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			c := color.RGBA{A: 255}
			if x >= x0 && x < x1 && y >= y0 && y < y1 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

// staticSource always returns the same frame.
func staticSource(img image.Image) FrameSource {
	return func(ctx context.Context, roi *schemas.Region) (image.Image, error) {
		return img, nil
	}
}

// sequenceSource returns frames in order, repeating the last one.
func sequenceSource(frames ...image.Image) FrameSource {
	i := 0
	return func(ctx context.Context, roi *schemas.Region) (image.Image, error) {
		if i >= len(frames) {
			return frames[len(frames)-1], nil
		}
		f := frames[i]
		i++
		return f, nil
	}
}

func TestShouldAnalyzeFirstObservationAlwaysChanged(t *testing.T) {
	g := New(nil, staticSource(solidFrame(40)))

	verdict := g.ShouldAnalyze(context.Background(), nil)
	assert.True(t, verdict.Changed)
	assert.Equal(t, "first observation", verdict.Reason)
}

func TestShouldAnalyzeIdenticalFrameIsUnchanged(t *testing.T) {
	g := New(nil, staticSource(solidFrame(40)))

	first := g.ShouldAnalyze(context.Background(), nil)
	require.True(t, first.Changed)

	// Same frame again: the hash fast path must report no change.
	second := g.ShouldAnalyze(context.Background(), nil)
	assert.False(t, second.Changed)
	assert.Equal(t, "hash unchanged", second.Reason)

	third := g.ShouldAnalyze(context.Background(), nil)
	assert.False(t, third.Changed)

	stats := g.Stats()
	assert.Equal(t, uint64(3), stats.TotalChecks)
	assert.Equal(t, uint64(1), stats.ChangesDetected)
	assert.Equal(t, uint64(2), stats.CacheHits)
}

func TestShouldAnalyzeDetectsLargeChange(t *testing.T) {
	g := New(nil, sequenceSource(solidFrame(20), solidFrame(220)))

	require.True(t, g.ShouldAnalyze(context.Background(), nil).Changed)

	verdict := g.ShouldAnalyze(context.Background(), nil)
	assert.True(t, verdict.Changed)
	assert.Equal(t, "grid diff above threshold", verdict.Reason)
	assert.Greater(t, verdict.DiffFraction, 0.9)
}

func TestShouldAnalyzeSmallChangeBelowThreshold(t *testing.T) {
	// One 20x15 patch out of 640x480 covers a single grid cell. With the
	// threshold raised above one cell's fraction, the change is noise.
	base := frameWithPatch(0, 0, 0, 0)
	tweaked := frameWithPatch(0, 0, 20, 15)

	g := New(nil, sequenceSource(base, tweaked), WithThreshold(0.05))

	require.True(t, g.ShouldAnalyze(context.Background(), nil).Changed)

	verdict := g.ShouldAnalyze(context.Background(), nil)
	assert.False(t, verdict.Changed)
	assert.Equal(t, "below threshold", verdict.Reason)
	assert.Greater(t, verdict.DiffFraction, 0.0)
}

func TestShouldAnalyzeFailsOpenOnCaptureError(t *testing.T) {
	calls := 0
	source := func(ctx context.Context, roi *schemas.Region) (image.Image, error) {
		calls++
		return nil, errors.New("target closed")
	}
	g := New(nil, source)

	verdict := g.ShouldAnalyze(context.Background(), nil)
	assert.True(t, verdict.Changed)
	assert.Equal(t, "capture failed", verdict.Reason)
	assert.Equal(t, 1, calls)
}

func TestInvalidateForcesNextCheckChanged(t *testing.T) {
	g := New(nil, staticSource(solidFrame(128)))

	require.True(t, g.ShouldAnalyze(context.Background(), nil).Changed)
	require.False(t, g.ShouldAnalyze(context.Background(), nil).Changed)

	g.Invalidate()

	verdict := g.ShouldAnalyze(context.Background(), nil)
	assert.True(t, verdict.Changed)
	assert.Equal(t, "first observation", verdict.Reason)
}

func TestFingerprintReturnsBoundedCopy(t *testing.T) {
	g := New(nil, staticSource(solidFrame(99)), WithGridSize(16))

	_, _, ok := g.Fingerprint()
	assert.False(t, ok, "no fingerprint before the first capture")

	g.ShouldAnalyze(context.Background(), nil)

	grid, hash, ok := g.Fingerprint()
	require.True(t, ok)
	assert.Len(t, grid, 16*16)
	assert.NotZero(t, hash)

	// The returned grid is a copy; mutating it must not affect the gate.
	grid[0] = ^grid[0]
	verdict := g.ShouldAnalyze(context.Background(), nil)
	assert.False(t, verdict.Changed)
}

func TestResetDropsStateAndCounters(t *testing.T) {
	g := New(nil, staticSource(solidFrame(10)))
	g.ShouldAnalyze(context.Background(), nil)
	g.ShouldAnalyze(context.Background(), nil)

	g.Reset()

	assert.Equal(t, Stats{}, g.Stats())
	assert.True(t, g.ShouldAnalyze(context.Background(), nil).Changed)
}

func TestDiffFractionMismatchedGridsIsFullChange(t *testing.T) {
	assert.Equal(t, 1.0, diffFraction([]byte{1, 2}, []byte{1, 2, 3}, 8))
	assert.Equal(t, 1.0, diffFraction(nil, []byte{1}, 8))
}
