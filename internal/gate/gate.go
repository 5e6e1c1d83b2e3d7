// Package gate decides whether the visible surface has changed enough
// since the last observation to justify re-analysis. One Gate instance
// watches one surface; independent surfaces get independent gates.
package gate

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// FrameSource captures the current frame of the surface, scoped to roi
// when non-nil.
type FrameSource func(ctx context.Context, roi *schemas.Region) (image.Image, error)

// NewDriverSource adapts a structural driver's screenshot capability into
// a FrameSource.
func NewDriverSource(driver schemas.StructuralDriver) FrameSource {
	return func(ctx context.Context, roi *schemas.Region) (image.Image, error) {
		raw, err := driver.Screenshot(ctx, roi)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		return img, err
	}
}

// Verdict is the outcome of one gate check.
type Verdict struct {
	Changed bool
	Reason  string
	Elapsed time.Duration
	// DiffFraction is the fraction of grid cells that differed. Zero on
	// the hash fast path.
	DiffFraction float64
}

// Stats are the gate's running counters.
type Stats struct {
	TotalChecks     uint64
	ChangesDetected uint64
	CacheHits       uint64
	AvgCheckTime    time.Duration
}

// Gate holds the last observed frame for a single surface and compares
// each new frame against it. Capture failures fail open: the caller is
// told to re-analyze rather than silently act on a stale model.
type Gate struct {
	mu sync.Mutex

	logger     *zap.Logger
	source     FrameSource
	threshold  float64
	gridSize   int
	pixelDelta int

	// last is the stored fingerprint grid and its hash. Owned exclusively
	// by this gate; handed out only as copies.
	lastHash uint64
	lastGrid []byte

	totalChecks     uint64
	changesDetected uint64
	cacheHits       uint64
	totalElapsed    time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithThreshold overrides the changed-cell fraction threshold.
func WithThreshold(t float64) Option { return func(g *Gate) { g.threshold = t } }

// WithGridSize overrides the comparison grid side length.
func WithGridSize(n int) Option { return func(g *Gate) { g.gridSize = n } }

// WithPixelDelta overrides the per-cell luminance delta treated as noise.
func WithPixelDelta(d int) Option { return func(g *Gate) { g.pixelDelta = d } }

// New creates a gate over the given frame source.
func New(logger *zap.Logger, source FrameSource, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		logger:     logger.Named("gate"),
		source:     source,
		threshold:  0.001,
		gridSize:   32,
		pixelDelta: 8,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldAnalyze captures the current frame and reports whether it differs
// meaningfully from the stored one. The stored frame is replaced on every
// call so the next check is always relative to the latest frame.
// It never returns an error: capture failures report changed=true.
func (g *Gate) ShouldAnalyze(ctx context.Context, roi *schemas.Region) Verdict {
	start := time.Now()

	img, err := g.source(ctx, roi)
	if err != nil || img == nil {
		g.logger.Warn("Frame capture failed; assuming changed.", zap.Error(err))
		g.mu.Lock()
		g.recordLocked(start, true, false)
		g.mu.Unlock()
		return Verdict{Changed: true, Reason: "capture failed", Elapsed: time.Since(start)}
	}

	grid := downsample(img, g.gridSize)
	hash := hashGrid(grid)

	g.mu.Lock()
	defer g.mu.Unlock()

	prevGrid, prevHash, had := g.lastGrid, g.lastHash, g.lastGrid != nil
	g.lastGrid, g.lastHash = grid, hash

	if !had {
		g.recordLocked(start, true, false)
		return Verdict{Changed: true, Reason: "first observation", Elapsed: time.Since(start)}
	}

	// Fast path: identical content hashes, no cell comparison needed.
	if hash == prevHash {
		g.recordLocked(start, false, true)
		return Verdict{Changed: false, Reason: "hash unchanged", Elapsed: time.Since(start)}
	}

	fraction := diffFraction(prevGrid, grid, g.pixelDelta)
	changed := fraction > g.threshold
	g.recordLocked(start, changed, false)

	reason := "below threshold"
	if changed {
		reason = "grid diff above threshold"
	}
	return Verdict{
		Changed:      changed,
		Reason:       reason,
		Elapsed:      time.Since(start),
		DiffFraction: fraction,
	}
}

// recordLocked updates counters. Callers hold g.mu.
func (g *Gate) recordLocked(start time.Time, changed, cacheHit bool) {
	g.totalChecks++
	if changed {
		g.changesDetected++
	}
	if cacheHit {
		g.cacheHits++
	}
	g.totalElapsed += time.Since(start)
}

// Fingerprint returns a copy of the stored grid and its hash, for use as
// the visual component of an Observation. ok is false before the first
// successful capture.
func (g *Gate) Fingerprint() (grid []byte, hash uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastGrid == nil {
		return nil, 0, false
	}
	out := make([]byte, len(g.lastGrid))
	copy(out, g.lastGrid)
	return out, g.lastHash, true
}

// GridSize returns the configured grid side length.
func (g *Gate) GridSize() int { return g.gridSize }

// SetThreshold replaces the change threshold.
func (g *Gate) SetThreshold(t float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold = t
}

// Reset drops the stored frame and zeroes the counters.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastGrid = nil
	g.lastHash = 0
	g.totalChecks = 0
	g.changesDetected = 0
	g.cacheHits = 0
	g.totalElapsed = 0
}

// Invalidate drops only the stored frame, forcing the next check to report
// changed. Counters are kept.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastGrid = nil
	g.lastHash = 0
}

// Stats returns a snapshot of the running counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{
		TotalChecks:     g.totalChecks,
		ChangesDetected: g.changesDetected,
		CacheHits:       g.cacheHits,
	}
	if g.totalChecks > 0 {
		s.AvgCheckTime = g.totalElapsed / time.Duration(g.totalChecks)
	}
	return s
}

// downsample reduces img to an n x n grayscale grid using nearest-neighbor
// resampling. Quality does not matter here, only cost: the grid is the
// single bounded buffer the gate allocates regardless of source
// resolution.
func downsample(img image.Image, n int) []byte {
	dst := image.NewGray(image.Rect(0, 0, n, n))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	out := make([]byte, n*n)
	copy(out, dst.Pix)
	return out
}

// hashGrid computes a deterministic FNV-64a hash of the grid bytes.
func hashGrid(grid []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(grid)
	return h.Sum64()
}

// diffFraction counts grid cells whose luminance differs by more than
// delta and returns the changed fraction.
func diffFraction(a, b []byte, delta int) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1.0
	}
	changed := 0
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		if d > delta {
			changed++
		}
	}
	return float64(changed) / float64(len(a))
}
