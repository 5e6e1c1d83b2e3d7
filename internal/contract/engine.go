// Package contract is the highest layer of the engine. It accepts a
// declarative description of what should be on screen (anchors plus
// targets) and a declarative action plan, executes the plan through the
// decision controller with pre and post condition verification, and
// returns structured results. Failures are caught at the step where they
// occur instead of silently compounding.
package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/steadyhand/api/schemas"
	"github.com/xkilldash9x/steadyhand/internal/controller"
	"github.com/xkilldash9x/steadyhand/internal/gate"
	"github.com/xkilldash9x/steadyhand/internal/indexer"
	"github.com/xkilldash9x/steadyhand/internal/tracker"
)

// Config tunes one contract engine instance.
type Config struct {
	// StepTimeout is the default per-step deadline.
	StepTimeout time.Duration
	// Retry is the explicit bounded retry policy applied when a step's
	// post-conditions fail.
	Retry schemas.RetryPolicy
	// MinConfidence is the default confidence floor for anchors, targets
	// and conditions.
	MinConfidence float64
	// LoopWindow is the trailing window inspected for repetition.
	LoopWindow int
	// LoopRecoveryThreshold is the number of consecutive loop signals
	// after which the engine forces a full re-analysis.
	LoopRecoveryThreshold int
}

func (c *Config) applyDefaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Second
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Backoff < 0 {
		c.Retry.Backoff = 0
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.LoopWindow < 2 {
		c.LoopWindow = 3
	}
	if c.LoopRecoveryThreshold < 1 {
		c.LoopRecoveryThreshold = 3
	}
}

// Engine drives one surface. Steps for the same surface execute strictly
// sequentially; independent surfaces get independent engines (see
// Manager).
type Engine struct {
	logger     *zap.Logger
	surfaceID  string
	driver     schemas.StructuralDriver
	perception schemas.PerceptionBackend
	gate       *gate.Gate
	tracker    *tracker.Tracker
	controller *controller.Controller
	cfg        Config

	// cached is the last ScreenState, reused while the gate reports the
	// surface unchanged. Handed out by value; never mutated in place.
	cached     *schemas.ScreenState
	loopStreak int
}

// New assembles an engine for one surface from its collaborating
// components.
func New(
	logger *zap.Logger,
	surfaceID string,
	driver schemas.StructuralDriver,
	perception schemas.PerceptionBackend,
	g *gate.Gate,
	tr *tracker.Tracker,
	ctrl *controller.Controller,
	cfg Config,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Engine{
		logger:     logger.Named("contract").With(zap.String("surface", surfaceID)),
		surfaceID:  surfaceID,
		driver:     driver,
		perception: perception,
		gate:       g,
		tracker:    tr,
		controller: ctrl,
		cfg:        cfg,
	}
}

// AnalyzeState evaluates the given anchors and requested targets against
// the live surface and assembles a ScreenState. When the change gate
// reports the surface unchanged, the cached state is returned without
// re-invoking the indexer or perception.
func (e *Engine) AnalyzeState(ctx context.Context, anchors []schemas.ScreenAnchor, targets []string) (schemas.ScreenState, error) {
	verdict := e.gate.ShouldAnalyze(ctx, nil)
	if !verdict.Changed && e.cached != nil {
		e.logger.Debug("Surface unchanged; returning cached state.",
			zap.String("state", e.cached.ID), zap.Duration("gate", verdict.Elapsed))
		return *e.cached, nil
	}

	state := schemas.ScreenState{
		ID:        uuid.NewString(),
		SurfaceID: e.surfaceID,
		Timestamp: time.Now(),
	}

	markup, err := e.driver.Markup(ctx)
	if err != nil {
		// Capture failure is never silent: the caller gets a state that
		// says so, with every requested target missing.
		e.logger.Warn("Markup capture failed during analysis.", zap.Error(err))
		state.Warnings = append(state.Warnings, fmt.Sprintf("markup capture failed: %v", err))
		state.Missing = append(state.Missing, targets...)
		for _, a := range anchors {
			state.Anchors = append(state.Anchors, schemas.AnchorResult{Anchor: a})
		}
		e.cached = &state
		return state, nil
	}

	elements, err := indexer.Parse(markup)
	if err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("markup parse failed: %v", err))
	}

	state.Anchors = e.evaluateAnchors(ctx, anchors, markup, elements)

	// Resolve each requested target structurally first. Targets the index
	// cannot account for get one perceptual pass before landing in Missing,
	// so analysis and execution agree about what exists. Missing and
	// Elements stay disjoint by name.
	var unresolved []string
	for _, target := range targets {
		el, ok := resolveTarget(elements, target)
		if ok && el.Confidence >= e.cfg.MinConfidence {
			state.Elements = append(state.Elements, el)
		} else {
			unresolved = append(unresolved, target)
		}
	}
	if len(unresolved) > 0 {
		perceived := e.perceiveElements(ctx, &state)
		for _, target := range unresolved {
			el, ok := resolveTarget(perceived, target)
			if ok && el.Confidence >= e.cfg.MinConfidence {
				el.Method = schemas.MethodPerceptual
				state.Elements = append(state.Elements, el)
			} else {
				state.Missing = append(state.Missing, target)
			}
		}
	}
	// Elements discovered but not requested are still useful to callers.
	for _, el := range elements {
		if !containsElement(state.Elements, el.ID) && len(targets) == 0 {
			state.Elements = append(state.Elements, el)
		}
	}

	e.recordObservation(markup, elements, &state)

	e.cached = &state
	return state, nil
}

// evaluateAnchors checks every anchor concurrently. Anchors are
// independent assertions, and the perceptual fallback is slow enough that
// serializing them would dominate analysis time.
func (e *Engine) evaluateAnchors(ctx context.Context, anchors []schemas.ScreenAnchor, markup string, elements []schemas.InteractiveElement) []schemas.AnchorResult {
	if len(anchors) == 0 {
		return nil
	}

	results := make([]schemas.AnchorResult, len(anchors))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, anchor := range anchors {
		group.Go(func() error {
			results[i] = e.evaluateAnchor(groupCtx, anchor, markup, elements)
			return nil
		})
	}
	// Evaluators never return errors; failures are captured per result.
	_ = group.Wait()
	return results
}

func (e *Engine) evaluateAnchor(ctx context.Context, anchor schemas.ScreenAnchor, markup string, elements []schemas.InteractiveElement) schemas.AnchorResult {
	result := schemas.AnchorResult{Anchor: anchor}

	switch anchor.Type {
	case schemas.AnchorElement:
		nodes, err := e.driver.QueryAll(ctx, anchor.Selector)
		if err == nil && len(nodes) > 0 {
			result.Found = true
			result.Confidence = 1.0
			bounds := nodes[0].Bounds
			result.Location = &bounds
		}
		return result

	case schemas.AnchorText:
		if visibleTextContains(markup, anchor.Text) {
			result.Found = true
			result.Confidence = 1.0
			return result
		}
		if matches := indexer.FindByText(elements, anchor.Text, true); len(matches) > 0 {
			result.Found = true
			result.Confidence = matches[0].Confidence
			bounds := matches[0].Bounds
			result.Location = &bounds
			return result
		}
		// Structural lookup came up empty; fall back to perceptual text
		// search when a backend is available.
		return e.perceptualAnchor(ctx, anchor, result)

	case schemas.AnchorTemplate:
		return e.perceptualAnchor(ctx, anchor, result)
	}
	return result
}

// perceiveElements enumerates the surface through the perception backend
// when structural resolution left targets open. Best effort: failures are
// recorded as warnings, never returned as errors.
func (e *Engine) perceiveElements(ctx context.Context, state *schemas.ScreenState) []schemas.InteractiveElement {
	if e.perception == nil {
		return nil
	}
	img, err := e.driver.Screenshot(ctx, nil)
	if err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("screenshot failed: %v", err))
		return nil
	}
	perceived, err := e.perception.DescribeRegion(ctx, img)
	if err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("perceptual description failed: %v", err))
		return nil
	}
	return perceived
}

func (e *Engine) perceptualAnchor(ctx context.Context, anchor schemas.ScreenAnchor, result schemas.AnchorResult) schemas.AnchorResult {
	if e.perception == nil {
		return result
	}
	img, err := e.driver.Screenshot(ctx, anchor.Near)
	if err != nil {
		return result
	}
	located, err := e.perception.Locate(ctx, img, anchor.Text)
	if err != nil || located.Confidence < e.cfg.MinConfidence {
		return result
	}
	result.Found = true
	result.Confidence = located.Confidence
	result.Location = &schemas.Region{X: located.Point.X, Y: located.Point.Y}
	return result
}

// recordObservation feeds the tracker and applies loop recovery: after
// enough consecutive loop signals the gate cache is invalidated so the
// next analysis starts from scratch.
func (e *Engine) recordObservation(markup string, elements []schemas.InteractiveElement, state *schemas.ScreenState) {
	selectors := make([]string, 0, len(elements))
	var flags []schemas.ObservationFlag
	for _, el := range elements {
		selectors = append(selectors, el.Selector)
		if isDismissControl(el) {
			flags = []schemas.ObservationFlag{schemas.FlagDismissibleOverlay}
		}
	}
	e.tracker.Observe(indexer.HashMarkup(markup), selectors, flags...)
	if grid, _, ok := e.gate.Fingerprint(); ok {
		e.tracker.AnnotateLatest(grid, e.gate.GridSize())
	}

	if e.tracker.DetectLoop(e.cfg.LoopWindow) {
		e.loopStreak++
		state.Warnings = append(state.Warnings,
			fmt.Sprintf("surface repeated %d consecutive times", e.loopStreak))
		if e.loopStreak >= e.cfg.LoopRecoveryThreshold {
			e.logger.Warn("Loop threshold reached; forcing full re-analysis.",
				zap.Int("streak", e.loopStreak))
			e.gate.Invalidate()
			e.cached = nil
			e.loopStreak = 0
			state.Warnings = append(state.Warnings, "forced full re-analysis")
		}
	} else {
		e.loopStreak = 0
	}
}

// Stats exposes the decision controller's counters for observability.
func (e *Engine) Stats() controller.Stats {
	return e.controller.Stats()
}

// resolveTarget finds the element matching a requested target name: by
// element id, by text (fuzzy), then by role.
func resolveTarget(elements []schemas.InteractiveElement, target string) (schemas.InteractiveElement, bool) {
	for _, el := range elements {
		if el.ID == target || el.Selector == target {
			return el, true
		}
	}
	if matches := indexer.FindByText(elements, target, true); len(matches) > 0 {
		return matches[0], true
	}
	if matches := indexer.FindByRole(elements, target); len(matches) > 0 {
		return matches[0], true
	}
	return schemas.InteractiveElement{}, false
}

func containsElement(elements []schemas.InteractiveElement, id string) bool {
	for _, el := range elements {
		if el.ID == id {
			return true
		}
	}
	return false
}

// isDismissControl heuristically flags elements that belong to consent
// banners or similar transient overlays.
func isDismissControl(el schemas.InteractiveElement) bool {
	t := el.MatchText
	return strings.Contains(t, "accept all") ||
		strings.Contains(t, "accept cookies") ||
		strings.Contains(t, "i agree") ||
		strings.Contains(t, "got it")
}

// visibleTextContains reports whether the markup's text content contains
// the needle, case folded. Tags are stripped crudely; the indexer handles
// precise extraction, this is the cheap pre-check.
func visibleTextContains(markup, needle string) bool {
	folded := schemas.FoldText(needle)
	if folded == "" {
		return false
	}
	return strings.Contains(schemas.FoldText(stripTags(markup)), folded)
}

func stripTags(markup string) string {
	var b strings.Builder
	b.Grow(len(markup) / 2)
	inTag := false
	for _, r := range markup {
		switch {
		case r == '<':
			inTag = true
			b.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
