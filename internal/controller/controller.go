// Package controller arbitrates, per action, between structural execution
// (DOM selector through the driver) and perceptual execution (vision model
// locate plus coordinate input). Structural is fast, free and precise, so
// it always gets the first attempt.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/api/schemas"
	"github.com/xkilldash9x/steadyhand/internal/indexer"
)

// Stats are the controller's running execution counters.
type Stats struct {
	StructuralActions uint64
	PerceptualActions uint64
	Fallbacks         uint64
}

// Config tunes one controller instance.
type Config struct {
	// StructuralTimeout bounds a single structural driver attempt.
	StructuralTimeout time.Duration
	// MinLocateConfidence is the floor below which a perceptual locate is
	// treated as target-not-found.
	MinLocateConfidence float64
	// OverlaySelectors are known dismissible obstructions attempted once
	// before the first action on the surface.
	OverlaySelectors []string
}

// Controller executes actions against one surface. It never panics across
// its boundary: both paths failing is reported as a failure Outcome the
// caller can retry, reroute or abort on.
type Controller struct {
	logger     *zap.Logger
	driver     schemas.StructuralDriver
	perception schemas.PerceptionBackend
	input      schemas.InputBackend
	cfg        Config

	mu              sync.Mutex
	stats           Stats
	overlaysHandled bool
}

// New creates a controller over the three external capabilities.
// perception and input may be nil, in which case the perceptual path is
// unavailable and structural misses are terminal.
func New(logger *zap.Logger, driver schemas.StructuralDriver, perception schemas.PerceptionBackend, input schemas.InputBackend, cfg Config) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StructuralTimeout <= 0 {
		cfg.StructuralTimeout = 2 * time.Second
	}
	if cfg.MinLocateConfidence <= 0 {
		cfg.MinLocateConfidence = 0.5
	}
	return &Controller{
		logger:     logger.Named("controller"),
		driver:     driver,
		perception: perception,
		input:      input,
		cfg:        cfg,
	}
}

// Execute runs one action. The decision gate: if a structural target
// matching the action exists, execute through the driver with a bounded
// timeout; otherwise, or when the structural attempt fails, fall back to
// perception plus coordinate input.
func (c *Controller) Execute(ctx context.Context, action schemas.Action) schemas.Outcome {
	start := time.Now()

	c.dismissOverlays(ctx)

	var preHash uint64
	if action.Expected != nil {
		if markup, err := c.driver.Markup(ctx); err == nil {
			preHash = indexer.HashMarkup(markup)
		}
	}

	outcome := c.executeOnce(ctx, action)
	outcome.Elapsed = time.Since(start)

	if action.Expected != nil && outcome.Success {
		verified := c.checkExpectation(ctx, *action.Expected, preHash)
		outcome.Verified = &verified
	}
	return outcome
}

func (c *Controller) executeOnce(ctx context.Context, action schemas.Action) schemas.Outcome {
	// Scroll needs no target resolution and goes straight to the input
	// backend.
	if action.Op == schemas.OpScroll {
		return c.scroll(ctx, action)
	}

	node, found, resolveErr := c.resolveStructural(ctx, action.Target)
	if resolveErr != nil {
		c.logger.Debug("Structural resolution failed.", zap.String("target", action.Target), zap.Error(resolveErr))
	}

	if found {
		err := c.executeStructural(ctx, action, node)
		if err == nil {
			c.count(func(s *Stats) { s.StructuralActions++ })
			return schemas.Outcome{Method: schemas.ExecStructural, Success: true}
		}
		c.logger.Debug("Structural execution failed; falling back to perception.",
			zap.String("target", action.Target), zap.Error(err))
	}

	// Structural target missing or the attempt raised/timed out.
	return c.executePerceptual(ctx, action)
}

// resolveStructural asks the current element index whether a target
// matching the action exists: by explicit selector first, then by text,
// then by role.
func (c *Controller) resolveStructural(ctx context.Context, target string) (schemas.Node, bool, error) {
	if target == "" {
		return schemas.Node{}, false, nil
	}

	// Selector-shaped targets go straight to the driver.
	if looksLikeSelector(target) {
		nodes, err := c.driver.QueryAll(ctx, target)
		if err != nil {
			return schemas.Node{}, false, err
		}
		if len(nodes) > 0 {
			return nodes[0], true, nil
		}
		return schemas.Node{}, false, nil
	}

	markup, err := c.driver.Markup(ctx)
	if err != nil {
		return schemas.Node{}, false, fmt.Errorf("%w: %v", schemas.ErrCaptureFailure, err)
	}
	elements, err := indexer.Parse(markup)
	if err != nil {
		return schemas.Node{}, false, err
	}

	matches := indexer.FindByText(elements, target, true)
	if len(matches) == 0 {
		matches = indexer.FindByRole(elements, target)
	}
	if len(matches) == 0 {
		return schemas.Node{}, false, nil
	}

	nodes, err := c.driver.QueryAll(ctx, matches[0].Selector)
	if err != nil {
		return schemas.Node{}, false, err
	}
	if len(nodes) == 0 {
		return schemas.Node{}, false, nil
	}
	return nodes[0], true, nil
}

func (c *Controller) executeStructural(ctx context.Context, action schemas.Action, node schemas.Node) error {
	actionCtx, cancel := context.WithTimeout(ctx, c.cfg.StructuralTimeout)
	defer cancel()

	var err error
	switch action.Op {
	case schemas.OpClick:
		err = c.driver.Click(actionCtx, node)
	case schemas.OpType:
		err = c.driver.Fill(actionCtx, node, action.Text)
	default:
		return fmt.Errorf("%w: op %q has no structural path", schemas.ErrExecutionFailure, action.Op)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", schemas.ErrExecutionFailure, err)
	}
	return nil
}

// executePerceptual locates the described target from a screenshot and
// drives it through low level coordinate input.
func (c *Controller) executePerceptual(ctx context.Context, action schemas.Action) schemas.Outcome {
	fail := func(err error) schemas.Outcome {
		c.count(func(s *Stats) { s.Fallbacks++ })
		return schemas.Outcome{
			Method:   schemas.ExecPerceptual,
			FellBack: true,
			Err:      err.Error(),
		}
	}

	if c.perception == nil || c.input == nil {
		return fail(fmt.Errorf("%w: no perceptual path configured for %q", schemas.ErrTargetNotFound, action.Target))
	}

	img, err := c.driver.Screenshot(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", schemas.ErrCaptureFailure, err))
	}

	located, err := c.perception.Locate(ctx, img, action.Description())
	if err != nil {
		return fail(fmt.Errorf("%w: locate: %v", schemas.ErrExecutionFailure, err))
	}
	if located.Confidence < c.cfg.MinLocateConfidence {
		return fail(fmt.Errorf("%w: %q located at confidence %.2f, below %.2f",
			schemas.ErrTargetNotFound, action.Target, located.Confidence, c.cfg.MinLocateConfidence))
	}

	if err := c.input.MoveTo(ctx, located.Point.X, located.Point.Y); err != nil {
		return fail(fmt.Errorf("%w: move: %v", schemas.ErrExecutionFailure, err))
	}
	switch action.Op {
	case schemas.OpClick:
		err = c.input.Click(ctx, located.Point.X, located.Point.Y)
	case schemas.OpType:
		// Focus the field first, then type.
		if err = c.input.Click(ctx, located.Point.X, located.Point.Y); err == nil {
			err = c.input.TypeText(ctx, action.Text)
		}
	default:
		err = fmt.Errorf("op %q has no perceptual path", action.Op)
	}
	if err != nil {
		return fail(fmt.Errorf("%w: %v", schemas.ErrExecutionFailure, err))
	}

	c.count(func(s *Stats) { s.PerceptualActions++; s.Fallbacks++ })
	return schemas.Outcome{Method: schemas.ExecPerceptual, Success: true, FellBack: true}
}

func (c *Controller) scroll(ctx context.Context, action schemas.Action) schemas.Outcome {
	if c.input == nil {
		return schemas.Outcome{
			Method: schemas.ExecStructural,
			Err:    fmt.Errorf("%w: no input backend for scroll", schemas.ErrExecutionFailure).Error(),
		}
	}
	if err := c.input.Scroll(ctx, action.DX, action.DY); err != nil {
		return schemas.Outcome{
			Method: schemas.ExecStructural,
			Err:    fmt.Errorf("%w: scroll: %v", schemas.ErrExecutionFailure, err).Error(),
		}
	}
	c.count(func(s *Stats) { s.StructuralActions++ })
	return schemas.Outcome{Method: schemas.ExecStructural, Success: true}
}

// dismissOverlays proactively clicks known transient obstructions before
// the first action on the surface. Best effort: failures are logged and
// ignored.
func (c *Controller) dismissOverlays(ctx context.Context) {
	c.mu.Lock()
	if c.overlaysHandled || len(c.cfg.OverlaySelectors) == 0 {
		c.mu.Unlock()
		return
	}
	c.overlaysHandled = true
	c.mu.Unlock()

	for _, selector := range c.cfg.OverlaySelectors {
		overlayCtx, cancel := context.WithTimeout(ctx, c.cfg.StructuralTimeout)
		nodes, err := c.driver.QueryAll(overlayCtx, selector)
		if err == nil && len(nodes) > 0 {
			if err := c.driver.Click(overlayCtx, nodes[0]); err == nil {
				c.logger.Info("Dismissed overlay.", zap.String("selector", selector))
			}
		}
		cancel()
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
	}
}

// ResetOverlayState re-arms overlay dismissal, for reuse of the controller
// after navigation to a new surface.
func (c *Controller) ResetOverlayState() {
	c.mu.Lock()
	c.overlaysHandled = false
	c.mu.Unlock()
}

func (c *Controller) checkExpectation(ctx context.Context, expected schemas.ExpectedOutcome, preHash uint64) bool {
	markup, err := c.driver.Markup(ctx)
	if err != nil {
		return false
	}
	if expected.ScreenChanged && indexer.HashMarkup(markup) == preHash {
		return false
	}
	if expected.MarkupContains != "" && !strings.Contains(markup, expected.MarkupContains) {
		return false
	}
	return true
}

// Stats returns a snapshot of the running counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) count(update func(*Stats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}

// looksLikeSelector reports whether target is a CSS selector or XPath
// rather than human-readable text.
func looksLikeSelector(target string) bool {
	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, ".") ||
		strings.HasPrefix(target, "/") || strings.HasPrefix(target, "(") {
		return true
	}
	return strings.ContainsAny(target, "[]>") && !strings.Contains(target, " ")
}
