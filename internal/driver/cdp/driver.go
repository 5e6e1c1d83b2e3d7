// Package cdp implements the structural driver and low level input backend
// over a Chrome DevTools Protocol session.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// Driver drives one browser tab. It implements schemas.StructuralDriver
// and schemas.InputBackend over the same session, so structural and
// perceptual execution share a single surface.
type Driver struct {
	logger *zap.Logger
	// ctx is the chromedp session context for the tab this driver owns.
	ctx context.Context
}

// NewDriver wraps an existing chromedp session context.
func NewDriver(logger *zap.Logger, sessionCtx context.Context) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		logger: logger.Named("cdp"),
		ctx:    sessionCtx,
	}
}

// Navigate loads a URL and waits for the body to be ready.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := d.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// QueryAll returns every node matching the selector. XPath selectors
// (leading "/" or "(") use CDP search; everything else is a CSS query.
// An empty result is not an error.
func (d *Driver) QueryAll(ctx context.Context, selector string) ([]schemas.Node, error) {
	var nodes []*cdpruntime.Node
	opts := queryOption(selector)

	// AtLeast(0) keeps an empty match from blocking until timeout.
	if err := d.run(ctx, chromedp.Nodes(selector, &nodes, opts, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}

	out := make([]schemas.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, schemas.Node{
			Selector:  selector,
			BackendID: int64(n.BackendNodeID),
		})
	}
	return out, nil
}

// Click clicks the node through its originating selector.
func (d *Driver) Click(ctx context.Context, node schemas.Node) error {
	if err := d.run(ctx, chromedp.Click(node.Selector, queryOption(node.Selector), chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("clicking %q: %w", node.Selector, err)
	}
	return nil
}

// Fill clears the node and types text into it.
func (d *Driver) Fill(ctx context.Context, node schemas.Node, text string) error {
	opts := queryOption(node.Selector)
	if err := d.run(ctx,
		chromedp.Clear(node.Selector, opts),
		chromedp.SendKeys(node.Selector, text, opts),
	); err != nil {
		return fmt.Errorf("filling %q: %w", node.Selector, err)
	}
	return nil
}

// Markup returns the serialized document.
func (d *Driver) Markup(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("capturing markup: %w", err)
	}
	return html, nil
}

// Screenshot captures the viewport, or the given region when non-nil.
func (d *Driver) Screenshot(ctx context.Context, region *schemas.Region) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	if region == nil {
		action = chromedp.CaptureScreenshot(&buf)
	} else {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithClip(&page.Viewport{
					X:      region.X,
					Y:      region.Y,
					Width:  region.Width,
					Height: region.Height,
					Scale:  1,
				}).
				Do(ctx)
			return err
		})
	}
	if err := d.run(ctx, action); err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// Cursor reports the computed cursor style at the viewport center. Used by
// the cursor_type verification condition.
func (d *Driver) Cursor(ctx context.Context) (string, error) {
	const script = `(() => {
        const el = document.elementFromPoint(window.innerWidth / 2, window.innerHeight / 2);
        return el ? getComputedStyle(el).cursor : "default";
    })()`
	var raw json.RawMessage
	if err := d.run(ctx, chromedp.Evaluate(script, &raw)); err != nil {
		return "", fmt.Errorf("reading cursor: %w", err)
	}
	var cursor string
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return "", fmt.Errorf("decoding cursor: %w", err)
	}
	return cursor, nil
}

// Input returns the low level coordinate input backend bound to the same
// session.
func (d *Driver) Input() *Input {
	return &Input{d: d}
}

// Input issues raw coordinate input over the driver's session. It exists
// as a separate type because structural click-by-node and perceptual
// click-by-coordinate are distinct capabilities with distinct failure
// modes.
type Input struct {
	d *Driver
}

// MoveTo dispatches a raw mouse move.
func (in *Input) MoveTo(ctx context.Context, x, y float64) error {
	err := in.d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("moving to (%.0f, %.0f): %w", x, y, err)
	}
	return nil
}

// Click dispatches a press/release pair at the coordinates.
func (in *Input) Click(ctx context.Context, x, y float64) error {
	if err := in.d.run(ctx, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("clicking at (%.0f, %.0f): %w", x, y, err)
	}
	return nil
}

// TypeText sends keystrokes to the focused element.
func (in *Input) TypeText(ctx context.Context, text string) error {
	if err := in.d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, r := range text {
			if err := input.DispatchKeyEvent(input.KeyChar).WithText(string(r)).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	})); err != nil {
		return fmt.Errorf("typing text: %w", err)
	}
	return nil
}

// Scroll scrolls the page by the given deltas.
func (in *Input) Scroll(ctx context.Context, dx, dy int) error {
	script := fmt.Sprintf("window.scrollBy(%d, %d)", dx, dy)
	var raw json.RawMessage
	if err := in.d.run(ctx, chromedp.Evaluate(script, &raw)); err != nil {
		return fmt.Errorf("scrolling by (%d, %d): %w", dx, dy, err)
	}
	return nil
}

// run executes chromedp actions on the session, honoring the caller's
// context deadline by racing it against the session context.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(d.ctx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queryOption picks the chromedp query mode for a selector.
func queryOption(selector string) chromedp.QueryOption {
	if strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(") {
		return chromedp.BySearch
	}
	return chromedp.ByQueryAll
}
