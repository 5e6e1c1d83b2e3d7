package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// fakeDriver implements schemas.StructuralDriver over a static markup
// snapshot with scriptable failures.
type fakeDriver struct {
	mu      sync.Mutex
	markup  string
	clicks  []string
	fills   []string
	nodesBy map[string][]schemas.Node

	clickErr      error
	markupErr     error
	screenshotErr error
	queryErr      error
}

func (d *fakeDriver) QueryAll(ctx context.Context, selector string) ([]schemas.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queryErr != nil {
		return nil, d.queryErr
	}
	return d.nodesBy[selector], nil
}

func (d *fakeDriver) Click(ctx context.Context, node schemas.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clickErr != nil {
		return d.clickErr
	}
	d.clicks = append(d.clicks, node.Selector)
	return nil
}

func (d *fakeDriver) Fill(ctx context.Context, node schemas.Node, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fills = append(d.fills, fmt.Sprintf("%s=%s", node.Selector, text))
	return nil
}

func (d *fakeDriver) Markup(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.markupErr != nil {
		return "", d.markupErr
	}
	return d.markup, nil
}

func (d *fakeDriver) Screenshot(ctx context.Context, region *schemas.Region) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screenshotErr != nil {
		return nil, d.screenshotErr
	}
	return []byte("png-bytes"), nil
}

// fakePerception returns a fixed locate result.
type fakePerception struct {
	result  schemas.LocateResult
	err     error
	locates []string
}

func (p *fakePerception) Locate(ctx context.Context, image []byte, description string) (schemas.LocateResult, error) {
	p.locates = append(p.locates, description)
	return p.result, p.err
}

func (p *fakePerception) DescribeRegion(ctx context.Context, image []byte) ([]schemas.InteractiveElement, error) {
	return nil, nil
}

// fakeInput records coordinate input.
type fakeInput struct {
	moves   []schemas.Point
	clicks  []schemas.Point
	typed   []string
	scrolls [][2]int
	err     error
}

func (in *fakeInput) MoveTo(ctx context.Context, x, y float64) error {
	in.moves = append(in.moves, schemas.Point{X: x, Y: y})
	return in.err
}

func (in *fakeInput) Click(ctx context.Context, x, y float64) error {
	in.clicks = append(in.clicks, schemas.Point{X: x, Y: y})
	return in.err
}

func (in *fakeInput) TypeText(ctx context.Context, text string) error {
	in.typed = append(in.typed, text)
	return in.err
}

func (in *fakeInput) Scroll(ctx context.Context, dx, dy int) error {
	in.scrolls = append(in.scrolls, [2]int{dx, dy})
	return in.err
}

const buttonMarkup = `<html><body><button id="save-btn">Save changes</button></body></html>`

func newTestController(driver *fakeDriver, perception *fakePerception, input *fakeInput) *Controller {
	// Pass untyped nils through so a nil fake reads as "not configured"
	// rather than a non-nil interface wrapping a nil pointer.
	var p schemas.PerceptionBackend
	if perception != nil {
		p = perception
	}
	var in schemas.InputBackend
	if input != nil {
		in = input
	}
	return New(nil, driver, p, in, Config{})
}

func TestExecuteStructuralClickBySelector(t *testing.T) {
	driver := &fakeDriver{
		markup: buttonMarkup,
		nodesBy: map[string][]schemas.Node{
			"#save-btn": {{Selector: "#save-btn"}},
		},
	}
	c := newTestController(driver, nil, nil)

	outcome := c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "#save-btn"})

	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.ExecStructural, outcome.Method)
	assert.False(t, outcome.FellBack)
	assert.Equal(t, []string{"#save-btn"}, driver.clicks)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.StructuralActions)
	assert.Equal(t, uint64(0), stats.Fallbacks)
}

func TestExecuteResolvesTargetByText(t *testing.T) {
	driver := &fakeDriver{
		markup: buttonMarkup,
		nodesBy: map[string][]schemas.Node{
			"#save-btn": {{Selector: "#save-btn"}},
		},
	}
	c := newTestController(driver, nil, nil)

	outcome := c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "Save changes"})

	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.ExecStructural, outcome.Method)
	assert.Equal(t, []string{"#save-btn"}, driver.clicks)
}

func TestExecuteFallsBackWhenStructuralFails(t *testing.T) {
	// The structural target resolves but the click itself raises, so the
	// action must complete through the perceptual path and be counted as a
	// fallback.
	driver := &fakeDriver{
		markup: buttonMarkup,
		nodesBy: map[string][]schemas.Node{
			"#save-btn": {{Selector: "#save-btn"}},
		},
		clickErr: errors.New("node is detached from document"),
	}
	perception := &fakePerception{
		result: schemas.LocateResult{Point: schemas.Point{X: 120, Y: 240}, Confidence: 0.92},
	}
	input := &fakeInput{}
	c := newTestController(driver, perception, input)

	outcome := c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "#save-btn"})

	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.ExecPerceptual, outcome.Method)
	assert.True(t, outcome.FellBack)
	require.Len(t, input.clicks, 1)
	assert.Equal(t, schemas.Point{X: 120, Y: 240}, input.clicks[0])

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.PerceptualActions)
	assert.Equal(t, uint64(1), stats.Fallbacks)
	assert.Equal(t, uint64(0), stats.StructuralActions)
}

func TestExecutePerceptualTypeFocusesThenTypes(t *testing.T) {
	driver := &fakeDriver{markup: "<html><body></body></html>"}
	perception := &fakePerception{
		result: schemas.LocateResult{Point: schemas.Point{X: 50, Y: 60}, Confidence: 0.8},
	}
	input := &fakeInput{}
	c := newTestController(driver, perception, input)

	outcome := c.Execute(context.Background(), schemas.Action{
		Op:     schemas.OpType,
		Target: "the email field",
		Text:   "user@example.com",
	})

	assert.True(t, outcome.Success)
	require.Len(t, input.clicks, 1)
	assert.Equal(t, []string{"user@example.com"}, input.typed)
}

func TestExecuteLowConfidenceLocateIsTargetNotFound(t *testing.T) {
	driver := &fakeDriver{markup: "<html><body></body></html>"}
	perception := &fakePerception{
		result: schemas.LocateResult{Point: schemas.Point{X: 10, Y: 10}, Confidence: 0.2},
	}
	input := &fakeInput{}
	c := newTestController(driver, perception, input)

	outcome := c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "phantom button"})

	assert.False(t, outcome.Success)
	assert.True(t, outcome.FellBack)
	assert.Contains(t, outcome.Err, schemas.ErrTargetNotFound.Error())
	assert.Empty(t, input.clicks)
}

func TestExecuteNoPerceptualPathConfigured(t *testing.T) {
	driver := &fakeDriver{markup: "<html><body></body></html>"}
	c := newTestController(driver, nil, nil)

	outcome := c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "missing"})

	assert.False(t, outcome.Success)
	assert.True(t, outcome.FellBack)
	assert.Contains(t, outcome.Err, schemas.ErrTargetNotFound.Error())
}

func TestExecuteScrollUsesInputBackend(t *testing.T) {
	driver := &fakeDriver{markup: "<html><body></body></html>"}
	input := &fakeInput{}
	c := newTestController(driver, nil, input)

	outcome := c.Execute(context.Background(), schemas.Action{Op: schemas.OpScroll, DX: 0, DY: 300})

	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.ExecStructural, outcome.Method)
	assert.Equal(t, [][2]int{{0, 300}}, input.scrolls)
}

func TestDismissOverlaysRunsOncePerSurface(t *testing.T) {
	driver := &fakeDriver{
		markup: buttonMarkup,
		nodesBy: map[string][]schemas.Node{
			"#consent-accept": {{Selector: "#consent-accept"}},
			"#save-btn":       {{Selector: "#save-btn"}},
		},
	}
	c := New(nil, driver, nil, nil, Config{
		OverlaySelectors: []string{"#consent-accept"},
	})

	c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "#save-btn"})
	c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "#save-btn"})

	// One overlay click plus two action clicks.
	assert.Equal(t, []string{"#consent-accept", "#save-btn", "#save-btn"}, driver.clicks)

	c.ResetOverlayState()
	c.Execute(context.Background(), schemas.Action{Op: schemas.OpClick, Target: "#save-btn"})
	assert.Equal(t, "#consent-accept", driver.clicks[3])
}

func TestExecuteVerifiesExpectedOutcome(t *testing.T) {
	driver := &fakeDriver{
		markup: buttonMarkup,
		nodesBy: map[string][]schemas.Node{
			"#save-btn": {{Selector: "#save-btn"}},
		},
	}
	c := newTestController(driver, nil, nil)

	// Markup never changes, so a screen-changed expectation fails while a
	// markup-contains expectation on existing content holds.
	outcome := c.Execute(context.Background(), schemas.Action{
		Op:       schemas.OpClick,
		Target:   "#save-btn",
		Expected: &schemas.ExpectedOutcome{ScreenChanged: true},
	})
	require.NotNil(t, outcome.Verified)
	assert.False(t, *outcome.Verified)

	outcome = c.Execute(context.Background(), schemas.Action{
		Op:       schemas.OpClick,
		Target:   "#save-btn",
		Expected: &schemas.ExpectedOutcome{MarkupContains: "Save changes"},
	})
	require.NotNil(t, outcome.Verified)
	assert.True(t, *outcome.Verified)
}

func TestLooksLikeSelector(t *testing.T) {
	assert.True(t, looksLikeSelector("#id"))
	assert.True(t, looksLikeSelector(".class"))
	assert.True(t, looksLikeSelector("/html/body/div[1]"))
	assert.True(t, looksLikeSelector(`input[name=q]`))
	assert.False(t, looksLikeSelector("Save changes"))
	assert.False(t, looksLikeSelector("click the big red button"))
}
