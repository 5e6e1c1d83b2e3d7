package schemas

import (
	"context"
)

// -- External capability interfaces --
//
// The engine consumes three external capabilities and owns none of them.
// Implementations must report failures as errors, never as panics.

// Node is an opaque handle to one structural element resolved by the
// driver. The selector it was resolved from is retained so the driver can
// re-target the element if the underlying handle goes stale.
type Node struct {
	Selector string
	// BackendID is the driver's internal identifier, when one exists.
	BackendID int64
	Bounds    Region
}

// StructuralDriver performs actions through the DOM or accessibility tree.
// All calls must honor ctx cancellation and deadlines.
type StructuralDriver interface {
	// QueryAll returns every node matching the selector. An empty result is
	// not an error.
	QueryAll(ctx context.Context, selector string) ([]Node, error)
	// Click clicks the node.
	Click(ctx context.Context, node Node) error
	// Fill replaces the node's value with text.
	Fill(ctx context.Context, node Node, text string) error
	// Markup returns the current serialized markup of the surface.
	Markup(ctx context.Context) (string, error)
	// Screenshot captures the surface, scoped to region when non-nil.
	// The returned bytes are an encoded image (PNG).
	Screenshot(ctx context.Context, region *Region) ([]byte, error)
}

// LocateResult is the perception backend's best estimate for a described
// target.
type LocateResult struct {
	Point      Point   `json:"point"`
	Confidence float64 `json:"confidence"`
}

// PerceptionBackend locates and describes UI elements from pixels. Results
// are best effort; confidence may be low and callers must threshold it.
type PerceptionBackend interface {
	// Locate finds the described target in the image.
	Locate(ctx context.Context, image []byte, description string) (LocateResult, error)
	// DescribeRegion enumerates interactive elements visible in the image.
	DescribeRegion(ctx context.Context, image []byte) ([]InteractiveElement, error)
}

// InputBackend issues low level coordinate input, used for perceptual
// execution when no structural target exists.
type InputBackend interface {
	MoveTo(ctx context.Context, x, y float64) error
	Click(ctx context.Context, x, y float64) error
	TypeText(ctx context.Context, text string) error
	Scroll(ctx context.Context, dx, dy int) error
}
