package schemas

import (
	"time"
)

// -- Geometry --

// Point is a coordinate in CSS pixels relative to the viewport origin.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Region describes a rectangular area of a surface. A nil *Region means
// the full frame.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the region.
func (r Region) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// -- Observations --

// ObservationFlag marks noteworthy conditions on an observed frame.
type ObservationFlag string

const (
	// FlagDismissibleOverlay indicates a consent banner, modal or similar
	// obstruction was visible when the observation was taken.
	FlagDismissibleOverlay ObservationFlag = "dismissible_overlay"
)

// Observation is a timestamped snapshot of a surface: a structural hash of
// the markup (or screen region) plus an optional low resolution grayscale
// fingerprint used for pixel level diffing on non-DOM surfaces.
//
// Observations are value objects. The state tracker retains copies in a
// bounded ring buffer; nothing else holds a reference to them.
type Observation struct {
	SurfaceID      string    `json:"surface_id"`
	Timestamp      time.Time `json:"timestamp"`
	StructuralHash uint64    `json:"structural_hash"`
	// Fingerprint is a fixed GridSize x GridSize grayscale thumbnail,
	// row-major. Empty when only structural data was available.
	Fingerprint []byte            `json:"fingerprint,omitempty"`
	GridSize    int               `json:"grid_size,omitempty"`
	Selectors   []string          `json:"selectors,omitempty"`
	Flags       []ObservationFlag `json:"flags,omitempty"`
}

// HasFlag reports whether the observation carries the given flag.
func (o Observation) HasFlag(flag ObservationFlag) bool {
	for _, f := range o.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// -- Interactive elements --

// DetectionMethod records which pipeline produced an element.
type DetectionMethod string

const (
	MethodStructural DetectionMethod = "structural"
	MethodPerceptual DetectionMethod = "perceptual"
	MethodCombined   DetectionMethod = "combined"
)

// InteractiveElement is one candidate UI target discovered on a surface.
// Elements are owned by the result set of a single parse; a fresh parse
// produces a fresh set.
type InteractiveElement struct {
	ID string `json:"id"`
	// Tag is the lowercase tag name of the source node.
	Tag string `json:"tag"`
	// Role is the effective interaction role (button, link, textbox, ...).
	Role string `json:"role"`
	// Text is the visible text with whitespace collapsed, original casing.
	Text string `json:"text"`
	// MatchText is the case folded form of Text, used for matching only.
	MatchText string `json:"-"`
	// Label is the accessibility label (aria-label or equivalent), if any.
	Label string `json:"label,omitempty"`
	// Value is the current value of form fields, when the source carried
	// one.
	Value string `json:"value,omitempty"`
	// Selector re-locates the element through the structural driver.
	// Priority during synthesis: explicit id > stable class combination >
	// role plus text > structural path.
	Selector string `json:"selector"`
	// Bounds is the bounding region for coordinate fallback. Zero when the
	// source carried no geometry.
	Bounds     Region          `json:"bounds"`
	Confidence float64         `json:"confidence"`
	Method     DetectionMethod `json:"method"`
}

// -- Anchors --

// AnchorType enumerates the supported anchor assertions.
type AnchorType string

const (
	AnchorText     AnchorType = "text"
	AnchorElement  AnchorType = "element"
	AnchorTemplate AnchorType = "template"
)

// ScreenAnchor is a declarative assertion used to confirm the automation is
// on the expected surface before acting.
type ScreenAnchor struct {
	Name string     `json:"name"`
	Type AnchorType `json:"type"`
	// Text is the expected text for AnchorText, or a description for
	// AnchorTemplate.
	Text string `json:"text,omitempty"`
	// Selector is the expected selector for AnchorElement.
	Selector string `json:"selector,omitempty"`
	// Near is the rough expected location, if known.
	Near *Region `json:"near,omitempty"`
}

// AnchorResult is the evaluation outcome for one anchor.
type AnchorResult struct {
	Anchor     ScreenAnchor `json:"anchor"`
	Found      bool         `json:"found"`
	Confidence float64      `json:"confidence"`
	Location   *Region      `json:"location,omitempty"`
}

// -- Screen state --

// ScreenState is the contract level description of an observed surface.
// It is produced fresh on each analysis request and never mutated after
// construction. Missing and Elements are disjoint by name.
type ScreenState struct {
	ID        string               `json:"id"`
	SurfaceID string               `json:"surface_id"`
	Timestamp time.Time            `json:"timestamp"`
	Anchors   []AnchorResult       `json:"anchors"`
	Elements  []InteractiveElement `json:"elements"`
	Warnings  []string             `json:"warnings,omitempty"`
	// Missing lists requested targets that could not be located above the
	// minimum confidence.
	Missing []string `json:"missing,omitempty"`
}

// Element returns the named element and whether it was found. Lookup is by
// element ID first, then by case folded text, then by accessibility label.
func (s *ScreenState) Element(name string) (InteractiveElement, bool) {
	for _, el := range s.Elements {
		if el.ID == name {
			return el, true
		}
	}
	folded := FoldText(name)
	for _, el := range s.Elements {
		if el.MatchText == folded || el.Label == name {
			return el, true
		}
	}
	return InteractiveElement{}, false
}

// AnchorsHeld reports whether every anchor evaluation succeeded.
func (s *ScreenState) AnchorsHeld() bool {
	for _, a := range s.Anchors {
		if !a.Found {
			return false
		}
	}
	return true
}
