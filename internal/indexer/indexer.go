// Package indexer parses a structural snapshot (markup tree) into a flat
// list of interactable elements with synthesized selectors. It is a pure
// function over its input: no state survives a call, and independent
// inputs may be parsed concurrently.
package indexer

import (
	"fmt"
	"hash"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// interactiveXPath finds candidate nodes broadly; refined filtering happens
// in Go afterwards.
const interactiveXPath = `
    //a[@href] | //button | //input | //textarea | //select |
    //summary | //details | //*[@onclick] |
    //*[normalize-space(@contenteditable)='true' or normalize-space(@contenteditable)=''] |
    //*[(@role='button' or @role='link' or @role='tab' or @role='menuitem' or @role='checkbox' or @role='radio' or @role='textbox' or @role='combobox' or @role='switch')]
`

// Parse walks the markup once and returns every interactable element with
// a synthesized selector. The result set owns its elements; a fresh parse
// produces a fresh set.
func Parse(markup string) ([]schemas.InteractiveElement, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parsing markup: %w", err)
	}

	candidates := htmlquery.Find(doc, interactiveXPath)
	elements := make([]schemas.InteractiveElement, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))

	for _, node := range candidates {
		attrs := attributeMap(node)
		if skip(node, attrs) {
			continue
		}

		text := truncateText(schemas.CollapseSpace(htmlquery.InnerText(node)), 128)
		role := deriveRole(node, attrs)

		el := schemas.InteractiveElement{
			ID:         fingerprint(node, attrs, text),
			Tag:        strings.ToLower(node.Data),
			Role:       role,
			Text:       text,
			MatchText:  schemas.FoldText(text),
			Label:      accessibleLabel(attrs),
			Value:      attrs["value"],
			Selector:   synthesizeSelector(node, attrs, role, text),
			Confidence: 1.0,
			Method:     schemas.MethodStructural,
		}
		if el.Selector == "" || seen[el.ID] {
			continue
		}
		seen[el.ID] = true
		elements = append(elements, el)
	}
	return elements, nil
}

// FindByText returns elements whose visible text or label contains the
// query. The default mode is exact substring match against the case folded
// text; fuzzy mode additionally tolerates punctuation differences.
func FindByText(elements []schemas.InteractiveElement, query string, fuzzy bool) []schemas.InteractiveElement {
	folded := schemas.FoldText(query)
	if folded == "" {
		return nil
	}
	loose := schemas.NormalizePunct(folded)

	var out []schemas.InteractiveElement
	for _, el := range elements {
		// Text and label are matched independently; a query must never
		// straddle the boundary between the two fields.
		if containsQuery(el.MatchText, folded, loose, fuzzy) {
			out = append(out, el)
			continue
		}
		if el.Label != "" && containsQuery(schemas.FoldText(el.Label), folded, loose, fuzzy) {
			out = append(out, el)
		}
	}
	return out
}

func containsQuery(haystack, folded, loose string, fuzzy bool) bool {
	if strings.Contains(haystack, folded) {
		return true
	}
	return fuzzy && loose != "" && strings.Contains(schemas.NormalizePunct(haystack), loose)
}

// FindByRole returns elements with the given effective role.
func FindByRole(elements []schemas.InteractiveElement, role string) []schemas.InteractiveElement {
	role = strings.ToLower(strings.TrimSpace(role))
	var out []schemas.InteractiveElement
	for _, el := range elements {
		if el.Role == role {
			out = append(out, el)
		}
	}
	return out
}

// truncateText caps s at max bytes without splitting a multi-byte rune;
// the result feeds text-based XPath selectors, which must stay valid UTF-8
// to ever match the live document.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// skip filters out candidates that matched the broad XPath but are not
// actually interactable.
func skip(node *html.Node, attrs map[string]string) bool {
	tag := strings.ToLower(node.Data)
	if tag == "html" || tag == "body" {
		return true
	}
	if _, disabled := attrs["disabled"]; disabled {
		return true
	}
	if attrs["aria-disabled"] == "true" {
		return true
	}
	if attrs["aria-hidden"] == "true" {
		return true
	}
	if tag == "input" {
		if attrs["type"] == "hidden" {
			return true
		}
		if _, readonly := attrs["readonly"]; readonly && isTextual(tag, attrs) {
			return true
		}
	}
	return false
}

// deriveRole maps a node to its effective interaction role. An explicit
// ARIA role wins over the tag.
func deriveRole(node *html.Node, attrs map[string]string) string {
	if role := strings.ToLower(strings.TrimSpace(attrs["role"])); role != "" {
		return role
	}
	switch strings.ToLower(node.Data) {
	case "a":
		return "link"
	case "button", "summary", "details":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset", "image":
			return "button"
		default:
			return "textbox"
		}
	default:
		if isContentEditable(attrs) {
			return "textbox"
		}
		return "generic"
	}
}

// isTextual reports whether the element receives typed text rather than a
// click.
func isTextual(tag string, attrs map[string]string) bool {
	switch tag {
	case "textarea":
		return true
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "hidden", "submit", "button", "reset", "image", "checkbox", "radio":
			return false
		default:
			return true
		}
	}
	return isContentEditable(attrs)
}

func isContentEditable(attrs map[string]string) bool {
	if val, ok := attrs["contenteditable"]; ok {
		val = strings.TrimSpace(strings.ToLower(val))
		return val == "true" || val == ""
	}
	return false
}

// accessibleLabel extracts the accessibility label, if any.
func accessibleLabel(attrs map[string]string) string {
	for _, key := range []string{"aria-label", "title", "placeholder", "alt"} {
		if v := strings.TrimSpace(attrs[key]); v != "" {
			return v
		}
	}
	return ""
}

func attributeMap(node *html.Node) map[string]string {
	attrs := make(map[string]string, len(node.Attr))
	for _, a := range node.Attr {
		attrs[a.Key] = a.Val
	}
	return attrs
}

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// HashMarkup computes a deterministic FNV-64a content hash of a markup
// snapshot. Identical input always produces an identical hash.
func HashMarkup(markup string) uint64 {
	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	_, _ = hasher.Write([]byte(markup))
	return hasher.Sum64()
}

// fingerprint builds a stable identifier for an element from its tag,
// identifying attributes and text. Identical elements across parses get
// identical fingerprints, which is what lets callers match elements
// between snapshots without sharing them.
func fingerprint(node *html.Node, attrs map[string]string, text string) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(node.Data))

	if id := attrs["id"]; id != "" {
		sb.WriteString("#" + id)
	}
	if cls := stableClasses(attrs["class"]); cls != "" {
		sb.WriteString("." + cls)
	}
	for _, key := range []string{"name", "href", "type", "role", "aria-label", "placeholder", "data-testid"} {
		if v := strings.TrimSpace(attrs[key]); v != "" {
			if len(v) > 128 {
				v = v[:128]
			}
			sb.WriteString("[" + key + "=" + v + "]")
		}
	}
	if text != "" {
		sb.WriteString("[text=" + text + "]")
	}

	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	_, _ = hasher.Write([]byte(sb.String()))
	return strconv.FormatUint(hasher.Sum64(), 16)
}
