package indexer

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// synthesizeSelector builds the selector used to re-locate the element
// through the structural driver. Generation priority: explicit identifier,
// then a stable class combination, then role plus text, then the
// structural path.
func synthesizeSelector(node *html.Node, attrs map[string]string, role, text string) string {
	tag := strings.ToLower(node.Data)

	if id := strings.TrimSpace(attrs["id"]); id != "" {
		return "#" + cssEscape(id)
	}

	if cls := stableClasses(attrs["class"]); cls != "" {
		return tag + "." + cls
	}

	if text != "" && len(text) <= 64 {
		return roleTextXPath(tag, attrs, text)
	}

	return structuralPath(node)
}

// stableClasses returns a dot-joined, sorted class combination, dropping
// classes that look like generated CSS-in-JS hashes. Empty when no usable
// combination remains or the list is too volatile to trust.
func stableClasses(classAttr string) string {
	classes := strings.Fields(classAttr)
	if len(classes) == 0 {
		return ""
	}
	sort.Strings(classes)
	var stable []string
	for _, c := range classes {
		// Short classes containing digits are usually build artifacts.
		if len(c) > 5 || !strings.ContainsAny(c, "0123456789") {
			stable = append(stable, cssEscape(c))
		}
	}
	if len(stable) == 0 || len(stable) >= 5 {
		return ""
	}
	return strings.Join(stable, ".")
}

// roleTextXPath builds an XPath matching the element by its tag or ARIA
// role plus its normalized text.
func roleTextXPath(tag string, attrs map[string]string, text string) string {
	quoted := xpathQuote(text)
	if ariaRole := strings.TrimSpace(attrs["role"]); ariaRole != "" {
		return fmt.Sprintf(`//*[@role=%s][contains(normalize-space(.), %s)]`, xpathQuote(ariaRole), quoted)
	}
	return fmt.Sprintf(`//%s[contains(normalize-space(.), %s)]`, tag, quoted)
}

// structuralPath builds an absolute, position-indexed XPath from the root
// to the node. Least stable of the strategies; used only when nothing
// better exists.
func structuralPath(node *html.Node) string {
	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if tag == "" {
			continue
		}

		// XPath indices are 1-based.
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(path) == 0 {
		return ""
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return "/" + strings.Join(path, "/")
}

// xpathQuote wraps s in XPath string quoting, switching quote style when s
// itself contains quotes.
func xpathQuote(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	// Both quote kinds present: concat the double-quoted pieces.
	parts := strings.Split(s, `"`)
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return "concat(" + strings.Join(parts, `,'"',`) + ")"
}

// cssEscape escapes characters that would break a CSS identifier.
func cssEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteString("\\" + string(r))
		}
	}
	return b.String()
}
