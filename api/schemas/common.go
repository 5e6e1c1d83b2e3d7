package schemas

import "strings"

// FoldText normalizes text for matching: whitespace collapsed to single
// spaces, trimmed, case folded. Display text keeps its original casing;
// only comparisons go through this.
func FoldText(s string) string {
	return strings.ToLower(CollapseSpace(s))
}

// CollapseSpace trims s and collapses interior whitespace runs to a single
// space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizePunct strips characters that commonly differ between visually
// identical labels (smart quotes, ellipses, trailing colons). Used by fuzzy
// text matching only.
func NormalizePunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '‘', '’', '\'', '"', '“', '”',
			'…', '.', ',', ':', ';', '!', '?', '–', '—', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
