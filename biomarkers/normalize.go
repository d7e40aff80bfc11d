// Package biomarkers defines the shared domain types for the panelyt API:
// biomarker codes and their canonical form, resolution records returned by
// the pricing service, priced baskets, and catalog entries.
package biomarkers

import "strings"

// Normalize maps a raw biomarker code to its canonical comparison key.
// It trims surrounding whitespace and upper-cases the rest; blank input
// yields the empty string. Every equality check, deduplication and cache
// key in the API must go through this function.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// NormalizeAll canonicalizes a list of raw codes, dropping blanks and
// duplicates while preserving the order of first appearance.
func NormalizeAll(raws []string) []string {
	out := make([]string, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		code := Normalize(raw)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

// JoinCanonical renders codes as the canonical comma-joined list used as
// the URL parameter value and as a selection identity key.
func JoinCanonical(codes []string) string {
	return strings.Join(NormalizeAll(codes), ",")
}

// SplitList parses a comma-separated code list, tolerating blanks and
// duplicates. Inverse of JoinCanonical up to canonicalization.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return NormalizeAll(strings.Split(s, ","))
}
