package command

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNoSeriesGroups = errors.New("no {a, b, ...} groups found")
	ErrSeriesMismatch = errors.New("series groups have different lengths")
)

var groupPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// SeriesPlan holds the parameter groups of a series batch. All groups have the same
// length, which is the batch size.
type SeriesPlan struct {
	Groups [][]string
}

// Size returns the number of iterations in the batch.
func (p SeriesPlan) Size() int {
	if len(p.Groups) == 0 {
		return 0
	}
	return len(p.Groups[0])
}

// Element returns element index of group k, or "" when out of range.
func (p SeriesPlan) Element(k, index int) string {
	if k < 0 || k >= len(p.Groups) || index < 0 || index >= len(p.Groups[k]) {
		return ""
	}
	return p.Groups[k][index]
}

// ParseSeries finds every brace group in text, left to right, and splits each on commas.
// Empty elements are kept, so "{a,,b}" is a batch of three and "{}" a batch of one.
func ParseSeries(text string) (SeriesPlan, error) {
	matches := groupPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return SeriesPlan{}, ErrNoSeriesGroups
	}

	groups := make([][]string, 0, len(matches))
	for _, m := range matches {
		parts := strings.Split(m[1], ",")
		group := make([]string, 0, len(parts))
		for _, p := range parts {
			group = append(group, strings.TrimSpace(p))
		}
		groups = append(groups, group)
	}

	n := len(groups[0])
	for _, g := range groups[1:] {
		if len(g) != n {
			return SeriesPlan{}, fmt.Errorf("%w: want %d, got %d", ErrSeriesMismatch, n, len(g))
		}
	}
	return SeriesPlan{Groups: groups}, nil
}

// Substitute replaces the k-th brace group in text with element index of group k.
// Groups beyond the plan are left untouched.
func (p SeriesPlan) Substitute(text string, index int) string {
	k := 0
	return groupPattern.ReplaceAllStringFunc(text, func(lit string) string {
		defer func() { k++ }()
		if k >= len(p.Groups) || index < 0 || index >= len(p.Groups[k]) {
			return lit
		}
		return p.Groups[k][index]
	})
}
