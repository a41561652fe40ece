// Package command parses the flag and series grammar embedded in chat messages.
package command

import (
	"regexp"
	"sort"
	"strings"
)

// Flag is a recognised --name token.
type Flag string

const (
	FlagVerbose  Flag = "verbose"
	FlagHelp     Flag = "help"
	FlagReformat Flag = "reformat"
	FlagInject   Flag = "inject"
	FlagSeries   Flag = "series"
	FlagArchive  Flag = "archive"
)

// AllFlags is the full flag surface understood by the bot.
var AllFlags = []Flag{FlagVerbose, FlagHelp, FlagReformat, FlagInject, FlagSeries, FlagArchive}

var (
	flagPattern   = regexp.MustCompile(`--(\w+)`)
	markupPattern = regexp.MustCompile(`<[^>]*>`)
	spacesPattern = regexp.MustCompile(`\s+`)
)

// FlagSet is an immutable set of flags found in one message.
type FlagSet struct {
	m map[Flag]struct{}
}

// NewFlagSet builds a set from the given flags.
func NewFlagSet(flags ...Flag) FlagSet {
	m := make(map[Flag]struct{}, len(flags))
	for _, f := range flags {
		m[f] = struct{}{}
	}
	return FlagSet{m: m}
}

// Has reports whether f is in the set.
func (s FlagSet) Has(f Flag) bool {
	_, ok := s.m[f]
	return ok
}

// Len returns the number of flags in the set.
func (s FlagSet) Len() int { return len(s.m) }

// Names returns the flag names sorted alphabetically.
func (s FlagSet) Names() []string {
	out := make([]string, 0, len(s.m))
	for f := range s.m {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

// ParseFlags extracts the allowed flags from text and returns them with the cleaned
// message body. When no allow-list is given, AllFlags is used. Unknown --tokens are
// dropped from the text but never reported.
func ParseFlags(text string, allowed ...Flag) (FlagSet, string) {
	if len(allowed) == 0 {
		allowed = AllFlags
	}
	allow := make(map[Flag]struct{}, len(allowed))
	for _, f := range allowed {
		allow[f] = struct{}{}
	}

	found := make(map[Flag]struct{})
	for _, m := range flagPattern.FindAllStringSubmatch(text, -1) {
		f := Flag(strings.ToLower(m[1]))
		if _, ok := allow[f]; ok {
			found[f] = struct{}{}
		}
	}
	return FlagSet{m: found}, CleanText(text)
}

// CleanText strips --flag tokens and <...> mention markup and collapses whitespace.
func CleanText(text string) string {
	text = markupPattern.ReplaceAllString(text, " ")
	text = flagPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(spacesPattern.ReplaceAllString(text, " "))
}
