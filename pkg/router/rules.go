package router

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Decision is where an utterance goes.
type Decision int

const (
	// Realtime sends the utterance over the persistent channel.
	Realtime Decision = iota
	// Pipeline runs the utterance through the analysis pipeline.
	Pipeline
	// Rejected means the utterance was refused before dispatch.
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Pipeline:
		return "pipeline"
	case Rejected:
		return "rejected"
	default:
		return "realtime"
	}
}

// DefaultCommandPrefixes force an utterance onto the pipeline.
var DefaultCommandPrefixes = []string{"/analyze", "/pipeline", "/report"}

// DefaultBatchMarker matches a line opening a story block.
const DefaultBatchMarker = `(?im)^\s*(story|user story|requirement)\s*:`

// Rules is the static routing table.
type Rules struct {
	CommandPrefixes []string
	BatchMarkers    []*regexp.Regexp
}

// DefaultRules returns the built-in prefixes and batch marker.
func DefaultRules() Rules {
	return Rules{
		CommandPrefixes: append([]string(nil), DefaultCommandPrefixes...),
		BatchMarkers:    []*regexp.Regexp{regexp.MustCompile(DefaultBatchMarker)},
	}
}

// NewRules compiles markers. Empty inputs fall back to the defaults.
func NewRules(prefixes, markers []string) (Rules, error) {
	rules := DefaultRules()
	if len(prefixes) > 0 {
		rules.CommandPrefixes = nil
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				rules.CommandPrefixes = append(rules.CommandPrefixes, p)
			}
		}
	}
	if len(markers) > 0 {
		rules.BatchMarkers = nil
		for _, expr := range markers {
			re, err := regexp.Compile(expr)
			if err != nil {
				return Rules{}, fmt.Errorf("invalid batch marker %q: %w", expr, err)
			}
			rules.BatchMarkers = append(rules.BatchMarkers, re)
		}
	}
	return rules, nil
}

// Route classifies an utterance. It looks only at the text.
func (r Rules) Route(utterance string) Decision {
	if r.IsBatch(utterance) {
		return Pipeline
	}
	if _, _, ok := r.Command(utterance); ok {
		return Pipeline
	}
	return Realtime
}

// IsBatch reports whether any batch marker matches.
func (r Rules) IsBatch(utterance string) bool {
	for _, re := range r.BatchMarkers {
		if re.MatchString(utterance) {
			return true
		}
	}
	return false
}

// Command returns the matched prefix and the rest of the utterance. A
// prefix must be followed by whitespace or the end of input, so "/reports"
// does not match "/report".
func (r Rules) Command(utterance string) (prefix, rest string, ok bool) {
	text := strings.TrimLeftFunc(utterance, unicode.IsSpace)
	for _, p := range r.CommandPrefixes {
		if len(text) < len(p) || !strings.EqualFold(text[:len(p)], p) {
			continue
		}
		tail := text[len(p):]
		if tail != "" && !unicode.IsSpace(rune(tail[0])) {
			continue
		}
		return p, strings.TrimSpace(tail), true
	}
	return "", "", false
}
