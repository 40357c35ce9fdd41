package scanner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/snehjoshi/leadflow/internal/types"
)

// DenyFilter drops feed entries from excluded sources before extraction.
type DenyFilter struct {
	sources  map[string]bool
	patterns []*regexp.Regexp
}

// NewDenyFilter builds a filter from exact source names (case-insensitive)
// and regular expressions matched against the source name.
func NewDenyFilter(sources, patterns []string) (*DenyFilter, error) {
	f := &DenyFilter{sources: make(map[string]bool, len(sources))}
	for _, s := range sources {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			f.sources[s] = true
		}
	}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("scanner: deny pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Denied reports whether e comes from an excluded source.
func (f *DenyFilter) Denied(e types.FeedEntry) bool {
	if f == nil {
		return false
	}
	name := strings.ToLower(strings.TrimSpace(e.SourcePeerName))
	if f.sources[name] {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(e.SourcePeerName) {
			return true
		}
	}
	return false
}
