package contactdb

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPermanentPatterns are failure reasons that retrying will never fix.
// Matching is case-insensitive substring unless the pattern starts with "re:".
func DefaultPermanentPatterns() []string {
	return []string{
		"USER_DEACTIVATED",
		"deactivated",
		"_FORBIDDEN",
		"USER_IS_BLOCKED",
		"USER_PRIVACY_RESTRICTED",
		"USERNAME_NOT_OCCUPIED",
		"USERNAME_INVALID",
		"PEER_ID_INVALID",
		"ENTITY_NOT_FOUND",
		"re:could not find the input entity",
		"re:no user has \"?[a-z0-9_]+\"? as username",
	}
}

// rule is one row of the policy table.
type rule struct {
	pattern string
	substr  string
	re      *regexp.Regexp
}

// Policy decides whether a stored failure reason is permanent.
type Policy struct {
	rules []rule
}

// NewPolicy compiles patterns into a policy table. Patterns prefixed with
// "re:" are case-insensitive regular expressions; everything else is a
// case-insensitive substring. Blank patterns are ignored.
func NewPolicy(patterns []string) (*Policy, error) {
	p := &Policy{}
	for _, raw := range patterns {
		pat := strings.TrimSpace(raw)
		if pat == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(pat, "re:"); ok {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, fmt.Errorf("contactdb: permanent pattern %q: %w", pat, err)
			}
			p.rules = append(p.rules, rule{pattern: pat, re: re})
			continue
		}
		p.rules = append(p.rules, rule{pattern: pat, substr: strings.ToLower(pat)})
	}
	return p, nil
}

// MustNewPolicy is like NewPolicy but panics on error.
func MustNewPolicy(patterns []string) *Policy {
	p, err := NewPolicy(patterns)
	if err != nil {
		panic(err)
	}
	return p
}

// IsPermanent reports whether reason matches any rule.
func (p *Policy) IsPermanent(reason string) bool {
	_, ok := p.Match(reason)
	return ok
}

// Match returns the first matching pattern.
func (p *Policy) Match(reason string) (string, bool) {
	if p == nil || reason == "" {
		return "", false
	}
	lower := strings.ToLower(reason)
	for _, r := range p.rules {
		if r.re != nil {
			if r.re.MatchString(reason) {
				return r.pattern, true
			}
			continue
		}
		if strings.Contains(lower, r.substr) {
			return r.pattern, true
		}
	}
	return "", false
}
