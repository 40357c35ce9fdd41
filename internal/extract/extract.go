// Package extract pulls candidate contacts out of feed entries: the explicit
// author field first, then @usernames and t.me links in the free text.
package extract

import (
	"regexp"
	"strings"

	"github.com/snehjoshi/leadflow/internal/types"
)

// Source says where a candidate was found.
type Source string

const (
	SourceAuthor   Source = "author"
	SourceText     Source = "text"
	SourceLink     Source = "link"
	SourceResolved Source = "resolved"
)

// Candidate is one extracted contact.
type Candidate struct {
	Key    string
	Type   types.ContactType
	Source Source
}

// Options tune extraction.
type Options struct {
	// Exclude lists usernames never returned (our own accounts, the report bot).
	Exclude []string
	// KeepBots disables the "*bot" username filter.
	KeepBots bool
}

var (
	// The prefix group stands in for a lookbehind so e-mail addresses and
	// path segments do not match.
	mentionRe  = regexp.MustCompile(`(?:^|[^A-Za-z0-9_@/.])@([A-Za-z][A-Za-z0-9_]{3,31})\b`)
	linkRe     = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?(?:t|telegram)\.me/(\+?[A-Za-z0-9_]+)(/[A-Za-z0-9_]+)?`)
	usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{3,31}$`)
)

// reservedSlugs are t.me paths that are never accounts.
var reservedSlugs = map[string]bool{
	"joinchat": true, "addstickers": true, "addemoji": true, "share": true,
	"proxy": true, "socks": true, "setlanguage": true, "addtheme": true,
	"iv": true, "c": true, "s": true, "login": true, "confirmphone": true,
}

// FromEntry applies the cheap extraction paths in priority order: a valid
// author field wins outright; otherwise the text is scanned. An empty result
// means the caller should try the resolve path.
func FromEntry(e types.FeedEntry, opts Options) []Candidate {
	if c, ok := Username(e.AuthorUsername, opts); ok {
		c.Source = SourceAuthor
		return []Candidate{c}
	}
	return FromText(e.FullContent, opts)
}

// FromText returns the distinct contacts mentioned in text, in order of
// appearance.
func FromText(text string, opts Options) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	add := func(c Candidate) {
		if seen[c.Key] {
			return
		}
		seen[c.Key] = true
		out = append(out, c)
	}

	type hit struct {
		pos int
		c   Candidate
	}
	var hits []hit
	for _, m := range mentionRe.FindAllStringSubmatchIndex(text, -1) {
		if c, ok := Username(text[m[2]:m[3]], opts); ok {
			c.Source = SourceText
			hits = append(hits, hit{m[2], c})
		}
	}
	for _, m := range linkRe.FindAllStringSubmatchIndex(text, -1) {
		if m[4] >= 0 {
			// t.me/<chat>/<post> points at a message, not an account.
			continue
		}
		slug := text[m[2]:m[3]]
		if strings.HasPrefix(slug, "+") || reservedSlugs[strings.ToLower(slug)] {
			continue
		}
		if c, ok := Username(slug, opts); ok {
			c.Type = types.ContactLink
			c.Source = SourceLink
			hits = append(hits, hit{m[2], c})
		}
	}
	// Two small sorted runs; insertion sort keeps text order.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	for _, h := range hits {
		add(h.c)
	}
	return out
}

// Username validates and normalizes a single username.
func Username(raw string, opts Options) (Candidate, bool) {
	key := types.NormalizeKey(raw)
	if !usernameRe.MatchString(key) {
		return Candidate{}, false
	}
	if !opts.KeepBots && strings.HasSuffix(key, "bot") {
		return Candidate{}, false
	}
	for _, ex := range opts.Exclude {
		if types.NormalizeKey(ex) == key {
			return Candidate{}, false
		}
	}
	return Candidate{Key: key, Type: types.ContactUsername}, true
}
