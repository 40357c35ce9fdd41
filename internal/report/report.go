// Package report renders human-readable outcome reports in the HTML subset
// Telegram accepts (b, i, code, a, blockquote).
package report

import (
	"fmt"
	"html"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/snehjoshi/leadflow/internal/types"
)

// Outcome is what happened to a contact in one sender cycle.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// excerptLen caps quoted lead and message text.
const excerptLen = 600

// Event is one reportable outcome.
type Event struct {
	Outcome     Outcome
	ContactKey  string
	ContactType types.ContactType
	Reason      string
	Text        string
	LeadText    string
	VariantID   string
	Category    string
	SourcePeer  string
	SourceMsgID int64
	At          time.Time
}

// Render formats e.
func Render(e Event) string {
	var b strings.Builder
	switch e.Outcome {
	case OutcomeSent:
		b.WriteString("✅ <b>Message sent</b>\n")
	case OutcomeFailed:
		b.WriteString("❌ <b>Delivery failed</b>\n")
	case OutcomeSkipped:
		b.WriteString("⏭ <b>Skipped</b>\n")
	default:
		fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(string(e.Outcome)))
	}

	fmt.Fprintf(&b, "Contact: %s\n", contactLink(e.ContactKey, e.ContactType))
	if e.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", html.EscapeString(e.Category))
	}
	if e.SourcePeer != "" || e.SourceMsgID != 0 {
		fmt.Fprintf(&b, "Source: %s #%d\n", html.EscapeString(e.SourcePeer), e.SourceMsgID)
	}
	if e.VariantID != "" {
		fmt.Fprintf(&b, "Variant: <code>%s</code>\n", html.EscapeString(e.VariantID))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, "Reason: <code>%s</code>\n", html.EscapeString(e.Reason))
	}
	if !e.At.IsZero() {
		fmt.Fprintf(&b, "At: %s\n", e.At.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if e.LeadText != "" {
		fmt.Fprintf(&b, "\n<i>Lead:</i>\n<blockquote>%s</blockquote>", html.EscapeString(excerpt(e.LeadText)))
	}
	if e.Text != "" {
		fmt.Fprintf(&b, "\n<i>Message:</i>\n<blockquote>%s</blockquote>", html.EscapeString(excerpt(e.Text)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Summary is the periodic statistics snapshot.
type Summary struct {
	Pending       int
	Sent          int64
	Skipped       int64
	Failed        int64
	Requeued      int64
	Deleted       int64
	HistorySize   int
	QueueDepth    int
	LimiterWindow int
	NextSendIn    time.Duration
}

// RenderSummary formats s with numbers localized for lang.
func RenderSummary(s Summary, lang language.Tag) string {
	p := message.NewPrinter(lang)
	var b strings.Builder
	b.WriteString("📊 <b>Outreach stats</b>\n")
	p.Fprintf(&b, "Pending: %d\n", s.Pending)
	p.Fprintf(&b, "Sent: %d\n", s.Sent)
	p.Fprintf(&b, "Skipped: %d\n", s.Skipped)
	p.Fprintf(&b, "Failed: %d\n", s.Failed)
	p.Fprintf(&b, "Requeued: %d / deleted: %d\n", s.Requeued, s.Deleted)
	p.Fprintf(&b, "History: %d\n", s.HistorySize)
	p.Fprintf(&b, "Queue: %d\n", s.QueueDepth)
	p.Fprintf(&b, "Limiter window: %d, next send in %s", s.LimiterWindow, s.NextSendIn.Round(time.Second))
	return b.String()
}

func contactLink(key string, typ types.ContactType) string {
	key = types.NormalizeKey(key)
	if key == "" {
		return "<i>unknown</i>"
	}
	esc := html.EscapeString(key)
	if typ == types.ContactLink {
		return fmt.Sprintf(`<a href="https://t.me/%s">t.me/%s</a>`, esc, esc)
	}
	return fmt.Sprintf(`<a href="https://t.me/%s">@%s</a>`, esc, esc)
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= excerptLen {
		return s
	}
	return strings.TrimSpace(string(r[:excerptLen])) + "…"
}
