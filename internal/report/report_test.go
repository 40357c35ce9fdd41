package report_test

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/snehjoshi/leadflow/internal/report"
	"github.com/snehjoshi/leadflow/internal/types"
)

func TestRender_Sent(t *testing.T) {
	out := report.Render(report.Event{
		Outcome:     report.OutcomeSent,
		ContactKey:  "@Ivan_Dev",
		ContactType: types.ContactUsername,
		Text:        "Hi <there> & welcome",
		VariantID:   "ai-v1-abc",
		SourcePeer:  "chat1",
		SourceMsgID: 5,
		At:          time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	for _, want := range []string{
		"Message sent",
		`<a href="https://t.me/ivan_dev">@ivan_dev</a>`,
		"Hi &lt;there&gt; &amp; welcome",
		"<code>ai-v1-abc</code>",
		"chat1 #5",
		"2026-05-01 10:00:00 UTC",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestRender_FailedAndSkipped(t *testing.T) {
	failed := report.Render(report.Event{Outcome: report.OutcomeFailed, ContactKey: "x", Reason: "USER_DEACTIVATED"})
	if !strings.Contains(failed, "Delivery failed") || !strings.Contains(failed, "<code>USER_DEACTIVATED</code>") {
		t.Fatalf("failed report:\n%s", failed)
	}
	skipped := report.Render(report.Event{Outcome: report.OutcomeSkipped, ContactKey: "x", Reason: types.ReasonDuplicateContact})
	if !strings.Contains(skipped, "Skipped") || !strings.Contains(skipped, "DUPLICATE_CONTACT") {
		t.Fatalf("skipped report:\n%s", skipped)
	}
	link := report.Render(report.Event{Outcome: report.OutcomeSent, ContactKey: "studio", ContactType: types.ContactLink})
	if !strings.Contains(link, ">t.me/studio</a>") {
		t.Fatalf("link contact:\n%s", link)
	}
}

func TestRender_TruncatesLongText(t *testing.T) {
	out := report.Render(report.Event{Outcome: report.OutcomeSent, ContactKey: "x", LeadText: strings.Repeat("a", 2000)})
	if strings.Count(out, "a") > 700 || !strings.Contains(out, "…") {
		t.Fatal("lead text not truncated")
	}
}

func TestRenderSummary(t *testing.T) {
	out := report.RenderSummary(report.Summary{Pending: 3, Sent: 12345, NextSendIn: 90 * time.Second}, language.English)
	if !strings.Contains(out, "Sent: 12,345") || !strings.Contains(out, "Pending: 3") || !strings.Contains(out, "1m30s") {
		t.Fatalf("summary:\n%s", out)
	}
}
