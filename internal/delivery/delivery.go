// Package delivery holds the external-boundary collaborators: the client
// that delivers outreach messages and resolves identities, and the client
// that posts human-readable reports.
package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Profile is a resolved account.
type Profile struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// SendOptions tune a single delivery.
type SendOptions struct {
	DisablePreview bool `json:"disable_preview,omitempty"`
	Silent         bool `json:"silent,omitempty"`
}

// SendResult is the outcome of SendMessage. Error is the remote error text,
// kept verbatim so permanent-failure patterns can match it.
type SendResult struct {
	Success          bool   `json:"success"`
	MessageID        int64  `json:"message_id,omitempty"`
	Error            string `json:"error,omitempty"`
	FloodWaitSeconds int    `json:"flood_wait_seconds,omitempty"`
}

// FailureReason returns the reason to store for a failed send.
func (r SendResult) FailureReason() string {
	if r.FloodWaitSeconds > 0 {
		return FloodWaitReason(r.FloodWaitSeconds)
	}
	if r.Error == "" {
		return "UNKNOWN_ERROR"
	}
	return r.Error
}

// Client delivers outreach messages.
type Client interface {
	Connect(ctx context.Context) error
	// GetUserInfo returns nil without error when identity does not resolve.
	GetUserInfo(ctx context.Context, identity string) (*Profile, error)
	SendMessage(ctx context.Context, identity, text string, opts SendOptions) SendResult
}

// Resolver finds the author of a chat message from its public link.
type Resolver interface {
	ResolveMessageAuthor(ctx context.Context, messageLink string) (string, error)
}

// ReportResult is the outcome of SendReport.
type ReportResult struct {
	Success   bool
	MessageID int64
	Error     string
}

// Reporter posts rich-text (HTML) reports.
type Reporter interface {
	SendReport(ctx context.Context, html string) ReportResult
}

// NopReporter drops reports.
type NopReporter struct{}

func (NopReporter) SendReport(context.Context, string) ReportResult {
	return ReportResult{Success: true}
}

// FloodWaitReason formats the stored reason for a flood wait.
func FloodWaitReason(seconds int) string {
	return fmt.Sprintf("FLOOD_WAIT_%d", seconds)
}

// ParseFloodWait extracts n from a "FLOOD_WAIT_n" error text.
func ParseFloodWait(s string) (int, bool) {
	upper := strings.ToUpper(s)
	i := strings.Index(upper, "FLOOD_WAIT_")
	if i < 0 {
		return 0, false
	}
	digits := upper[i+len("FLOOD_WAIT_"):]
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(digits[:end])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
