// Package types contains the core domain types shared across all leadflow
// internal packages. It deliberately has zero imports of other leadflow
// packages so that the stores, the scanner and the sender can all import it
// without creating import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidContact is returned by store boundaries when a contact record
// fails validation.
var ErrInvalidContact = errors.New("types: invalid contact")

// ContactStatus is the lifecycle state of a contact in the ledger.
type ContactStatus string

const (
	// StatusPending means the contact is waiting for a delivery attempt.
	StatusPending ContactStatus = "pending"
	// StatusSent means an outreach message was delivered.
	StatusSent ContactStatus = "sent"
	// StatusSkipped means the contact was deliberately not messaged
	// (for example because it was already messaged before).
	StatusSkipped ContactStatus = "skipped"
	// StatusFailed means the last delivery attempt failed. Failed contacts
	// may be requeued to pending unless the failure is permanent.
	StatusFailed ContactStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ContactStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

func (s ContactStatus) String() string { return string(s) }

// ContactType says how the contact key was derived.
type ContactType string

const (
	ContactUsername ContactType = "username"
	ContactLink     ContactType = "link"
)

// Valid reports whether t is one of the known contact types.
func (t ContactType) Valid() bool {
	return t == ContactUsername || t == ContactLink
}

// ReasonDuplicateContact is the skip reason used when a contact is found in
// the sent history right before a send.
const ReasonDuplicateContact = "DUPLICATE_CONTACT"

// ReasonSuppressed marks a contact an operator excluded from outreach.
const ReasonSuppressed = "SUPPRESSED"

// NormalizeKey lowercases s, trims whitespace and strips every leading '@',
// including ones separated by whitespace ("@ @ivan"). Every comparison of
// contact keys must go through it.
func NormalizeKey(s string) string {
	s = strings.TrimLeftFunc(s, func(r rune) bool { return r == '@' || unicode.IsSpace(r) })
	return strings.ToLower(strings.TrimRightFunc(s, unicode.IsSpace))
}

// Contact is a unique correspondent identity in the contact ledger.
//
// Design rules:
//   - At most one Contact exists per normalized ContactKey.
//   - All timestamps are UTC.
type Contact struct {
	ContactKey  string        `json:"contact_key"`
	ContactType ContactType   `json:"contact_type"`
	Status      ContactStatus `json:"status"`

	// Reason is populated on skipped/failed. The failure text is kept
	// verbatim so permanent-failure patterns can match it later.
	Reason string `json:"reason,omitempty"`

	SourcePeerID    int64 `json:"source_peer_id"`
	SourceMessageID int64 `json:"source_message_id"`

	// LeadText is the lead description the contact was discovered in. It is
	// the input for message composition.
	LeadText string `json:"lead_text,omitempty"`
	// Category is the upstream classifier category, when provided.
	Category string `json:"category,omitempty"`

	SentText string     `json:"sent_text,omitempty"`
	SentAt   *time.Time `json:"sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// PendingSince orders the sending queue. It equals CreatedAt for new
	// contacts and is reset when a failed contact is requeued.
	PendingSince time.Time `json:"pending_since"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Requeues counts how many times this contact went failed -> pending.
	Requeues int `json:"requeues"`

	// Seq is the insertion sequence number; it breaks PendingSince ties so
	// ordering is stable.
	Seq uint64 `json:"seq"`
}

// Validate checks the fields a stored contact must always carry.
func (c *Contact) Validate() error {
	if c.ContactKey == "" {
		return fmt.Errorf("%w: empty contact key", ErrInvalidContact)
	}
	if c.ContactKey != NormalizeKey(c.ContactKey) {
		return fmt.Errorf("%w: key %q is not normalized", ErrInvalidContact, c.ContactKey)
	}
	if !c.ContactType.Valid() {
		return fmt.Errorf("%w: unknown contact type %q", ErrInvalidContact, c.ContactType)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidContact, c.Status)
	}
	return nil
}

// Clone returns a deep copy of the contact.
func (c *Contact) Clone() *Contact {
	cp := *c
	if c.SentAt != nil {
		t := *c.SentAt
		cp.SentAt = &t
	}
	return &cp
}

// SentHistoryEntry records deliveries to one contact key. It is kept apart
// from the contact ledger as a second duplicate guard.
type SentHistoryEntry struct {
	Count            int       `json:"count"`
	FirstSent        time.Time `json:"first_sent"`
	LastSent         time.Time `json:"last_sent"`
	SourceMessageIDs []int64   `json:"source_message_ids"`
	// Processed marks a key as handled without a recorded delivery.
	Processed bool `json:"processed,omitempty"`
}

// Sent reports whether the entry blocks another send.
func (e *SentHistoryEntry) Sent() bool {
	return e != nil && (e.Count > 0 || e.Processed)
}

// Checkpoint is operator-visible progress telemetry. It is never consulted
// for skip decisions.
type Checkpoint struct {
	LastContact    string    `json:"last_contact"`
	ProcessedCount int64     `json:"processed_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FeedEntry is one record of the upstream classifier feed.
type FeedEntry struct {
	ID             int64   `json:"id"`
	SourcePeerID   int64   `json:"source_peer_id,omitempty"`
	SourcePeerName string  `json:"source_peer_name"`
	MessageID      int64   `json:"message_id,omitempty"`
	FullContent    string  `json:"full_content"`
	AuthorUsername string  `json:"author_username,omitempty"`
	Category       string  `json:"category,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	// MessageLink points at the original chat message (t.me/chat/123).
	MessageLink string `json:"message_link,omitempty"`
}
