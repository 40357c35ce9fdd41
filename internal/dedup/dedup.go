// Package dedup answers "have we ever contacted X" on top of the contact
// ledger and registers newly discovered contacts idempotently.
package dedup

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/contactdb"
	"github.com/snehjoshi/leadflow/internal/types"
)

// Ledger is the subset of the contact database the service needs.
type Ledger interface {
	FindContactByKey(key string) (types.Contact, bool)
	SaveContact(c types.Contact) (types.Contact, error)
	UpdateContactStatus(key string, status types.ContactStatus, reason string) error
}

// Result describes an existing contact.
type Result struct {
	IsDuplicate bool
	// Reason is a human-readable description of the existing record.
	Reason  string
	Contact types.Contact
}

// Registration carries a newly discovered contact and its provenance.
type Registration struct {
	Key             string
	Type            types.ContactType
	SourcePeerID    int64
	SourceMessageID int64
	LeadText        string
	Category        string
}

// Service is the deduplication layer. Safe for concurrent use when the
// ledger is.
type Service struct {
	db  Ledger
	log zerolog.Logger
}

// New wraps db.
func New(db Ledger, log zerolog.Logger) *Service {
	return &Service{db: db, log: log.With().Str("component", "dedup").Logger()}
}

// CheckDuplicate normalizes key and reports whether the ledger already holds
// it, whatever its status.
func (s *Service) CheckDuplicate(key string) Result {
	key = types.NormalizeKey(key)
	if key == "" {
		return Result{}
	}
	c, ok := s.db.FindContactByKey(key)
	if !ok {
		return Result{}
	}
	return Result{IsDuplicate: true, Reason: describe(c), Contact: c}
}

// RegisterContact inserts r as a pending contact. When the key already
// exists the stored record is returned unchanged and created is false.
func (s *Service) RegisterContact(r Registration) (c types.Contact, created bool, err error) {
	key := types.NormalizeKey(r.Key)
	if existing, ok := s.db.FindContactByKey(key); ok {
		return existing, false, nil
	}
	typ := r.Type
	if typ == "" {
		typ = types.ContactUsername
	}
	c, err = s.db.SaveContact(types.Contact{
		ContactKey:      key,
		ContactType:     typ,
		Status:          types.StatusPending,
		SourcePeerID:    r.SourcePeerID,
		SourceMessageID: r.SourceMessageID,
		LeadText:        r.LeadText,
		Category:        r.Category,
	})
	if errors.Is(err, contactdb.ErrAlreadyExists) {
		existing, _ := s.db.FindContactByKey(key)
		return existing, false, nil
	}
	if err != nil && c.ContactKey == "" {
		return types.Contact{}, false, fmt.Errorf("dedup: register %q: %w", key, err)
	}
	if err != nil {
		// Stored in memory but not persisted; the next write retries.
		s.log.Warn().Err(err).Str("contact", key).Msg("contact registered but not persisted")
	}
	s.log.Debug().Str("contact", key).Int64("source_message_id", r.SourceMessageID).Msg("contact registered")
	return c, true, nil
}

// MarkStatus transitions key in the ledger.
func (s *Service) MarkStatus(key string, status types.ContactStatus, reason string) error {
	return s.db.UpdateContactStatus(key, status, reason)
}

func describe(c types.Contact) string {
	if c.Reason != "" {
		return fmt.Sprintf("contact already %s (%s)", c.Status, c.Reason)
	}
	return fmt.Sprintf("contact already %s", c.Status)
}
