// Package history is the sent-history ledger: a durable record of every
// contact key that already received an outreach message.
//
// It is deliberately independent of the contact database. The sender
// consults it before every send, whatever the contact's ledger status says,
// because the two stores can diverge after a partial failure.
//
// Every mutation is written through to storage before returning.
package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/types"
)

const documentName = "sent_history"

// ErrEmptyKey is returned when a mutation is attempted with an empty key.
var ErrEmptyKey = errors.New("history: empty contact key")

// Store is the sent-history ledger. All methods are safe for concurrent use.
type Store struct {
	st  storage.Store
	clk clock.Clock
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*types.SentHistoryEntry
}

// Open loads the ledger from st. A missing document starts an empty ledger.
func Open(st storage.Store, clk clock.Clock, log zerolog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		st:      st,
		clk:     clk,
		log:     log.With().Str("component", "history").Logger(),
		entries: make(map[string]*types.SentHistoryEntry),
	}
	if err := st.Load(documentName, &s.entries); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	if s.entries == nil {
		s.entries = make(map[string]*types.SentHistoryEntry)
	}

	// Re-key anything persisted before normalization was applied.
	for k, e := range s.entries {
		if nk := types.NormalizeKey(k); nk != k {
			delete(s.entries, k)
			if prev, ok := s.entries[nk]; ok {
				mergeEntry(prev, e)
			} else {
				s.entries[nk] = e
			}
		}
	}
	return s, nil
}

// IsAlreadySent reports whether key has a delivery count or a processed
// marker. It never mutates state.
func (s *Store) IsAlreadySent(key string) bool {
	key = types.NormalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].Sent()
}

// RecordSent registers a confirmed delivery to key. Call it only after the
// delivery collaborator reported success.
func (s *Store) RecordSent(key string, sourceMessageID int64) error {
	key = types.NormalizeKey(key)
	if key == "" {
		return ErrEmptyKey
	}
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &types.SentHistoryEntry{FirstSent: now}
		s.entries[key] = e
	}
	if e.FirstSent.IsZero() {
		e.FirstSent = now
	}
	e.Count++
	e.LastSent = now
	e.SourceMessageIDs = append(e.SourceMessageIDs, sourceMessageID)
	return s.saveLocked()
}

// MarkProcessed flags key as handled without recording a delivery, so that
// it is never messaged.
func (s *Store) MarkProcessed(key string) error {
	key = types.NormalizeKey(key)
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &types.SentHistoryEntry{}
		s.entries[key] = e
	}
	if e.Processed {
		return nil
	}
	e.Processed = true
	return s.saveLocked()
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key string) (types.SentHistoryEntry, bool) {
	key = types.NormalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return types.SentHistoryEntry{}, false
	}
	cp := *e
	cp.SourceMessageIDs = append([]int64(nil), e.SourceMessageIDs...)
	return cp, true
}

// Len returns the number of keys in the ledger.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Flush rewrites the ledger. Used at shutdown to retry after a failed
// write-through.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked persists the whole ledger. In-memory state is kept even when the
// write fails; the caller logs and continues.
// MUST be called with s.mu held.
func (s *Store) saveLocked() error {
	if err := s.st.Save(documentName, s.entries); err != nil {
		s.log.Error().Err(err).Msg("persist sent history failed")
		return fmt.Errorf("history: save: %w", err)
	}
	return nil
}

func mergeEntry(dst, src *types.SentHistoryEntry) {
	dst.Count += src.Count
	dst.Processed = dst.Processed || src.Processed
	if dst.FirstSent.IsZero() || (!src.FirstSent.IsZero() && src.FirstSent.Before(dst.FirstSent)) {
		dst.FirstSent = src.FirstSent
	}
	if src.LastSent.After(dst.LastSent) {
		dst.LastSent = src.LastSent
	}
	dst.SourceMessageIDs = append(dst.SourceMessageIDs, src.SourceMessageIDs...)
}
