// Package checkpoint keeps the operator-visible progress counter (last
// contact handled, processed count). It survives restarts for telemetry
// only; nothing in the pipeline makes skip decisions from it.
package checkpoint

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/types"
)

const documentName = "checkpoint"

// Store holds the single checkpoint record.
type Store struct {
	st  storage.Store
	clk clock.Clock
	log zerolog.Logger

	mu sync.Mutex
	cp types.Checkpoint
}

// Open loads the checkpoint, starting from zero when none exists.
func Open(st storage.Store, clk clock.Clock, log zerolog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{st: st, clk: clk, log: log.With().Str("component", "checkpoint").Logger()}
	if err := st.Load(documentName, &s.cp); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("checkpoint: load: %w", err)
	}
	return s, nil
}

// Update records that contactKey was processed.
func (s *Store) Update(contactKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp.LastContact = types.NormalizeKey(contactKey)
	s.cp.ProcessedCount++
	s.cp.UpdatedAt = s.clk.Now().UTC()
	return s.saveLocked()
}

// Get returns the current checkpoint.
func (s *Store) Get() types.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp
}

// Flush rewrites the checkpoint.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := s.st.Save(documentName, s.cp); err != nil {
		s.log.Warn().Err(err).Msg("persist checkpoint failed")
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}
