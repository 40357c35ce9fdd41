// Package scanner polls the upstream classifier feed for new leads, extracts
// contacts from them and hands every contact not already in the ledger to
// the pipeline.
//
// The last processed feed id is persisted and advanced only after every
// contact of an entry has been handed off, so a crash re-processes at most
// one entry.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/dedup"
	"github.com/snehjoshi/leadflow/internal/delivery"
	"github.com/snehjoshi/leadflow/internal/extract"
	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/types"
)

const offsetDocument = "scanner_offset"

// Offset is the persisted scan watermark.
type Offset struct {
	LastProcessedID int64     `json:"last_processed_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Discovery is a new contact found in a feed entry.
type Discovery struct {
	Candidate extract.Candidate
	Entry     types.FeedEntry
}

// Handoff receives each new contact. An error stops the scan before the
// entry's watermark is committed, so the entry is retried on the next poll.
type Handoff func(ctx context.Context, d Discovery) error

// DuplicateChecker is the dedup layer.
type DuplicateChecker interface {
	CheckDuplicate(key string) dedup.Result
}

// ProgressRecorder stores per-peer scan progress.
type ProgressRecorder interface {
	SetPeerProgress(peerID, lastMessageID int64) error
}

// Config tunes the scanner.
type Config struct {
	Interval      time.Duration
	MinConfidence float64
	Extract       extract.Options
}

// Deps are the scanner collaborators. Resolver and Progress are optional.
type Deps struct {
	Feed     Feed
	Store    storage.Store
	Dedup    DuplicateChecker
	Handoff  Handoff
	Deny     *DenyFilter
	Resolver delivery.Resolver
	Progress ProgressRecorder
	Clock    clock.Clock
}

// Stats is a scanner snapshot.
type Stats struct {
	LastProcessedID int64     `json:"last_processed_id"`
	Scans           int64     `json:"scans"`
	Entries         int64     `json:"entries"`
	Denied          int64     `json:"denied"`
	Duplicates      int64     `json:"duplicates"`
	Discovered      int64     `json:"discovered"`
	Resolved        int64     `json:"resolved"`
	LastScanAt      time.Time `json:"last_scan_at"`
}

// Scanner is the ingestion loop.
type Scanner struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	mu     sync.Mutex // serializes scans
	offset Offset
	stats  Stats
}

// New loads the persisted watermark and returns a Scanner.
func New(deps Deps, cfg Config, log zerolog.Logger) (*Scanner, error) {
	if deps.Feed == nil || deps.Store == nil || deps.Dedup == nil || deps.Handoff == nil {
		return nil, errors.New("scanner: feed, store, dedup and handoff are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	s := &Scanner{deps: deps, cfg: cfg, log: log.With().Str("component", "scanner").Logger()}
	if err := deps.Store.Load(offsetDocument, &s.offset); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("scanner: load offset: %w", err)
	}
	s.stats.LastProcessedID = s.offset.LastProcessedID
	return s, nil
}

// Offset returns the current watermark.
func (s *Scanner) Offset() Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Stats returns a snapshot.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run scans once immediately and then every Interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.Interval).Int64("offset", s.Offset().LastProcessedID).Msg("scanner started")
	for {
		if n, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("scan failed")
		} else if n > 0 {
			s.log.Info().Int("contacts", n).Msg("scan handed off new contacts")
		}
		if err := s.deps.Clock.Sleep(ctx, s.cfg.Interval); err != nil {
			s.log.Info().Msg("scanner stopped")
			return nil
		}
	}
}

// ScanOnce processes every entry past the watermark and returns how many
// contacts were handed off.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Scans++
	s.stats.LastScanAt = s.deps.Clock.Now().UTC()

	entries, err := s.deps.Feed.ReadSince(ctx, s.offset.LastProcessedID)
	if err != nil {
		return 0, err
	}
	handed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return handed, err
		}
		n, err := s.processEntry(ctx, e)
		handed += n
		if err != nil {
			return handed, fmt.Errorf("scanner: entry %d: %w", e.ID, err)
		}
		if err := s.commitLocked(e); err != nil {
			return handed, err
		}
	}
	return handed, nil
}

// processEntry hands off the new contacts of one entry.
func (s *Scanner) processEntry(ctx context.Context, e types.FeedEntry) (int, error) {
	s.stats.Entries++
	log := s.log.With().Int64("entry", e.ID).Str("source", e.SourcePeerName).Logger()

	if s.deps.Deny.Denied(e) {
		s.stats.Denied++
		log.Debug().Msg("entry from denied source")
		return 0, nil
	}
	if s.cfg.MinConfidence > 0 && e.Confidence > 0 && e.Confidence < s.cfg.MinConfidence {
		log.Debug().Float64("confidence", e.Confidence).Msg("entry below confidence threshold")
		return 0, nil
	}

	cands := extract.FromEntry(e, s.cfg.Extract)
	if len(cands) == 0 {
		cands = s.resolve(ctx, e, log)
	}

	handed := 0
	for _, c := range cands {
		if r := s.deps.Dedup.CheckDuplicate(c.Key); r.IsDuplicate {
			s.stats.Duplicates++
			log.Debug().Str("contact", c.Key).Str("reason", r.Reason).Msg("duplicate contact")
			continue
		}
		if err := s.deps.Handoff(ctx, Discovery{Candidate: c, Entry: e}); err != nil {
			return handed, err
		}
		handed++
		s.stats.Discovered++
		log.Info().Str("contact", c.Key).Str("via", string(c.Source)).Msg("contact discovered")
	}
	return handed, nil
}

// resolve is the expensive path: follow the entry's message link to the
// original post and take its author.
func (s *Scanner) resolve(ctx context.Context, e types.FeedEntry, log zerolog.Logger) []extract.Candidate {
	if s.deps.Resolver == nil || e.MessageLink == "" {
		return nil
	}
	who, err := s.deps.Resolver.ResolveMessageAuthor(ctx, e.MessageLink)
	if err != nil {
		log.Warn().Err(err).Str("link", e.MessageLink).Msg("resolve message author failed")
		return nil
	}
	c, ok := extract.Username(who, s.cfg.Extract)
	if !ok {
		return nil
	}
	c.Source = extract.SourceResolved
	s.stats.Resolved++
	return []extract.Candidate{c}
}

// commitLocked advances and persists the watermark past e. A failed persist
// keeps the in-memory watermark; the entry may be re-read after a restart
// and its contacts are then filtered as duplicates.
func (s *Scanner) commitLocked(e types.FeedEntry) error {
	s.offset = Offset{LastProcessedID: e.ID, UpdatedAt: s.deps.Clock.Now().UTC()}
	s.stats.LastProcessedID = e.ID
	if err := s.deps.Store.Save(offsetDocument, s.offset); err != nil {
		s.log.Error().Err(err).Int64("entry", e.ID).Msg("persist scan offset failed")
	}
	if s.deps.Progress != nil && e.SourcePeerID != 0 && e.MessageID > 0 {
		if err := s.deps.Progress.SetPeerProgress(e.SourcePeerID, e.MessageID); err != nil {
			s.log.Warn().Err(err).Int64("peer", e.SourcePeerID).Msg("persist peer progress failed")
		}
	}
	return nil
}
