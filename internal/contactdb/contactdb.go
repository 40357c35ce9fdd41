// Package contactdb is the contact ledger: the single source of truth for
// each contact's lifecycle (pending -> sent | skipped | failed, with bounded
// failed -> pending requeues) plus per-peer scan progress.
//
// State diagram:
//
//	          register
//	              │
//	              ▼
//	   ┌────── PENDING ◄────────────┐
//	   │          │                 │ requeue (transient, under the cap)
//	   ▼          ▼                 │
//	SKIPPED      SENT             FAILED ──► deleted (permanent reason)
//
// The whole ledger is rewritten to storage after every mutation.
package contactdb

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/types"
)

const documentName = "contacts"

// ErrAlreadyExists is returned by SaveContact when the key is taken.
var ErrAlreadyExists = errors.New("contactdb: contact already exists")

// Config tunes the ledger.
type Config struct {
	// MaxRequeues caps failed -> pending transitions per contact.
	// 0 means unlimited.
	MaxRequeues int
}

// PeerProgress is the scan watermark for one source peer.
type PeerProgress struct {
	PeerID        int64     `json:"peer_id"`
	LastMessageID int64     `json:"last_message_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Stats are cumulative counters kept with the ledger.
type Stats struct {
	Registered int64 `json:"registered"`
	Sent       int64 `json:"sent"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
	Requeued   int64 `json:"requeued"`
	Deleted    int64 `json:"deleted"`
}

// Counts is the live number of contacts per status.
type Counts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// RequeueResult reports what RequeueFailed did.
type RequeueResult struct {
	Requeued  int
	Deleted   int
	Exhausted int // failed contacts left alone because they hit MaxRequeues
}

// document is the on-disk layout.
type document struct {
	Contacts []*types.Contact        `json:"contacts"`
	Peers    map[string]PeerProgress `json:"peers"`
	Stats    Stats                   `json:"stats"`
	Seq      uint64                  `json:"seq"`
}

// DB is the contact ledger. All methods are safe for concurrent use.
type DB struct {
	st     storage.Store
	policy *Policy
	cfg    Config
	clk    clock.Clock
	log    zerolog.Logger

	mu       sync.RWMutex
	contacts map[string]*types.Contact
	peers    map[string]PeerProgress
	stats    Stats
	seq      uint64
}

// Open loads the ledger from st. Records that fail validation are dropped
// with a warning rather than trusted.
func Open(st storage.Store, policy *Policy, cfg Config, clk clock.Clock, log zerolog.Logger) (*DB, error) {
	if policy == nil {
		policy = MustNewPolicy(DefaultPermanentPatterns())
	}
	if clk == nil {
		clk = clock.New()
	}
	db := &DB{
		st:       st,
		policy:   policy,
		cfg:      cfg,
		clk:      clk,
		log:      log.With().Str("component", "contactdb").Logger(),
		contacts: make(map[string]*types.Contact),
		peers:    make(map[string]PeerProgress),
	}

	var doc document
	if err := st.Load(documentName, &doc); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("contactdb: load: %w", err)
	}
	for _, c := range doc.Contacts {
		if c == nil {
			continue
		}
		c.ContactKey = types.NormalizeKey(c.ContactKey)
		if err := c.Validate(); err != nil {
			db.log.Warn().Err(err).Str("contact", c.ContactKey).Msg("dropping invalid stored contact")
			continue
		}
		if _, dup := db.contacts[c.ContactKey]; dup {
			continue
		}
		if c.PendingSince.IsZero() {
			c.PendingSince = c.CreatedAt
		}
		db.contacts[c.ContactKey] = c
		if c.Seq > doc.Seq {
			doc.Seq = c.Seq
		}
	}
	for k, p := range doc.Peers {
		db.peers[k] = p
	}
	db.stats = doc.Stats
	db.seq = doc.Seq
	return db, nil
}

// Policy returns the permanent-failure policy table in use.
func (db *DB) Policy() *Policy { return db.policy }

// FindContactByKey returns a copy of the contact stored under key.
func (db *DB) FindContactByKey(key string) (types.Contact, bool) {
	key = types.NormalizeKey(key)
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.contacts[key]
	if !ok {
		return types.Contact{}, false
	}
	return *c.Clone(), true
}

// SaveContact inserts a new contact with the caller's initial status.
// Returns ErrAlreadyExists when the normalized key is already present.
func (db *DB) SaveContact(c types.Contact) (types.Contact, error) {
	c.ContactKey = types.NormalizeKey(c.ContactKey)
	if c.Status == "" {
		c.Status = types.StatusPending
	}
	if err := c.Validate(); err != nil {
		return types.Contact{}, err
	}
	now := db.clk.Now().UTC()

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.contacts[c.ContactKey]; ok {
		return types.Contact{}, fmt.Errorf("%w: %s", ErrAlreadyExists, c.ContactKey)
	}
	db.seq++
	c.Seq = db.seq
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.PendingSince = c.CreatedAt
	c.UpdatedAt = now
	stored := c.Clone()
	db.contacts[c.ContactKey] = stored
	db.stats.Registered++
	db.countLocked(c.Status)

	return *stored.Clone(), db.saveLocked()
}

// UpdateContactStatus transitions key to status with reason. It is a no-op
// when key is unknown. Moving to pending clears the reason.
func (db *DB) UpdateContactStatus(key string, status types.ContactStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", types.ErrInvalidContact, status)
	}
	key = types.NormalizeKey(key)
	now := db.clk.Now().UTC()

	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.contacts[key]
	if !ok {
		return nil
	}
	c.Status = status
	c.Reason = reason
	c.UpdatedAt = now
	if status == types.StatusPending {
		c.Reason = ""
		c.PendingSince = now
	}
	db.countLocked(status)
	return db.saveLocked()
}

// MarkSent moves key to sent and stores the delivered text.
func (db *DB) MarkSent(key, text string, at time.Time) error {
	key = types.NormalizeKey(key)
	at = at.UTC()

	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.contacts[key]
	if !ok {
		return nil
	}
	c.Status = types.StatusSent
	c.Reason = ""
	c.SentText = text
	c.SentAt = &at
	c.UpdatedAt = at
	db.countLocked(types.StatusSent)
	return db.saveLocked()
}

// GetContactsForSending returns pending contacts in FIFO order of
// PendingSince (ties broken by insertion order), paginated.
func (db *DB) GetContactsForSending(limit, offset int) []types.Contact {
	db.mu.RLock()
	pending := make([]*types.Contact, 0)
	for _, c := range db.contacts {
		if c.Status == types.StatusPending {
			pending = append(pending, c)
		}
	}
	sortFIFO(pending, func(c *types.Contact) time.Time { return c.PendingSince })

	out := make([]types.Contact, 0)
	if offset < 0 {
		offset = 0
	}
	for i := offset; i < len(pending) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, *pending[i].Clone())
	}
	db.mu.RUnlock()
	return out
}

// PendingCount returns the number of pending contacts.
func (db *DB) PendingCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	n := 0
	for _, c := range db.contacts {
		if c.Status == types.StatusPending {
			n++
		}
	}
	return n
}

// RequeueFailed walks up to limit failed contacts, oldest failure first.
// Contacts whose reason matches the permanent-failure policy are deleted;
// contacts under the requeue cap go back to pending with the reason cleared.
func (db *DB) RequeueFailed(limit int) (RequeueResult, error) {
	now := db.clk.Now().UTC()
	var res RequeueResult

	db.mu.Lock()
	defer db.mu.Unlock()

	failed := make([]*types.Contact, 0)
	for _, c := range db.contacts {
		if c.Status == types.StatusFailed {
			failed = append(failed, c)
		}
	}
	sortFIFO(failed, func(c *types.Contact) time.Time { return c.UpdatedAt })

	for _, c := range failed {
		if limit > 0 && res.Requeued+res.Deleted >= limit {
			break
		}
		if pat, ok := db.policy.Match(c.Reason); ok {
			delete(db.contacts, c.ContactKey)
			db.stats.Deleted++
			res.Deleted++
			db.log.Info().Str("contact", c.ContactKey).Str("reason", c.Reason).
				Str("pattern", pat).Msg("deleted contact with permanent failure")
			continue
		}
		if db.cfg.MaxRequeues > 0 && c.Requeues >= db.cfg.MaxRequeues {
			res.Exhausted++
			continue
		}
		c.Status = types.StatusPending
		c.Reason = ""
		c.Requeues++
		c.PendingSince = now
		c.UpdatedAt = now
		db.stats.Requeued++
		res.Requeued++
	}

	if res.Requeued == 0 && res.Deleted == 0 {
		return res, nil
	}
	return res, db.saveLocked()
}

// DeleteContact removes key. It reports whether a record existed.
func (db *DB) DeleteContact(key string) (bool, error) {
	key = types.NormalizeKey(key)
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.contacts[key]; !ok {
		return false, nil
	}
	delete(db.contacts, key)
	db.stats.Deleted++
	return true, db.saveLocked()
}

// SetPeerProgress records the highest message id scanned in peerID.
// The watermark never moves backwards.
func (db *DB) SetPeerProgress(peerID, lastMessageID int64) error {
	k := strconv.FormatInt(peerID, 10)
	db.mu.Lock()
	defer db.mu.Unlock()
	if p, ok := db.peers[k]; ok && p.LastMessageID >= lastMessageID {
		return nil
	}
	db.peers[k] = PeerProgress{PeerID: peerID, LastMessageID: lastMessageID, UpdatedAt: db.clk.Now().UTC()}
	return db.saveLocked()
}

// PeerProgress returns the scan watermark for peerID.
func (db *DB) PeerProgress(peerID int64) (PeerProgress, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	p, ok := db.peers[strconv.FormatInt(peerID, 10)]
	return p, ok
}

// Stats returns the cumulative counters.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.stats
}

// Counts returns the live number of contacts per status.
func (db *DB) Counts() Counts {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var c Counts
	for _, ct := range db.contacts {
		c.Total++
		switch ct.Status {
		case types.StatusPending:
			c.Pending++
		case types.StatusSent:
			c.Sent++
		case types.StatusSkipped:
			c.Skipped++
		case types.StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Flush rewrites the ledger.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveLocked()
}

// countLocked bumps the cumulative counter for a terminal status.
func (db *DB) countLocked(s types.ContactStatus) {
	switch s {
	case types.StatusSent:
		db.stats.Sent++
	case types.StatusSkipped:
		db.stats.Skipped++
	case types.StatusFailed:
		db.stats.Failed++
	}
}

// saveLocked persists the whole ledger. On failure the in-memory state is
// kept and the error returned for the caller to log.
// MUST be called with db.mu held.
func (db *DB) saveLocked() error {
	doc := document{
		Contacts: make([]*types.Contact, 0, len(db.contacts)),
		Peers:    db.peers,
		Stats:    db.stats,
		Seq:      db.seq,
	}
	for _, c := range db.contacts {
		doc.Contacts = append(doc.Contacts, c)
	}
	sort.Slice(doc.Contacts, func(i, j int) bool { return doc.Contacts[i].Seq < doc.Contacts[j].Seq })

	if err := db.st.Save(documentName, doc); err != nil {
		db.log.Error().Err(err).Msg("persist contact ledger failed")
		return fmt.Errorf("contactdb: save: %w", err)
	}
	return nil
}

func sortFIFO(cs []*types.Contact, key func(*types.Contact) time.Time) {
	sort.Slice(cs, func(i, j int) bool {
		ki, kj := key(cs[i]), key(cs[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return cs[i].Seq < cs[j].Seq
	})
}
