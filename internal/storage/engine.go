// Package storage defines the document-store abstraction used by every
// durable component of the pipeline (contact ledger, sent history,
// checkpoint, scanner offset).
//
// Design principle: stores above this layer ONLY interact with disk through
// this interface. Each component owns one named document and rewrites it in
// full on every mutation; at the expected scale (tens of thousands of
// records) this keeps the on-disk state trivially consistent.
package storage

import "errors"

// ErrNotFound is returned by Load when the named document has never been
// saved.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned when a store is used after Close.
var ErrClosed = errors.New("storage: closed")

// Backend names accepted by configuration.
const (
	BackendJSON = "json"
	BackendBolt = "bolt"
)

// Store persists whole documents by name.
//
// Implementations:
//   - jsonfile.Store: one JSON file per document, atomic rename
//   - boltstore.Store: one bbolt database, one key per document
//
// All methods must be safe for concurrent use. Save must be durable when it
// returns nil.
type Store interface {
	// Load decodes the named document into v.
	// Returns ErrNotFound if the document does not exist.
	Load(name string, v any) error

	// Save encodes v and replaces the named document.
	Save(name string, v any) error

	// Close releases file handles. Further calls return ErrClosed.
	Close() error
}
