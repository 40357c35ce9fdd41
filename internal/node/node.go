// Package node is the identity of one leadflow installation.
//
// The installation record lives in the same document store as the contact
// ledger, so it moves with the data when the data directory is copied and
// disappears with it when the ledger is wiped. Its id salts message variant
// ids: two installations sending the same template to the same contact
// produce unrelated variant ids.
package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/storage"
)

const document = "installation"

// ID is an installation ULID.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Installation is the persisted record.
type Installation struct {
	ID          ID        `json:"id"`
	InstalledAt time.Time `json:"installed_at"`
}

// Node is the installation in use by this process.
type Node struct {
	inst   Installation
	pinned bool
}

// Open loads the installation record from st and creates it on first run.
// An override other than "" or "auto" must be a ULID; it is used for this
// process only and the stored record is left untouched.
func Open(st storage.Store, override string, clk clock.Clock) (*Node, error) {
	if clk == nil {
		clk = clock.New()
	}
	var inst Installation
	err := st.Load(document, &inst)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		inst = Installation{ID: ID(NewID()), InstalledAt: clk.Now().UTC()}
		if err := st.Save(document, inst); err != nil {
			return nil, fmt.Errorf("node: save installation: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("node: load installation: %w", err)
	default:
		if _, err := ulid.ParseStrict(inst.ID.String()); err != nil {
			return nil, fmt.Errorf("node: stored installation id %q: %w", inst.ID, err)
		}
	}

	if override == "" || override == "auto" {
		return &Node{inst: inst}, nil
	}
	if _, err := ulid.ParseStrict(override); err != nil {
		return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
	}
	inst.ID = ID(override)
	return &Node{inst: inst, pinned: true}, nil
}

// ID returns the installation id in use.
func (n *Node) ID() ID { return n.inst.ID }

// InstalledAt is when the stored record was created.
func (n *Node) InstalledAt() time.Time { return n.inst.InstalledAt }

// Pinned reports whether the id came from configuration.
func (n *Node) Pinned() bool { return n.pinned }

// NewID returns a fresh time-ordered id. Ids minted by one process sort in
// creation order, also within the same millisecond.
func NewID() string {
	return ulid.Make().String()
}
