package node_test

import (
	"testing"
	"time"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/node"
	"github.com/snehjoshi/leadflow/internal/storage/boltstore"
	"github.com/snehjoshi/leadflow/internal/storage/jsonfile"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func TestOpen_CreatesAndReloadsInstallation(t *testing.T) {
	st, err := jsonfile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("jsonfile.Open: %v", err)
	}
	clk := clock.NewFake(t0)

	n1, err := node.Open(st, "auto", clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n1.ID().IsZero() || len(n1.ID().String()) != 26 {
		t.Fatalf("unexpected id %q", n1.ID())
	}
	if !n1.InstalledAt().Equal(t0) || n1.Pinned() {
		t.Fatalf("installation = %s pinned=%v", n1.InstalledAt(), n1.Pinned())
	}

	clk.Advance(48 * time.Hour)
	n2, err := node.Open(st, "", clk)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if n2.ID() != n1.ID() || !n2.InstalledAt().Equal(t0) {
		t.Fatalf("installation changed across restarts: %s@%s vs %s@%s", n2.ID(), n2.InstalledAt(), n1.ID(), t0)
	}
}

func TestOpen_Override(t *testing.T) {
	st, err := boltstore.Open(t.TempDir() + "/leadflow.db")
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	defer st.Close()

	stored, err := node.Open(st, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	override := node.NewID()
	n, err := node.Open(st, override, nil)
	if err != nil {
		t.Fatalf("Open with override: %v", err)
	}
	if n.ID().String() != override || !n.Pinned() {
		t.Fatalf("id = %s pinned=%v, want %s pinned", n.ID(), n.Pinned(), override)
	}

	// The override does not replace the stored record.
	again, err := node.Open(st, "", nil)
	if err != nil {
		t.Fatalf("Open after override: %v", err)
	}
	if again.ID() != stored.ID() {
		t.Fatalf("stored id = %s, want %s", again.ID(), stored.ID())
	}

	if _, err := node.Open(st, "not-a-valid-ulid", nil); err == nil {
		t.Fatal("invalid override must be rejected")
	}
}

func TestOpen_CorruptRecord(t *testing.T) {
	st, err := jsonfile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("jsonfile.Open: %v", err)
	}
	if err := st.Save("installation", node.Installation{ID: "garbage"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := node.Open(st, "auto", nil); err == nil {
		t.Fatal("corrupt installation record must be rejected")
	}
}

func TestNewID_UniqueAndOrdered(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := node.NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s after %s", id, prev)
		}
		seen[id] = true
		prev = id
	}
}
