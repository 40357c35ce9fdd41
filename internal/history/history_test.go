package history_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/history"
	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/storage/jsonfile"
)

func openHistory(t *testing.T, dir string) *history.Store {
	t.Helper()
	st, err := jsonfile.Open(dir)
	if err != nil {
		t.Fatalf("jsonfile.Open: %v", err)
	}
	clk := clock.NewFake(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	h, err := history.Open(st, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	return h
}

func TestHistory_FreshKeyNotSent(t *testing.T) {
	h := openHistory(t, t.TempDir())
	if h.IsAlreadySent("ivan_dev") {
		t.Fatal("fresh key must not be sent")
	}
}

func TestHistory_RecordSentThenIsAlreadySent(t *testing.T) {
	h := openHistory(t, t.TempDir())
	if err := h.RecordSent("@Ivan_Dev", 42); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	for _, k := range []string{"ivan_dev", "@ivan_dev", "IVAN_DEV"} {
		if !h.IsAlreadySent(k) {
			t.Errorf("IsAlreadySent(%q) = false after RecordSent", k)
		}
	}
	if err := h.RecordSent("ivan_dev", 43); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	e, ok := h.Get("ivan_dev")
	if !ok || e.Count != 2 || len(e.SourceMessageIDs) != 2 || e.SourceMessageIDs[1] != 43 {
		t.Fatalf("entry = %+v", e)
	}
	if e.FirstSent.IsZero() || e.LastSent.Before(e.FirstSent) {
		t.Fatalf("timestamps not maintained: %+v", e)
	}
}

func TestHistory_MarkProcessed(t *testing.T) {
	h := openHistory(t, t.TempDir())
	if err := h.MarkProcessed("someone"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !h.IsAlreadySent("someone") {
		t.Fatal("processed key must count as sent")
	}
}

func TestHistory_WriteThroughSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	h := openHistory(t, dir)
	if err := h.RecordSent("petr", 1); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	h2 := openHistory(t, dir)
	if !h2.IsAlreadySent("petr") {
		t.Fatal("record lost across reopen")
	}
	if h2.Len() != 1 {
		t.Fatalf("Len = %d", h2.Len())
	}
}

func TestHistory_EmptyKey(t *testing.T) {
	h := openHistory(t, t.TempDir())
	if err := h.RecordSent("@", 1); !errors.Is(err, history.ErrEmptyKey) {
		t.Fatalf("want ErrEmptyKey, got %v", err)
	}
}

type failingStore struct{}

func (failingStore) Load(string, any) error { return storage.ErrNotFound }
func (failingStore) Save(string, any) error { return errors.New("disk full") }
func (failingStore) Close() error           { return nil }

func TestHistory_PersistFailureKeepsMemoryState(t *testing.T) {
	h, err := history.Open(failingStore{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.RecordSent("anna", 5); err == nil {
		t.Fatal("expected persist error")
	}
	if !h.IsAlreadySent("anna") {
		t.Fatal("in-memory state must not be rolled back on persist failure")
	}
}
