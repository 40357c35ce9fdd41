package jsonfile_test

import (
	"errors"
	"os"
	"testing"

	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/storage/jsonfile"
)

type doc struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestStore_SaveLoad(t *testing.T) {
	s, err := jsonfile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	in := doc{Name: "contacts", Items: []string{"a", "b"}}
	if err := s.Save("contacts", in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var out doc
	if err := s.Load("contacts", &out); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Name != in.Name || len(out.Items) != 2 {
		t.Fatalf("Load = %+v", out)
	}
	if _, err := os.Stat(s.Path("contacts") + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file must be renamed away after Save")
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s, _ := jsonfile.Open(t.TempDir())
	var out doc
	if err := s.Load("nothing", &out); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, _ := jsonfile.Open(dir)
	if err := s.Save("checkpoint", doc{Name: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = s.Close()

	s2, _ := jsonfile.Open(dir)
	var out doc
	if err := s2.Load("checkpoint", &out); err != nil || out.Name != "x" {
		t.Fatalf("Load after reopen: %+v, %v", out, err)
	}
}

func TestStore_InvalidNameAndClosed(t *testing.T) {
	s, _ := jsonfile.Open(t.TempDir())
	if err := s.Save("../escape", doc{}); err == nil {
		t.Fatal("expected error for path-like name")
	}
	_ = s.Close()
	if err := s.Save("ok", doc{}); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Save after Close: want ErrClosed, got %v", err)
	}
}

func TestStore_CorruptFile(t *testing.T) {
	s, _ := jsonfile.Open(t.TempDir())
	if err := os.WriteFile(s.Path("broken"), []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}
	var out doc
	err := s.Load("broken", &out)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want parse error, got %v", err)
	}
}
