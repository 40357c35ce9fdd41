package dedup_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/contactdb"
	"github.com/snehjoshi/leadflow/internal/dedup"
	"github.com/snehjoshi/leadflow/internal/storage/jsonfile"
	"github.com/snehjoshi/leadflow/internal/types"
)

func newService(t *testing.T) (*dedup.Service, *contactdb.DB) {
	t.Helper()
	st, err := jsonfile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("jsonfile.Open: %v", err)
	}
	db, err := contactdb.Open(st, nil, contactdb.Config{}, clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)), zerolog.Nop())
	if err != nil {
		t.Fatalf("contactdb.Open: %v", err)
	}
	return dedup.New(db, zerolog.Nop()), db
}

func TestService_RegisterIsIdempotent(t *testing.T) {
	svc, db := newService(t)

	first, created, err := svc.RegisterContact(dedup.Registration{Key: "@Ivan_Dev", SourceMessageID: 5, LeadText: "нужен сайт"})
	if err != nil || !created {
		t.Fatalf("first register = %v, %v", created, err)
	}
	second, created, err := svc.RegisterContact(dedup.Registration{Key: "ivan_dev", SourceMessageID: 9})
	if err != nil || created {
		t.Fatalf("second register = %v, %v", created, err)
	}
	if second.Seq != first.Seq || second.SourceMessageID != 5 || second.ContactType != types.ContactUsername {
		t.Fatalf("second register returned %+v, want the first record unchanged", second)
	}
	if n := db.Counts().Total; n != 1 {
		t.Fatalf("ledger holds %d records, want 1", n)
	}
}

func TestService_CheckDuplicate(t *testing.T) {
	svc, _ := newService(t)
	if r := svc.CheckDuplicate("anna"); r.IsDuplicate {
		t.Fatal("unknown key reported as duplicate")
	}
	if r := svc.CheckDuplicate("  @ "); r.IsDuplicate {
		t.Fatal("empty key reported as duplicate")
	}

	if _, _, err := svc.RegisterContact(dedup.Registration{Key: "anna", Type: types.ContactLink}); err != nil {
		t.Fatalf("RegisterContact: %v", err)
	}
	if err := svc.MarkStatus("anna", types.StatusFailed, "timeout"); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	r := svc.CheckDuplicate("@ANNA")
	if !r.IsDuplicate || r.Contact.Status != types.StatusFailed || r.Reason != "contact already failed (timeout)" {
		t.Fatalf("CheckDuplicate = %+v", r)
	}
}

func TestService_RegisterInvalid(t *testing.T) {
	svc, _ := newService(t)
	if _, _, err := svc.RegisterContact(dedup.Registration{Key: "@"}); err == nil {
		t.Fatal("empty key must be rejected")
	}
}
