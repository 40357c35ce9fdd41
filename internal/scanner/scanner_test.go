package scanner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/contactdb"
	"github.com/snehjoshi/leadflow/internal/dedup"
	"github.com/snehjoshi/leadflow/internal/extract"
	"github.com/snehjoshi/leadflow/internal/scanner"
	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/storage/jsonfile"
	"github.com/snehjoshi/leadflow/internal/types"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type sliceFeed []types.FeedEntry

func (f sliceFeed) ReadSince(_ context.Context, after int64) ([]types.FeedEntry, error) {
	var out []types.FeedEntry
	for _, e := range f {
		if e.ID > after {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubResolver struct {
	author string
	calls  int
}

func (r *stubResolver) ResolveMessageAuthor(context.Context, string) (string, error) {
	r.calls++
	return r.author, nil
}

type fixture struct {
	store storage.Store
	db    *contactdb.DB
	dedup *dedup.Service
	got   []scanner.Discovery
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := jsonfile.Open(t.TempDir())
	if err != nil {
		t.Fatalf("jsonfile.Open: %v", err)
	}
	db, err := contactdb.Open(st, nil, contactdb.Config{}, clock.NewFake(t0), zerolog.Nop())
	if err != nil {
		t.Fatalf("contactdb.Open: %v", err)
	}
	return &fixture{store: st, db: db, dedup: dedup.New(db, zerolog.Nop())}
}

// register hands discoveries straight to the ledger, as the pipeline's queue
// handler does.
func (f *fixture) register(_ context.Context, d scanner.Discovery) error {
	f.got = append(f.got, d)
	_, _, err := f.dedup.RegisterContact(dedup.Registration{
		Key:             d.Candidate.Key,
		Type:            d.Candidate.Type,
		SourcePeerID:    d.Entry.SourcePeerID,
		SourceMessageID: d.Entry.MessageID,
		LeadText:        d.Entry.FullContent,
	})
	return err
}

func (f *fixture) scanner(t *testing.T, feed scanner.Feed, mod func(*scanner.Deps)) *scanner.Scanner {
	t.Helper()
	deps := scanner.Deps{
		Feed:     feed,
		Store:    f.store,
		Dedup:    f.dedup,
		Handoff:  f.register,
		Progress: f.db,
		Clock:    clock.NewFake(t0),
	}
	if mod != nil {
		mod(&deps)
	}
	s, err := scanner.New(deps, scanner.Config{Interval: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}
	return s
}

func TestScanner_ExtractsMentionFromText(t *testing.T) {
	f := newFixture(t)
	feed := sliceFeed{{ID: 5, FullContent: "пишите @ivan_dev по поводу сайта", SourcePeerName: "chat1"}}
	s := f.scanner(t, feed, nil)

	n, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 1 || len(f.got) != 1 {
		t.Fatalf("handed off %d contacts, want 1", n)
	}
	c := f.got[0].Candidate
	if c.Key != "ivan_dev" || c.Type != types.ContactUsername {
		t.Fatalf("candidate = %+v, want ivan_dev/username", c)
	}
	if got := s.Offset().LastProcessedID; got != 5 {
		t.Fatalf("offset = %d, want 5", got)
	}
}

func TestScanner_OffsetSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	feed := sliceFeed{
		{ID: 1, AuthorUsername: "anna_design", SourcePeerName: "chat1"},
		{ID: 2, AuthorUsername: "boris_dev", SourcePeerName: "chat1"},
	}
	if _, err := f.scanner(t, feed, nil).ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}

	f.got = nil
	feed = append(feed, types.FeedEntry{ID: 3, AuthorUsername: "vera_copy", SourcePeerName: "chat1"})
	s := f.scanner(t, feed, nil)
	if got := s.Offset().LastProcessedID; got != 2 {
		t.Fatalf("reloaded offset = %d, want 2", got)
	}
	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if len(f.got) != 1 || f.got[0].Candidate.Key != "vera_copy" {
		t.Fatalf("after restart got %+v, want only vera_copy", f.got)
	}
}

func TestScanner_HandoffErrorKeepsWatermark(t *testing.T) {
	f := newFixture(t)
	feed := sliceFeed{
		{ID: 1, AuthorUsername: "anna_design"},
		{ID: 2, FullContent: "@boris_dev и @vera_copy"},
	}
	calls := 0
	s := f.scanner(t, feed, func(d *scanner.Deps) {
		d.Handoff = func(ctx context.Context, disc scanner.Discovery) error {
			calls++
			if disc.Candidate.Key == "vera_copy" {
				return errors.New("queue full")
			}
			return f.register(ctx, disc)
		}
	})

	if _, err := s.ScanOnce(context.Background()); err == nil {
		t.Fatal("ScanOnce should surface the handoff error")
	}
	if got := s.Offset().LastProcessedID; got != 1 {
		t.Fatalf("offset = %d, want 1 (entry 2 not fully handled)", got)
	}

	// Retry: boris_dev is now a duplicate, vera_copy goes through.
	f.got = nil
	s2 := f.scanner(t, feed, nil)
	if _, err := s2.ScanOnce(context.Background()); err != nil {
		t.Fatalf("retry ScanOnce: %v", err)
	}
	if len(f.got) != 1 || f.got[0].Candidate.Key != "vera_copy" {
		t.Fatalf("retry handed off %+v, want only vera_copy", f.got)
	}
	if got := s2.Offset().LastProcessedID; got != 2 {
		t.Fatalf("offset after retry = %d, want 2", got)
	}
}

func TestScanner_SkipsKnownContacts(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.dedup.RegisterContact(dedup.Registration{Key: "ivan_dev"}); err != nil {
		t.Fatalf("RegisterContact: %v", err)
	}
	feed := sliceFeed{
		{ID: 1, AuthorUsername: "@Ivan_Dev"},
		{ID: 2, FullContent: "ещё раз @ivan_dev"},
	}
	s := f.scanner(t, feed, nil)
	n, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 0 || len(f.got) != 0 {
		t.Fatalf("handed off %d duplicates", n)
	}
	if st := s.Stats(); st.Duplicates != 2 || st.LastProcessedID != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestScanner_DenyFilter(t *testing.T) {
	f := newFixture(t)
	deny, err := scanner.NewDenyFilter([]string{"Spam Chat"}, []string{`^vacancies_`})
	if err != nil {
		t.Fatalf("NewDenyFilter: %v", err)
	}
	feed := sliceFeed{
		{ID: 1, AuthorUsername: "anna_design", SourcePeerName: "spam chat"},
		{ID: 2, AuthorUsername: "boris_dev", SourcePeerName: "Vacancies_IT"},
		{ID: 3, AuthorUsername: "vera_copy", SourcePeerName: "freelance"},
	}
	s := f.scanner(t, feed, func(d *scanner.Deps) { d.Deny = deny })
	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if len(f.got) != 1 || f.got[0].Candidate.Key != "vera_copy" {
		t.Fatalf("got %+v, want only vera_copy", f.got)
	}
	if st := s.Stats(); st.Denied != 2 || st.LastProcessedID != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestScanner_ResolvesOnlyWhenNothingExtracted(t *testing.T) {
	f := newFixture(t)
	res := &stubResolver{author: "@Petr_Owner"}
	feed := sliceFeed{
		{ID: 1, FullContent: "нужен лендинг, пишите в лс", MessageLink: "https://t.me/chat1/77"},
		{ID: 2, FullContent: "@anna_design нужен логотип", MessageLink: "https://t.me/chat1/78"},
		{ID: 3, FullContent: "без ссылки"},
	}
	s := f.scanner(t, feed, func(d *scanner.Deps) { d.Resolver = res })
	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if res.calls != 1 {
		t.Fatalf("resolver called %d times, want 1", res.calls)
	}
	if len(f.got) != 2 {
		t.Fatalf("handed off %d, want 2", len(f.got))
	}
	if c := f.got[0].Candidate; c.Key != "petr_owner" || c.Source != extract.SourceResolved {
		t.Fatalf("resolved candidate = %+v", c)
	}
}

func TestScanner_RecordsPeerProgress(t *testing.T) {
	f := newFixture(t)
	feed := sliceFeed{{ID: 1, SourcePeerID: -100500, MessageID: 42, AuthorUsername: "anna_design"}}
	if _, err := f.scanner(t, feed, nil).ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	p, ok := f.db.PeerProgress(-100500)
	if !ok || p.LastMessageID != 42 {
		t.Fatalf("peer progress = %+v, %v", p, ok)
	}
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s := f.scanner(t, sliceFeed{{ID: 1, AuthorUsername: "anna_design"}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestFileFeed_JSONLinesAndArray(t *testing.T) {
	dir := t.TempDir()
	lines := filepath.Join(dir, "feed.jsonl")
	body := `{"id":1,"full_content":"a","source_peer_name":"c"}
not json
{"id":3,"full_content":"c","author_username":"anna_design"}
{"id":2,"full_content":"b"}
{"id":4,"full_cont`
	if err := os.WriteFile(lines, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := scanner.NewFileFeed(lines, zerolog.Nop()).ReadSince(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 3 {
		t.Fatalf("jsonl entries = %+v, want ids 2,3", got)
	}

	arr := filepath.Join(dir, "feed.json")
	if err := os.WriteFile(arr, []byte(` [{"id":7},{"id":6}]`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err = scanner.NewFileFeed(arr, zerolog.Nop()).ReadSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(got) != 2 || got[0].ID != 6 {
		t.Fatalf("array entries = %+v", got)
	}

	got, err = scanner.NewFileFeed(filepath.Join(dir, "missing.jsonl"), zerolog.Nop()).ReadSince(context.Background(), 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("missing feed = %v, %v", got, err)
	}
}
