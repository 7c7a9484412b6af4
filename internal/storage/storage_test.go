package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestInvocationLifecycle(t *testing.T) {
	s, _ := newStore(t)
	rec := InvocationRecord{ID: "inv-1", SessionID: "sess-1", Mode: "scribbles", Width: 400, Height: 300, ManifestPath: "/tmp/a.meta.json"}
	if err := s.RecordQueued(rec); err != nil {
		t.Fatalf("RecordQueued: %v", err)
	}
	got, err := s.Get("inv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued || got.StartedAt != nil {
		t.Fatalf("unexpected queued record %+v", got)
	}

	if err := s.RecordStart("inv-1"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	err = s.RecordResult("inv-1", Outcome{Status: StatusFailed, ExitCode: 1, ErrorKind: "engine", Error: "exit 1", Stderr: "bad input", Duration: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	got, err = s.Get("inv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.ExitCode != 1 || got.Stderr != "bad input" || got.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected final record %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not recorded")
	}
	if got.Width != 400 || got.SessionID != "sess-1" {
		t.Fatalf("queued fields lost: %+v", got)
	}
}

func TestRecentAndCounts(t *testing.T) {
	s, _ := newStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordQueued(InvocationRecord{ID: id, Mode: "rect"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordResult("b", Outcome{Status: StatusCompleted, Foreground: 12}); err != nil {
		t.Fatal(err)
	}
	recs, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c" {
		t.Fatalf("expected newest first, got %+v", recs)
	}
	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[StatusQueued] != 2 || counts[StatusCompleted] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestOpenReadOnly(t *testing.T) {
	s, path := newStore(t)
	if err := s.RecordQueued(InvocationRecord{ID: "x", Mode: "mask"}); err != nil {
		t.Fatal(err)
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()
	recs, err := ro.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "x" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if err := ro.RecordStart("x"); err == nil {
		t.Fatalf("read-only store must refuse writes")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordQueued(InvocationRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes, got %v", err)
	}
	if _, err := s.Recent(1); err == nil {
		t.Fatalf("nil store reads should fail")
	}
}
