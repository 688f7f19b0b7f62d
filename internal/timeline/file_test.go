package timeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danvoulez/logline/pkg/span"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	fs, err := OpenFileStore(filepath.Join(dir, "timeline.ndjson"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestAppendAndGet(t *testing.T) {
	fs := newFileStore(t)
	s := &span.Span{ID: "s1", Author: "alice", Title: "t1", Signature: "sig1", Timestamp: time.Now().UTC()}
	if err := fs.Append(s); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, ok, err := fs.Get("s1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Author != "alice" {
		t.Fatalf("unexpected span: %+v", got)
	}
}

func TestAppendRejectsMissingSignature(t *testing.T) {
	fs := newFileStore(t)
	err := fs.Append(&span.Span{ID: "s1", Timestamp: time.Now().UTC()})
	if err == nil {
		t.Fatal("expected validation error for missing signature")
	}
}

func TestAppendDuplicateIdenticalIsIdempotent(t *testing.T) {
	fs := newFileStore(t)
	s := &span.Span{ID: "s1", Author: "alice", Signature: "sig1", Timestamp: time.Now().UTC()}
	if err := fs.Append(s); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := fs.Append(s); err != nil {
		t.Fatalf("expected idempotent duplicate append to succeed, got %v", err)
	}
}

func TestAppendDuplicateDifferentContentConflicts(t *testing.T) {
	fs := newFileStore(t)
	s1 := &span.Span{ID: "s1", Author: "alice", Signature: "sig1", Timestamp: time.Now().UTC()}
	s2 := &span.Span{ID: "s1", Author: "bob", Signature: "sig2", Timestamp: time.Now().UTC()}
	if err := fs.Append(s1); err != nil {
		t.Fatalf("Append s1: %v", err)
	}
	err := fs.Append(s2)
	if err == nil || span.KindOf(err) != span.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestReopenReloadsSpansFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeline.ndjson")
	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := fs.Append(&span.Span{ID: "s1", Author: "alice", Signature: "sig1", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	fs.Close()

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	_, ok, _ := reopened.Get("s1")
	if !ok {
		t.Fatal("expected span to survive reopen")
	}
}

func TestTenantVisibilityRules(t *testing.T) {
	fs := newFileStore(t)
	now := time.Now().UTC()
	spans := []*span.Span{
		{ID: "priv-a", Author: "a", Signature: "x", TenantID: "tenant-a", Visibility: span.VisibilityPrivate, Timestamp: now},
		{ID: "priv-b", Author: "b", Signature: "x", TenantID: "tenant-b", Visibility: span.VisibilityPrivate, Timestamp: now},
		{ID: "pub", Author: "c", Signature: "x", TenantID: "tenant-b", Visibility: span.VisibilityPublic, Timestamp: now},
		{ID: "org", Author: "d", Signature: "x", OrganizationID: "org-1", Visibility: span.VisibilityOrganization, Timestamp: now},
	}
	for _, s := range spans {
		if err := fs.Append(s); err != nil {
			t.Fatalf("Append %s: %v", s.ID, err)
		}
	}

	results, err := fs.Query(Filter{TenantID: "tenant-a", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	ids := make(map[string]bool)
	for _, s := range results {
		ids[s.ID] = true
	}
	if !ids["priv-a"] || !ids["pub"] || !ids["org"] {
		t.Fatalf("expected own-tenant, public, and own-org spans visible, got %v", ids)
	}
	if ids["priv-b"] {
		t.Fatal("expected other tenant's private span to be invisible")
	}
}

func TestSearchMatchesTitleAndPayload(t *testing.T) {
	fs := newFileStore(t)
	fs.Append(&span.Span{ID: "s1", Author: "a", Signature: "x", Title: "Quarterly Report", Timestamp: time.Now().UTC()})
	fs.Append(&span.Span{ID: "s2", Author: "a", Signature: "x", Payload: map[string]any{"note": "contains needle text"}, Timestamp: time.Now().UTC()})
	fs.Append(&span.Span{ID: "s3", Author: "a", Signature: "x", Title: "Unrelated", Timestamp: time.Now().UTC()})

	results, err := fs.Search("needle", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "s2" {
		t.Fatalf("expected payload search to find s2, got %+v", results)
	}

	results2, err := fs.Search("quarterly", "", 10)
	if err != nil || len(results2) != 1 || results2[0].ID != "s1" {
		t.Fatalf("expected title search to find s1, got %+v err=%v", results2, err)
	}
}

func TestTenantStatsAggregates(t *testing.T) {
	fs := newFileStore(t)
	now := time.Now().UTC()
	fs.Append(&span.Span{ID: "s1", Author: "alice", Signature: "x", TenantID: "t1", Timestamp: now})
	fs.Append(&span.Span{ID: "s2", Author: "alice", Signature: "x", TenantID: "t1", Timestamp: now})
	fs.Append(&span.Span{ID: "s3", Author: "bob", Signature: "x", TenantID: "t1", Timestamp: now})

	stats, err := fs.TenantStats("t1")
	if err != nil {
		t.Fatalf("TenantStats: %v", err)
	}
	if stats.Total != 3 || stats.ActiveUsers != 2 || stats.TopAuthor != "alice" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestVerifyIntegrityDetectsCycle(t *testing.T) {
	fs := newFileStore(t)
	fs.Append(&span.Span{ID: "a", Author: "x", Signature: "sig", Timestamp: time.Now().UTC()})
	fs.Append(&span.Span{ID: "b", Author: "x", Signature: "sig", CausedBy: "a", Timestamp: time.Now().UTC()})

	if err := fs.VerifyIntegrity(); err != nil {
		t.Fatalf("expected acyclic chain to verify, got %v", err)
	}

	// Manually inject a cycle to exercise the detector.
	fs.mu.Lock()
	fs.spans["a"].CausedBy = "b"
	fs.mu.Unlock()

	if err := fs.VerifyIntegrity(); err == nil {
		t.Fatal("expected cycle in caused_by chain to be detected")
	}
}

func TestAppendRejectsUnresolvedCausedBy(t *testing.T) {
	fs := newFileStore(t)
	err := fs.Append(&span.Span{ID: "a", Author: "x", Signature: "sig", CausedBy: "ghost", Timestamp: time.Now().UTC()})
	if err == nil {
		t.Fatal("expected append to reject an unresolved caused_by reference")
	}
}

func TestVerifyIntegrityDetectsUnresolvedReference(t *testing.T) {
	fs := newFileStore(t)
	fs.Append(&span.Span{ID: "a", Author: "x", Signature: "sig", Timestamp: time.Now().UTC()})

	// Bypass Append's own validation to simulate corruption that
	// verify_integrity is responsible for catching after the fact.
	fs.mu.Lock()
	fs.spans["a"].CausedBy = "ghost"
	fs.mu.Unlock()

	if err := fs.VerifyIntegrity(); err == nil {
		t.Fatal("expected unresolved caused_by reference to be detected")
	}
}
