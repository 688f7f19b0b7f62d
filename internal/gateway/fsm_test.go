package gateway

import (
	"path/filepath"
	"testing"

	"github.com/danvoulez/logline/internal/timeline"
	"github.com/danvoulez/logline/pkg/span"
)

func newTestFSM(t *testing.T) (*FSM, *SessionStore) {
	t.Helper()
	store, err := timeline.OpenFileStore(filepath.Join(t.TempDir(), "timeline.ndjson"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	sessions := NewSessionStore()
	return NewFSM(sessions, store), sessions
}

func TestOnboardingHappyPath(t *testing.T) {
	fsm, sessions := newTestFSM(t)
	sess, err := sessions.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if sess.State != StateNone {
		t.Fatalf("expected initial state none, got %q", sess.State)
	}

	if _, err := fsm.CreateIdentity(sess.ID, "node-a", "alice"); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if sess.State != StateS1 {
		t.Fatalf("expected S1 after create_identity, got %q", sess.State)
	}

	if _, err := fsm.CreateTenant(sess.ID, "tenant-1"); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if sess.State != StateS2 {
		t.Fatalf("expected S2 after create_tenant, got %q", sess.State)
	}

	if _, err := fsm.AssignIdentity(sess.ID, "alice"); err != nil {
		t.Fatalf("AssignIdentity: %v", err)
	}
	if sess.State != StateS3 {
		t.Fatalf("expected S3 after assign_identity, got %q", sess.State)
	}

	if _, err := fsm.SelectTemplate(sess.ID, "default"); err != nil {
		t.Fatalf("SelectTemplate: %v", err)
	}
	if sess.State != StateS4 {
		t.Fatalf("expected S4 after select_template, got %q", sess.State)
	}

	if _, err := fsm.DeclarePurpose(sess.ID, "testing"); err != nil {
		t.Fatalf("DeclarePurpose: %v", err)
	}
	if sess.State != StateS5 {
		t.Fatalf("expected S5 after declare_purpose, got %q", sess.State)
	}

	if _, err := fsm.ExecuteCommand(sess.ID, "noop"); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if sess.State != StateS5 {
		t.Fatalf("expected execute_command to stay in S5, got %q", sess.State)
	}
	if _, err := fsm.ExecuteCommand(sess.ID, "noop-again"); err != nil {
		t.Fatalf("ExecuteCommand repeated: %v", err)
	}
}

func TestOnboardingRejectsOutOfOrderTransition(t *testing.T) {
	fsm, sessions := newTestFSM(t)
	sess, _ := sessions.Create()

	_, err := fsm.CreateTenant(sess.ID, "tenant-1")
	if err == nil || span.KindOf(err) != span.KindValidation {
		t.Fatalf("expected bad_request for create_tenant before create_identity, got %v", err)
	}
}

func TestOnboardingRejectsHandleMismatch(t *testing.T) {
	fsm, sessions := newTestFSM(t)
	sess, _ := sessions.Create()

	if _, err := fsm.CreateIdentity(sess.ID, "node-a", "alice"); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if _, err := fsm.CreateTenant(sess.ID, "tenant-1"); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	_, err := fsm.AssignIdentity(sess.ID, "bob")
	if err == nil || span.KindOf(err) != span.KindValidation {
		t.Fatalf("expected bad_request for mismatched handle, got %v", err)
	}
	if sess.State != StateS2 {
		t.Fatalf("expected state to remain S2 after rejected transition, got %q", sess.State)
	}
}

func TestOnboardingTransitionsRecordSignedSpans(t *testing.T) {
	store, err := timeline.OpenFileStore(filepath.Join(t.TempDir(), "timeline.ndjson"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()
	sessions := NewSessionStore()
	fsm := NewFSM(sessions, store)

	sess, _ := sessions.Create()
	if _, err := fsm.CreateIdentity(sess.ID, "node-a", "alice"); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	results, err := store.Query(timeline.Filter{Author: sess.Principal.ID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Title != "onboarding_create_identity" {
		t.Fatalf("expected one onboarding_create_identity span, got %+v", results)
	}
	if results[0].Signature == "" {
		t.Fatal("expected recorded span to be signed")
	}

	if err := store.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	fsm, _ := newTestFSM(t)
	_, err := fsm.CreateIdentity("does-not-exist", "n", "a")
	if err == nil || span.KindOf(err) != span.KindNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
