package identity

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/danvoulez/logline/internal/timeline"
	"github.com/danvoulez/logline/pkg/span"
)

func TestGenerateAndParse(t *testing.T) {
	p, kp, err := Generate("alice-node", "root")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if p.ID != "logline-id://alice-node/root" {
		t.Fatalf("unexpected id: %s", p.ID)
	}
	node, alias, err := Parse(p.ID)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if node != "alice-node" || alias != "root" {
		t.Fatalf("parse mismatch: %s/%s", node, alias)
	}
	if len(kp.Signing) == 0 || len(kp.Verifying) == 0 {
		t.Fatal("expected non-empty key material")
	}
}

func TestParseRejectsMissingPrefix(t *testing.T) {
	if _, _, err := Parse("alice/root"); err == nil {
		t.Fatal("expected error for missing prefix")
	}
}

func TestParseRejectsMissingAlias(t *testing.T) {
	if _, _, err := Parse("logline-id://alice"); err == nil {
		t.Fatal("expected error for missing alias")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	_, kp, err := Generate("node", "alias")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("hello logline")
	sig := Sign(kp.Signing, msg)
	if !Verify(kp.Verifying, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(kp.Verifying, []byte("tampered"), sig) {
		t.Fatal("expected tampered message to fail verification")
	}
}

func TestClaimGhost(t *testing.T) {
	reg := NewRegistry()

	store, err := timeline.OpenFileStore(filepath.Join(t.TempDir(), "timeline.ndjson"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()

	ghostPrincipal, ghostKeys, err := Generate("node", "ghost1")
	if err != nil {
		t.Fatalf("Generate ghost: %v", err)
	}
	ghostPrincipal.Status = span.StatusGhost
	reg.Put(ghostPrincipal)

	for _, title := range []string{"ghost_note_1", "ghost_note_2"} {
		s := &span.Span{
			ID:        title,
			Timestamp: ghostPrincipal.IssuedAt,
			Author:    ghostPrincipal.ID,
			Title:     title,
			Payload:   map[string]any{"type": "note"},
			Status:    span.SpanExecuted,
			Type:      span.SpanTypeGhost,
		}
		raw, err := span.Canonical(s.SigningHeader())
		if err != nil {
			t.Fatalf("canonicalize: %v", err)
		}
		s.Signature = base64.StdEncoding.EncodeToString(Sign(ghostKeys.Signing, raw))
		if err := store.Append(s); err != nil {
			t.Fatalf("seed ghost span %s: %v", title, err)
		}
	}

	permanent, permanentKeys, err := Generate("node", "permanent1")
	if err != nil {
		t.Fatalf("Generate permanent: %v", err)
	}

	claimed, err := reg.ClaimGhost(store, ghostPrincipal.ID, permanent, permanentKeys.Signing)
	if err != nil {
		t.Fatalf("ClaimGhost: %v", err)
	}
	if claimed.ID != permanent.ID {
		t.Fatal("expected claimed principal to be the permanent one")
	}
	g, ok := reg.Get(ghostPrincipal.ID)
	if !ok || g.Status != span.StatusRevoked {
		t.Fatalf("expected ghost to be revoked, got %+v", g)
	}

	reassigned, err := store.Query(timeline.Filter{Author: permanent.ID})
	if err != nil {
		t.Fatalf("query reassigned spans: %v", err)
	}
	// Two reassigned copies plus the ghost_claimed span, which is also
	// authored by the permanent principal.
	if len(reassigned) != 3 {
		t.Fatalf("expected 2 reassigned spans plus the ghost_claimed span under %s, got %d", permanent.ID, len(reassigned))
	}
	seenCausedBy := map[string]bool{}
	for _, s := range reassigned {
		seenCausedBy[s.CausedBy] = true
	}
	if !seenCausedBy["ghost_note_1"] || !seenCausedBy["ghost_note_2"] {
		t.Fatalf("expected reassigned spans to chain back to the originals, got %+v", reassigned)
	}

	claims, err := store.Query(timeline.Filter{SpanType: span.SpanTypeSystem})
	if err != nil {
		t.Fatalf("query system spans: %v", err)
	}
	var found bool
	for _, s := range claims {
		if s.Title == "ghost_claimed" && s.Payload["ghost_id"] == ghostPrincipal.ID && s.Payload["permanent_id"] == permanent.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a ghost_claimed system span recording %s -> %s", ghostPrincipal.ID, permanent.ID)
	}
}
