package federation

import (
	"testing"

	"github.com/danvoulez/logline/pkg/span"
)

func TestRegisterNodeStartsValidatingWithHalfTrust(t *testing.T) {
	svc := New(nil)
	n := svc.RegisterNode("node-a", []byte("pub"), "node-a.example.com:9000", []string{"timeline", "rules"}, "v1")
	if n.Trust != 0.5 {
		t.Fatalf("expected initial trust 0.5, got %v", n.Trust)
	}
	if n.Status != span.FedPending {
		t.Fatalf("expected pending status, got %v", n.Status)
	}
}

func TestShareIdentityRejectedBelowThreshold(t *testing.T) {
	svc := New(nil)
	svc.RegisterNode("node-a", nil, "addr", nil, "v1")
	svc.mu.Lock()
	svc.nodes["node-a"].Trust = 0.4
	svc.mu.Unlock()

	_, err := svc.ShareIdentity("node-a", span.Principal{ID: "logline-id://node-a/bob"}, nil)
	if err == nil || span.KindOf(err) != span.KindPermissionDenied {
		t.Fatalf("expected permission-denied for low-trust origin node, got %v", err)
	}
}

func TestTrustFormulaWithFullEndorsements(t *testing.T) {
	svc := New(nil)
	svc.RegisterNode("node-a", nil, "addr", nil, "v1")
	svc.mu.Lock()
	svc.nodes["node-a"].Trust = 1.0
	svc.mu.Unlock()

	fi, err := svc.ShareIdentity("node-a", span.Principal{ID: "logline-id://node-a/bob"}, []Endorsement{
		{FromNode: "node-b", Kind: "full", Signed: "sig-b"},
		{FromNode: "node-c", Kind: "full", Signed: "sig-c"},
	})
	if err != nil {
		t.Fatalf("ShareIdentity: %v", err)
	}

	// 0.5*1.0 + (0.2+0.2) + min(0.2, 0.05*2) = 0.5 + 0.4 + 0.1 = 1.0, clamped to 1.0
	want := 1.0
	if fi.TrustScore != want {
		t.Fatalf("expected trust score %.3f, got %.3f", want, fi.TrustScore)
	}
	if fi.Status != span.FedTrusted {
		t.Fatalf("expected trusted status, got %v", fi.Status)
	}
}

func TestTrustFormulaWithRevocationDropsToSuspicious(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTrustThreshold = 0.4 // admit the 0.4-trust origin node so its share is scored
	svc := New(cfg)
	svc.RegisterNode("node-a", nil, "addr", nil, "v1")
	svc.mu.Lock()
	svc.nodes["node-a"].Trust = 0.4
	svc.mu.Unlock()

	fi, err := svc.ShareIdentity("node-a", span.Principal{ID: "logline-id://node-a/eve"}, []Endorsement{
		{FromNode: "node-b", Kind: "revocation", Signed: "sig-b"},
	})
	if err != nil {
		t.Fatalf("ShareIdentity: %v", err)
	}

	// 0.5*0.4 + (-0.3) + min(0.2, 0.05*1) = 0.2 - 0.3 + 0.05 = -0.05, clamped to 0
	if fi.TrustScore != 0 {
		t.Fatalf("expected clamped-to-zero trust score, got %v", fi.TrustScore)
	}
	if fi.Status != span.FedSuspicious {
		t.Fatalf("expected suspicious status, got %v", fi.Status)
	}
}

func TestTrustFormulaMonitoredBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTrustThreshold = 0.6 // admit the 0.6-trust origin node so its share is scored
	svc := New(cfg)
	svc.RegisterNode("node-a", nil, "addr", nil, "v1")
	svc.mu.Lock()
	svc.nodes["node-a"].Trust = 0.6
	svc.mu.Unlock()

	fi, err := svc.ShareIdentity("node-a", span.Principal{ID: "logline-id://node-a/carl"}, []Endorsement{
		{FromNode: "node-b", Kind: "limited", Signed: "sig-b"},
	})
	if err != nil {
		t.Fatalf("ShareIdentity: %v", err)
	}

	// 0.5*0.6 + 0.1 + min(0.2, 0.05*1) = 0.3 + 0.1 + 0.05 = 0.45
	if fi.TrustScore < 0.44 || fi.TrustScore > 0.46 {
		t.Fatalf("expected trust score near 0.45, got %v", fi.TrustScore)
	}
	if fi.Status != span.FedMonitored {
		t.Fatalf("expected monitored status, got %v", fi.Status)
	}
}

func TestComputeTrustIsCachedWithinTTL(t *testing.T) {
	svc := New(nil)
	svc.RegisterNode("node-a", nil, "addr", nil, "v1")
	svc.mu.Lock()
	svc.nodes["node-a"].Trust = 1.0
	svc.mu.Unlock()

	if _, err := svc.ShareIdentity("node-a", span.Principal{ID: "logline-id://node-a/dan"}, nil); err != nil {
		t.Fatalf("ShareIdentity: %v", err)
	}

	score1, ok := svc.ComputeTrust("logline-id://node-a/dan")
	if !ok {
		t.Fatal("expected trust score to be found")
	}

	// Mutate the node's trust directly; a cached score should not change
	// until the TTL expires.
	svc.mu.Lock()
	svc.nodes["node-a"].Trust = 0.0
	svc.mu.Unlock()

	score2, ok := svc.ComputeTrust("logline-id://node-a/dan")
	if !ok {
		t.Fatal("expected cached trust score to still be found")
	}
	if score1 != score2 {
		t.Fatalf("expected cached score to be stable within TTL: %v vs %v", score1, score2)
	}
}

func TestComputeTrustUnknownIdentityNotFound(t *testing.T) {
	svc := New(nil)
	if _, ok := svc.ComputeTrust("logline-id://unknown/ghost"); ok {
		t.Fatal("expected unknown identity to report not found")
	}
}
