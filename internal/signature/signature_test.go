package signature

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/danvoulez/logline/pkg/span"
)

type fakeSource struct {
	pub    ed25519.PublicKey
	status span.PrincipalStatus
	trust  float64
}

func (f *fakeSource) Resolve(id string) (ed25519.PublicKey, span.PrincipalStatus, float64, bool) {
	return f.pub, f.status, f.trust, true
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	svc := NewService(&fakeSource{pub: pub, status: span.StatusActive, trust: 0.9}, nil)

	payload := &span.SignablePayload{
		Data:      map[string]any{"x": 1},
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Context:   span.SignatureContext{Operation: "test"},
		Nonce:     "n1",
	}

	result, err := svc.SignPayload("logline-id://alice/root", priv, payload)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}

	verify := svc.VerifySignature("logline-id://alice/root", payload, result.Signature)
	if !verify.SignatureValid {
		t.Fatalf("expected valid signature, got %+v", verify)
	}

	tampered := &span.SignablePayload{
		Data:      map[string]any{"x": 2},
		Timestamp: payload.Timestamp,
		Context:   payload.Context,
		Nonce:     payload.Nonce,
	}
	verifyTampered := svc.VerifySignature("logline-id://alice/root", tampered, result.Signature)
	if verifyTampered.SignatureValid {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestVerifyWarnsOnGhostAndLowTrust(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	svc := NewService(&fakeSource{pub: pub, status: span.StatusGhost, trust: 0.1}, nil)

	payload := &span.SignablePayload{
		Data:      map[string]any{"x": 1},
		Timestamp: time.Now().UTC(),
		Context:   span.SignatureContext{Operation: "test"},
		Nonce:     "n2",
	}
	result, _ := svc.SignPayload("logline-id://alice/ghost", priv, payload)
	verify := svc.VerifySignature("logline-id://alice/ghost", payload, result.Signature)
	if !verify.SignatureValid {
		t.Fatal("ghost identity + low trust should still verify, only warn")
	}
	if len(verify.Warnings) < 2 {
		t.Fatalf("expected ghost + low-trust warnings, got %v", verify.Warnings)
	}
}

func TestBlake3Algorithm(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cfg := DefaultConfig()
	cfg.HashAlgorithm = BLAKE3
	svc := NewService(&fakeSource{pub: pub, status: span.StatusActive, trust: 1}, cfg)

	payload := &span.SignablePayload{
		Data:      map[string]any{"a": "b"},
		Timestamp: time.Now().UTC(),
		Context:   span.SignatureContext{Operation: "test"},
		Nonce:     "n3",
	}
	result, err := svc.SignPayload("logline-id://alice/root", priv, payload)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	verify := svc.VerifySignature("logline-id://alice/root", payload, result.Signature)
	if !verify.SignatureValid {
		t.Fatalf("expected blake3-hashed signature to verify: %+v", verify)
	}
}
