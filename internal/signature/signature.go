// Copyright 2025 LogLine Contributors
//
// Signature Service — canonical-payload sign/verify with trust scoring.
// Grounded on original_source/modules/logline_id/logic/signature.rs for
// the SignablePayload/VerificationResult shape, and on the teacher's
// pkg/attestation/strategy/ed25519_strategy.go for the Config +
// functional-constructor idiom. BLAKE3 hashing uses the teacher's own
// lukechampine.com/blake3 pin.

package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/danvoulez/logline/internal/identity"
	"github.com/danvoulez/logline/pkg/span"
)

// HashAlgorithm selects the digest used before signing.
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
	BLAKE3 HashAlgorithm = "blake3"
)

func hashPayload(alg HashAlgorithm, data []byte) []byte {
	switch alg {
	case SHA512:
		h := sha512.Sum512(data)
		return h[:]
	case BLAKE3:
		h := blake3.Sum256(data)
		return h[:]
	default:
		h := sha256.Sum256(data)
		return h[:]
	}
}

// Config controls the signature service's behavior.
type Config struct {
	HashAlgorithm      HashAlgorithm
	FreshnessWindow    time.Duration // default 300s
	StrictFreshness    bool          // if true, stale timestamps fail verification
	PublicKeyCacheTTL  time.Duration
	Logger             *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		HashAlgorithm:     SHA256,
		FreshnessWindow:   300 * time.Second,
		PublicKeyCacheTTL: 10 * time.Minute,
		Logger:            log.New(log.Writer(), "[Signature] ", log.LstdFlags),
	}
}

// IdentitySource resolves a principal's current verifying key and status,
// the only dependency the signature service has on the identity registry.
type IdentitySource interface {
	Resolve(id string) (pub ed25519.PublicKey, status span.PrincipalStatus, trust float64, found bool)
}

type cachedKey struct {
	pub      ed25519.PublicKey
	status   span.PrincipalStatus
	trust    float64
	cachedAt time.Time
}

// Service signs and verifies SignablePayloads.
type Service struct {
	mu     sync.RWMutex
	cfg    *Config
	source IdentitySource
	cache  map[string]cachedKey
}

func NewService(source IdentitySource, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Signature] ", log.LstdFlags)
	}
	return &Service{cfg: cfg, source: source, cache: make(map[string]cachedKey)}
}

// SignatureResult is returned by SignPayload.
type SignatureResult struct {
	Signature     string    `json:"signature"`
	PayloadHash   string    `json:"payload_hash"`
	Timestamp     time.Time `json:"timestamp"`
	PrincipalID   string    `json:"principal_id"`
	AlgorithmUsed HashAlgorithm `json:"algorithm_used"`
}

// VerificationDetails breaks down what was checked during verification.
type VerificationDetails struct {
	Algorithm         HashAlgorithm `json:"algorithm"`
	SignatureFresh    bool          `json:"signature_fresh"`
	TimestampValid    bool          `json:"timestamp_valid"`
	RevocationChecked bool          `json:"revocation_checked"`
	PayloadIntegrity  bool          `json:"payload_integrity"`
}

// VerificationResult is returned by VerifySignature. Warnings are
// additive: a ghost identity or low trust score warns without alone
// failing verification.
type VerificationResult struct {
	SignatureValid bool                    `json:"signature_valid"`
	IdentityStatus span.PrincipalStatus    `json:"identity_status"`
	TrustScore     float64                 `json:"trust_score"`
	Details        VerificationDetails     `json:"details"`
	Warnings       []string                `json:"warnings"`
	Error          string                  `json:"error,omitempty"`
}

// SignPayload canonicalizes payload, hashes it, and signs the hash with key.
func (s *Service) SignPayload(principalID string, key ed25519.PrivateKey, payload *span.SignablePayload) (*SignatureResult, error) {
	raw, err := span.Canonical(payload)
	if err != nil {
		return nil, span.Serialization("canonicalize payload: %v", err)
	}
	digest := hashPayload(s.cfg.HashAlgorithm, raw)
	sig := identity.Sign(key, digest)
	return &SignatureResult{
		Signature:     base64.StdEncoding.EncodeToString(sig),
		PayloadHash:   hex.EncodeToString(digest),
		Timestamp:     time.Now().UTC(),
		PrincipalID:   principalID,
		AlgorithmUsed: s.cfg.HashAlgorithm,
	}, nil
}

// VerifySignature checks sig over payload against principalID's current key.
func (s *Service) VerifySignature(principalID string, payload *span.SignablePayload, sigB64 string) *VerificationResult {
	result := &VerificationResult{
		Details: VerificationDetails{Algorithm: s.cfg.HashAlgorithm},
	}

	pub, status, trust, found := s.lookup(principalID)
	if !found {
		result.Error = "identity not found"
		return result
	}
	result.IdentityStatus = status
	result.TrustScore = trust
	result.Details.RevocationChecked = true

	raw, err := span.Canonical(payload)
	if err != nil {
		result.Error = "canonicalization failed"
		return result
	}
	digest := hashPayload(s.cfg.HashAlgorithm, raw)
	result.Details.PayloadIntegrity = true

	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		result.Error = "invalid signature encoding"
		return result
	}
	result.SignatureValid = identity.Verify(pub, digest, sigBytes)

	fresh := time.Since(payload.Timestamp) <= s.cfg.FreshnessWindow && time.Until(payload.Timestamp) <= s.cfg.FreshnessWindow
	result.Details.SignatureFresh = fresh
	result.Details.TimestampValid = fresh || !s.cfg.StrictFreshness
	if !fresh {
		if s.cfg.StrictFreshness {
			result.SignatureValid = result.SignatureValid && false
		} else {
			result.Warnings = append(result.Warnings, "signature timestamp outside freshness window")
		}
	}

	if status == span.StatusGhost {
		result.Warnings = append(result.Warnings, "identity is a ghost principal")
	}
	if status == span.StatusRevoked || status == span.StatusSuspended {
		result.SignatureValid = false
		result.Warnings = append(result.Warnings, "identity status is "+string(status))
	}
	if trust < 0.3 {
		result.Warnings = append(result.Warnings, "low trust score")
	}

	return result
}

func (s *Service) lookup(id string) (ed25519.PublicKey, span.PrincipalStatus, float64, bool) {
	s.mu.RLock()
	c, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && time.Since(c.cachedAt) < s.cfg.PublicKeyCacheTTL {
		return c.pub, c.status, c.trust, true
	}

	pub, status, trust, found := s.source.Resolve(id)
	if !found {
		return nil, "", 0, false
	}
	s.mu.Lock()
	s.cache[id] = cachedKey{pub: pub, status: status, trust: trust, cachedAt: time.Now()}
	s.mu.Unlock()
	return pub, status, trust, true
}
