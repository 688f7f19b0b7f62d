// Copyright 2025 LogLine Contributors
//
// Verification Span System — pre/post execution verification spans
// with hash-chained integrity. Grounded on internal/signature's
// canonical-hash approach (pkg/span.Canonical + sha256) applied here to
// the verification_hash invariant from original_source/modules/logline_id:
// a span's verification hash always covers the span with
// verification_hash cleared to "".

package verification

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/danvoulez/logline/pkg/span"
)

// GrammarRef identifies the grammar governing an execution.
type GrammarRef struct {
	Identity string
	Hash     string
}

// Provenance traces an execution back to its origin.
type Provenance struct {
	Executor        string
	Project         string
	ContractRef     string
	PreviousSpanIDs []string
	ExecutionNode   string
}

// Validations records which compliance checks passed.
type Validations struct {
	GrammarCompliance bool
	TimeModelActive   bool
	ExecutorSignature bool
	ProvenanceChain   bool
}

// PostValidations records the post-execution equivalent.
type PostValidations struct {
	StateTransition bool
}

// PreExecutionSpan is emitted before a contract executes.
type PreExecutionSpan struct {
	ID                string
	Grammar           GrammarRef
	Provenance        Provenance
	Validations       Validations
	StateBefore       map[string]any
	ReplayInfo        map[string]any
	VerificationHash  string
	CreatedAt         time.Time
}

// PostExecutionSpan chains to a PreExecutionSpan with the after-state.
type PostExecutionSpan struct {
	ID                 string
	PreSpanID          string
	StateBefore        map[string]any // must equal PreExecutionSpan.StateBefore — invariant (b)
	StateAfter         map[string]any
	PostValidations    PostValidations
	RollbackSnapshotRef string
	VerificationHash   string
	CreatedAt          time.Time
}

// Config controls the verification service's logging.
type Config struct {
	Logger *log.Logger
}

func DefaultConfig() *Config {
	return &Config{Logger: log.New(log.Writer(), "[Verification] ", log.LstdFlags)}
}

// Service builds and checks pre/post verification spans.
type Service struct {
	cfg *Config
}

func New(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Verification] ", log.LstdFlags)
	}
	return &Service{cfg: cfg}
}

// EmitPre constructs and hashes a pre-execution verification span.
func (s *Service) EmitPre(grammar GrammarRef, prov Provenance, val Validations, stateBefore, replayInfo map[string]any) (*PreExecutionSpan, error) {
	pre := &PreExecutionSpan{
		ID:          "verif-pre-" + uuid.NewString(),
		Grammar:     grammar,
		Provenance:  prov,
		Validations: val,
		StateBefore: stateBefore,
		ReplayInfo:  replayInfo,
		CreatedAt:   time.Now().UTC(),
	}
	hash, err := hashPre(pre)
	if err != nil {
		return nil, err
	}
	pre.VerificationHash = hash
	return pre, nil
}

// EmitPost constructs and hashes a post-execution verification span
// chained to pre. StateBefore is copied from pre itself, preserving
// invariant (b).
func (s *Service) EmitPost(pre *PreExecutionSpan, stateAfter map[string]any, postVal PostValidations, rollbackRef string) (*PostExecutionSpan, error) {
	post := &PostExecutionSpan{
		ID:                  "verif-post-" + uuid.NewString(),
		PreSpanID:           pre.ID,
		StateBefore:         pre.StateBefore,
		StateAfter:          stateAfter,
		PostValidations:     postVal,
		RollbackSnapshotRef: rollbackRef,
		CreatedAt:           time.Now().UTC(),
	}
	hash, err := hashPost(post)
	if err != nil {
		return nil, err
	}
	post.VerificationHash = hash
	return post, nil
}

// VerifyPre recomputes pre's hash and compares it to the stored value —
// invariant (c), first half.
func VerifyPre(pre *PreExecutionSpan) (bool, error) {
	want := pre.VerificationHash
	hash, err := hashPre(pre)
	if err != nil {
		return false, err
	}
	return hash == want, nil
}

// VerifyPost recomputes post's hash and compares it to the stored value —
// invariant (c), second half.
func VerifyPost(post *PostExecutionSpan) (bool, error) {
	want := post.VerificationHash
	hash, err := hashPost(post)
	if err != nil {
		return false, err
	}
	return hash == want, nil
}

// VerifyChain checks invariants (a) and (b): a post span requires its
// pre span, and their StateBefore values must be identical.
func VerifyChain(pre *PreExecutionSpan, post *PostExecutionSpan) bool {
	if pre == nil || post == nil {
		return false
	}
	if post.PreSpanID != pre.ID {
		return false
	}
	preBytes, err1 := span.Canonical(pre.StateBefore)
	postBytes, err2 := span.Canonical(post.StateBefore)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(preBytes) == string(postBytes)
}

func hashPre(pre *PreExecutionSpan) (string, error) {
	clone := *pre
	clone.VerificationHash = ""
	raw, err := span.Canonical(clone)
	if err != nil {
		return "", span.Serialization("canonicalize pre-execution span: %v", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func hashPost(post *PostExecutionSpan) (string, error) {
	clone := *post
	clone.VerificationHash = ""
	raw, err := span.Canonical(clone)
	if err != nil {
		return "", span.Serialization("canonicalize post-execution span: %v", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
