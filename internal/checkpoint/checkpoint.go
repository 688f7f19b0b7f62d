// Copyright 2025 LogLine Contributors
//
// Rollback / Checkpoint — periodic signed snapshots and reason-driven
// recovery. Grounded on the teacher's pkg/batch.Collector bounded-buffer
// idiom (a fixed-capacity slice acting as a ring, oldest entries dropped
// on overflow) and on internal/signature for checkpoint signing.

package checkpoint

import (
	"crypto/ed25519"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danvoulez/logline/internal/signature"
	"github.com/danvoulez/logline/pkg/span"
)

const (
	defaultRingSize    = 50
	defaultHistorySize = 100
)

// RollbackReason classifies why a rollback was triggered, selecting the
// recovery actions that run.
type RollbackReason string

const (
	ReasonExecutionFailure       RollbackReason = "execution_failure"
	ReasonTemporalDrift          RollbackReason = "temporal_drift"
	ReasonConstitutionalViolation RollbackReason = "constitutional_violation"
	ReasonManual                 RollbackReason = "manual"
	ReasonEmergency              RollbackReason = "emergency"
)

// RecoveryAction is invoked during a rollback for the matching reason.
// Actions run in registration order and errors are collected but do not
// stop subsequent actions — a rollback should do as much cleanup as it
// can.
type RecoveryAction func(cp *span.Checkpoint) error

// ReplayMode selects how CollectedActions are replayed.
type ReplayMode string

const (
	ReplayFull       ReplayMode = "full"
	ReplayValidation ReplayMode = "validation"
	ReplaySelective  ReplayMode = "selective"
)

// ReplayAction is one step of a replay, recording expected vs actual.
type ReplayAction struct {
	Name     string
	Expected any
	Actual   any
	Matched  bool
}

// RollbackRecord is a signed entry in the bounded rollback history.
type RollbackRecord struct {
	ID            string
	CheckpointID  string
	Reason        RollbackReason
	At            time.Time
	ActionsRun    []string
	ActionErrors  []string
	Signature     string
}

// Config controls the checkpoint manager.
type Config struct {
	RingSize           int
	HistorySize        int
	CheckpointInterval int64 // ticks between automatic snapshots
	Signer             string
	SigningKey         ed25519.PrivateKey
	Logger             *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		RingSize:           defaultRingSize,
		HistorySize:        defaultHistorySize,
		CheckpointInterval: 1000,
		Logger:             log.New(log.Writer(), "[Checkpoint] ", log.LstdFlags),
	}
}

// Manager creates, validates, and rolls back checkpoints.
type Manager struct {
	mu sync.Mutex

	cfg *Config
	sig *signature.Service

	ring         []*span.Checkpoint
	invalid      map[string]bool
	history      []*RollbackRecord
	actions      map[RollbackReason][]RecoveryAction
	lastSnapTick int64
}

func New(sig *signature.Service, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Checkpoint] ", log.LstdFlags)
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = defaultRingSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Manager{
		cfg:     cfg,
		sig:     sig,
		invalid: make(map[string]bool),
		actions: make(map[RollbackReason][]RecoveryAction),
	}
}

// RegisterRecoveryAction binds a recovery action to a RollbackReason.
func (m *Manager) RegisterRecoveryAction(reason RollbackReason, action RecoveryAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[reason] = append(m.actions[reason], action)
}

// Snapshot creates a new checkpoint of systemState, signs it, and pushes
// it onto the bounded ring (oldest dropped past RingSize).
func (m *Manager) Snapshot(creator, checkpointType string, systemState map[string]any, parent string) (*span.Checkpoint, error) {
	cp := &span.Checkpoint{
		ID:               "checkpoint-" + uuid.NewString(),
		Type:             checkpointType,
		CreatedAt:        time.Now().UTC(),
		Creator:          creator,
		SystemState:      systemState,
		ParentCheckpoint: parent,
	}

	if m.sig != nil && m.cfg.SigningKey != nil {
		payload := &span.SignablePayload{
			Data:      cp.SystemState,
			Timestamp: cp.CreatedAt,
			Context:   span.SignatureContext{Operation: "checkpoint"},
		}
		result, err := m.sig.SignPayload(m.cfg.Signer, m.cfg.SigningKey, payload)
		if err != nil {
			return nil, err
		}
		cp.Signature = result.Signature
	}

	m.mu.Lock()
	m.ring = append(m.ring, cp)
	if len(m.ring) > m.cfg.RingSize {
		dropped := m.ring[0]
		delete(m.invalid, dropped.ID)
		m.ring = m.ring[1:]
	}
	m.mu.Unlock()
	return cp, nil
}

// MaybeAutoSnapshot creates a checkpoint if currentTick has advanced
// CheckpointInterval ticks past the last automatic snapshot.
func (m *Manager) MaybeAutoSnapshot(currentTick int64, creator string, systemState map[string]any) (*span.Checkpoint, error) {
	m.mu.Lock()
	due := currentTick-m.lastSnapTick >= m.cfg.CheckpointInterval
	if due {
		m.lastSnapTick = currentTick
	}
	m.mu.Unlock()
	if !due {
		return nil, nil
	}
	return m.Snapshot(creator, "automatic", systemState, "")
}

// Validate marks cp invalid if recomputing its signature over
// SystemState no longer matches — detecting tamper or key rotation.
func (m *Manager) Validate(cp *span.Checkpoint) bool {
	if m.sig == nil {
		return true
	}
	payload := &span.SignablePayload{
		Data:      cp.SystemState,
		Timestamp: cp.CreatedAt,
		Context:   span.SignatureContext{Operation: "checkpoint"},
	}
	verify := m.sig.VerifySignature(m.cfg.Signer, payload, cp.Signature)
	valid := verify.SignatureValid

	m.mu.Lock()
	m.invalid[cp.ID] = !valid
	m.mu.Unlock()
	return valid
}

// IsValid reports whether cp is still considered valid (true until a
// Validate call detects mismatch).
func (m *Manager) IsValid(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.invalid[id]
}

// Checkpoints returns a snapshot of the current ring, newest last.
func (m *Manager) Checkpoints() []*span.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*span.Checkpoint, len(m.ring))
	copy(out, m.ring)
	return out
}

// Rollback runs the recovery actions registered for reason against cp,
// signs the resulting record, and pushes it onto the bounded history.
func (m *Manager) Rollback(cp *span.Checkpoint, reason RollbackReason, operator string) (*RollbackRecord, error) {
	m.mu.Lock()
	actions := append([]RecoveryAction(nil), m.actions[reason]...)
	m.mu.Unlock()

	rec := &RollbackRecord{
		ID:           "rollback-" + uuid.NewString(),
		CheckpointID: cp.ID,
		Reason:       reason,
		At:           time.Now().UTC(),
	}
	for i, action := range actions {
		if err := action(cp); err != nil {
			rec.ActionErrors = append(rec.ActionErrors, err.Error())
			m.cfg.Logger.Printf("recovery action %d for reason %s failed: %v", i, reason, err)
			continue
		}
		rec.ActionsRun = append(rec.ActionsRun, actionName(reason, i))
	}

	if m.sig != nil && m.cfg.SigningKey != nil {
		payload := &span.SignablePayload{
			Data:      map[string]any{"checkpoint_id": cp.ID, "reason": reason, "operator": operator},
			Timestamp: rec.At,
			Context:   span.SignatureContext{Operation: "rollback"},
		}
		result, err := m.sig.SignPayload(m.cfg.Signer, m.cfg.SigningKey, payload)
		if err != nil {
			return nil, err
		}
		rec.Signature = result.Signature
	}

	m.mu.Lock()
	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	return rec, nil
}

func actionName(reason RollbackReason, idx int) string {
	return string(reason) + "#" + uuid.NewString()[:8] + "-" + itoa(idx)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// History returns a snapshot of the bounded rollback history.
func (m *Manager) History() []*RollbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RollbackRecord, len(m.history))
	copy(out, m.history)
	return out
}

// ReplayFunc re-executes or verifies one collected action.
type ReplayFunc func(name string, expected any) (actual any, err error)

// Replay runs collected actions through the given mode. In
// ReplayValidation mode the replay function should only verify without
// mutating state; in ReplaySelective only actions for which predicate
// returns true are replayed.
func Replay(mode ReplayMode, actions map[string]any, replay ReplayFunc, predicate func(name string) bool) ([]ReplayAction, error) {
	var results []ReplayAction
	for name, expected := range actions {
		if mode == ReplaySelective && predicate != nil && !predicate(name) {
			continue
		}
		actual, err := replay(name, expected)
		if err != nil {
			return results, span.Wrap(span.KindInternal, err, "replay action %q", name)
		}
		results = append(results, ReplayAction{
			Name:     name,
			Expected: expected,
			Actual:   actual,
			Matched:  equalJSON(expected, actual),
		})
	}
	return results, nil
}

func equalJSON(a, b any) bool {
	ab, err1 := span.Canonical(a)
	bb, err2 := span.Canonical(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
