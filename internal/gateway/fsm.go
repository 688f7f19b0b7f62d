// Copyright 2025 LogLine Contributors
//
// Onboarding FSM — the strict, server-enforced state machine spec 4.O
// names. Grounded on internal/executor's SignPayload-then-append
// pattern for recording a signed span per transition, and on
// internal/identity.Generate for minting the session's principal at
// create_identity.

package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danvoulez/logline/internal/identity"
	"github.com/danvoulez/logline/internal/signature"
	"github.com/danvoulez/logline/internal/timeline"
	"github.com/danvoulez/logline/pkg/span"
)

// State is a node in the onboarding state machine.
type State string

const (
	StateNone State = ""
	StateS1   State = "S1"
	StateS2   State = "S2"
	StateS3   State = "S3"
	StateS4   State = "S4"
	StateS5   State = "S5"
)

// event names, matching spec 4.O's transition labels.
const (
	EventCreateIdentity = "create_identity"
	EventCreateTenant   = "create_tenant"
	EventAssignIdentity = "assign_identity"
	EventSelectTemplate = "select_template"
	EventDeclarePurpose = "declare_purpose"
	EventExecuteCommand = "execute_command"
)

// transitions is the strict, server-enforced table: (state, event) -> next state.
var transitions = map[State]map[string]State{
	StateNone: {EventCreateIdentity: StateS1},
	StateS1:   {EventCreateTenant: StateS2},
	StateS2:   {EventAssignIdentity: StateS3},
	StateS3:   {EventSelectTemplate: StateS4},
	StateS4:   {EventDeclarePurpose: StateS5},
	StateS5:   {EventExecuteCommand: StateS5},
}

// Session is one onboarding run. JWTKey is a per-session HMAC secret,
// independent of the Ed25519 identity key minted at create_identity.
type Session struct {
	ID          string
	State       State
	Handle      string
	TenantID    string
	Template    string
	Purpose     string
	Principal   *span.Principal
	Keys        *identity.KeyPair
	JWTKey      []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionStore is the in-memory, UUID-keyed session table.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create mints a fresh session in state ∅ with its own JWT signing key.
func (s *SessionStore) Create() (*Session, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, span.Internal(err, "generate session jwt key")
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		State:     StateNone,
		JWTKey:    key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// identitySource adapts an identity.Registry to signature.IdentitySource.
// Self-registered onboarding principals are always fully trusted — the
// trust score matters for federated identities (internal/federation),
// not for a principal the gateway itself just minted.
type identitySource struct {
	reg *identity.Registry
}

func (a *identitySource) Resolve(id string) (ed25519.PublicKey, span.PrincipalStatus, float64, bool) {
	p, ok := a.reg.Get(id)
	if !ok {
		return nil, "", 0, false
	}
	return ed25519.PublicKey(p.PublicKey), p.Status, 1.0, true
}

// FSM drives onboarding transitions: each one mutates the session and
// records a signed span in the timeline before advancing state.
type FSM struct {
	sessions  *SessionStore
	identities *identity.Registry
	sig       *signature.Service
	store     timeline.Store
}

func NewFSM(sessions *SessionStore, store timeline.Store) *FSM {
	reg := identity.NewRegistry()
	return &FSM{
		sessions:   sessions,
		identities: reg,
		sig:        signature.NewService(&identitySource{reg: reg}, nil),
		store:      store,
	}
}

// checkTransition enforces the strict table, returning bad_request
// (KindValidation) on wrong-order requests.
func checkTransition(sess *Session, event string) (State, error) {
	allowed, ok := transitions[sess.State]
	if !ok {
		return "", span.Validation("bad_request: session %s is in a terminal-less unknown state %q", sess.ID, sess.State)
	}
	next, ok := allowed[event]
	if !ok {
		return "", span.Validation("bad_request: event %q is not valid from state %q", event, sess.State)
	}
	return next, nil
}

func (f *FSM) recordSpan(sess *Session, event string, payload map[string]any) error {
	now := time.Now().UTC()
	s := &span.Span{
		ID:        uuid.NewString(),
		Timestamp: now,
		Author:    sess.Principal.ID,
		Title:     "onboarding_" + event,
		Payload:   payload,
		Status:    span.SpanExecuted,
		TenantID:  sess.TenantID,
		Type:      span.SpanTypeUser,
	}
	result, err := f.sig.SignPayload(s.Author, sess.Keys.Signing, &span.SignablePayload{
		Data:      s.SigningHeader(),
		Timestamp: now,
		Context:   span.SignatureContext{Operation: s.Title},
		Nonce:     s.ID,
	})
	if err != nil {
		return span.Wrap(span.KindInternal, err, "sign onboarding span for event %s", event)
	}
	s.Signature = result.Signature
	return f.store.Append(s)
}

// CreateIdentity is the ∅ → S1 transition: mints a new principal.
func (f *FSM) CreateIdentity(sessionID, node, alias string) (*Session, error) {
	sess, ok := f.sessions.Get(sessionID)
	if !ok {
		return nil, span.NotFound("session %s not found", sessionID)
	}
	next, err := checkTransition(sess, EventCreateIdentity)
	if err != nil {
		return nil, err
	}

	principal, keys, err := identity.Generate(node, alias)
	if err != nil {
		return nil, err
	}
	f.identities.Put(principal)

	sess.Principal = principal
	sess.Keys = keys
	sess.Handle = alias
	if err := f.recordSpan(sess, EventCreateIdentity, map[string]any{"node": node, "alias": alias}); err != nil {
		return nil, err
	}
	sess.State = next
	sess.UpdatedAt = time.Now().UTC()
	return sess, nil
}

// CreateTenant is the S1 → S2 transition.
func (f *FSM) CreateTenant(sessionID, tenantID string) (*Session, error) {
	sess, ok := f.sessions.Get(sessionID)
	if !ok {
		return nil, span.NotFound("session %s not found", sessionID)
	}
	next, err := checkTransition(sess, EventCreateTenant)
	if err != nil {
		return nil, err
	}
	sess.TenantID = tenantID
	if err := f.recordSpan(sess, EventCreateTenant, map[string]any{"tenant_id": tenantID}); err != nil {
		return nil, err
	}
	sess.State = next
	sess.UpdatedAt = time.Now().UTC()
	return sess, nil
}

// AssignIdentity is the S2 → S3 transition. handle must match the
// alias minted at create_identity, or the request is bad_request.
func (f *FSM) AssignIdentity(sessionID, handle string) (*Session, error) {
	sess, ok := f.sessions.Get(sessionID)
	if !ok {
		return nil, span.NotFound("session %s not found", sessionID)
	}
	next, err := checkTransition(sess, EventAssignIdentity)
	if err != nil {
		return nil, err
	}
	if handle != sess.Handle {
		return nil, span.Validation("bad_request: handle %q does not match session identity %q", handle, sess.Handle)
	}
	if err := f.recordSpan(sess, EventAssignIdentity, map[string]any{"handle": handle}); err != nil {
		return nil, err
	}
	sess.State = next
	sess.UpdatedAt = time.Now().UTC()
	return sess, nil
}

// SelectTemplate is the S3 → S4 transition.
func (f *FSM) SelectTemplate(sessionID, template string) (*Session, error) {
	sess, ok := f.sessions.Get(sessionID)
	if !ok {
		return nil, span.NotFound("session %s not found", sessionID)
	}
	next, err := checkTransition(sess, EventSelectTemplate)
	if err != nil {
		return nil, err
	}
	sess.Template = template
	if err := f.recordSpan(sess, EventSelectTemplate, map[string]any{"template": template}); err != nil {
		return nil, err
	}
	sess.State = next
	sess.UpdatedAt = time.Now().UTC()
	return sess, nil
}

// DeclarePurpose is the S4 → S5 transition.
func (f *FSM) DeclarePurpose(sessionID, purpose string) (*Session, error) {
	sess, ok := f.sessions.Get(sessionID)
	if !ok {
		return nil, span.NotFound("session %s not found", sessionID)
	}
	next, err := checkTransition(sess, EventDeclarePurpose)
	if err != nil {
		return nil, err
	}
	sess.Purpose = purpose
	if err := f.recordSpan(sess, EventDeclarePurpose, map[string]any{"purpose": purpose}); err != nil {
		return nil, err
	}
	sess.State = next
	sess.UpdatedAt = time.Now().UTC()
	return sess, nil
}

// ExecuteCommand is the repeatable S5 → S5 transition.
func (f *FSM) ExecuteCommand(sessionID, command string) (*Session, error) {
	sess, ok := f.sessions.Get(sessionID)
	if !ok {
		return nil, span.NotFound("session %s not found", sessionID)
	}
	next, err := checkTransition(sess, EventExecuteCommand)
	if err != nil {
		return nil, err
	}
	if err := f.recordSpan(sess, EventExecuteCommand, map[string]any{"command": command}); err != nil {
		return nil, err
	}
	sess.State = next
	sess.UpdatedAt = time.Now().UTC()
	return sess, nil
}
