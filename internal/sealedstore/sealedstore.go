// Copyright 2025 LogLine Contributors
//
// Sealed Session Store — authenticated-encryption-at-rest for session
// records. Grounded on the teacher's main.go loadOrGenerateEd25519Key
// (owner-only key file, generate-on-first-use) for the local key
// lifecycle, and on pkg/database/client.go for the mutex-guarded,
// atomic-replace persistence shape.

package sealedstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/danvoulez/logline/pkg/span"
)

// Session is an onboarding-pinned session record.
type Session struct {
	Handle      string         `json:"handle"`
	PrincipalID string         `json:"principal_id"`
	State       string         `json:"state"`
	TenantID    string         `json:"tenant_id,omitempty"`
	SigningKey  []byte         `json:"signing_key,omitempty"` // HS256 key for JWT issuance
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// envelope is the on-disk shape: never exposes plaintext fields.
type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store persists sessions encrypted at rest with ChaCha20-Poly1305.
type Store struct {
	mu       sync.RWMutex
	path     string
	aead     interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
	sessions map[string]*Session
	active   string
}

// Open loads (or initializes) a sealed store at dir, auto-generating a
// local 32-byte key on first use and restricting it to owner-only
// permissions.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, span.Internal(err, "create sealed store directory %s", dir)
	}
	keyPath := filepath.Join(dir, "session.key")
	key, err := loadOrGenerateKey(keyPath)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, span.Internal(err, "init chacha20poly1305")
	}

	s := &Store{
		path:     filepath.Join(dir, "sessions.sealed"),
		aead:     aead,
		sessions: make(map[string]*Session),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrGenerateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != chacha20poly1305.KeySize {
			return nil, span.Integrity("sealed store key file %s has wrong size", path)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, span.Internal(err, "read sealed store key %s", path)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, span.Internal(err, "generate sealed store key")
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, span.Internal(err, "persist sealed store key")
	}
	return key, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return span.Internal(err, "read sealed store file")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return span.Serialization("parse sealed store envelope: %v", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return span.Integrity("decode nonce: %v", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return span.Integrity("decode ciphertext: %v", err)
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return span.Integrity("decrypt sealed store: %v", err)
	}

	var state struct {
		Sessions map[string]*Session `json:"sessions"`
		Active   string              `json:"active"`
	}
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return span.Serialization("parse sealed store state: %v", err)
	}
	s.sessions = state.Sessions
	if s.sessions == nil {
		s.sessions = make(map[string]*Session)
	}
	s.active = state.Active
	return nil
}

// persist writes the encrypted state with write-temp + rename so a
// crash mid-write never leaves a half-written file.
func (s *Store) persist() error {
	state := struct {
		Sessions map[string]*Session `json:"sessions"`
		Active   string              `json:"active"`
	}{Sessions: s.sessions, Active: s.active}

	plaintext, err := json.Marshal(state)
	if err != nil {
		return span.Serialization("marshal sealed store state: %v", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return span.Internal(err, "generate nonce")
	}
	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)

	env := envelope{
		Version:    1,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return span.Serialization("marshal envelope: %v", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return span.Internal(err, "write temp sealed store file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return span.Internal(err, "rename temp sealed store file")
	}
	return nil
}

// Upsert inserts or replaces a session record.
func (s *Store) Upsert(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Handle] = sess
	return s.persist()
}

// SetActive marks handle as the current active session.
func (s *Store) SetActive(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[handle]; !ok {
		return span.NotFound("session %q not found", handle)
	}
	s.active = handle
	return s.persist()
}

// Active returns the currently active session, if any.
func (s *Store) Active() (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return nil, false
	}
	sess, ok := s.sessions[s.active]
	return sess, ok
}

// Session returns the stored session record for handle. It is the live
// record held by the store, not a copy; changes made through it are not
// persisted (SessionMut persists its changes).
func (s *Store) Session(handle string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[handle]
	return sess, ok
}

// SessionMut applies fn to the session for handle under the write lock
// and persists the result.
func (s *Store) SessionMut(handle string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return span.NotFound("session %q not found", handle)
	}
	if err := fn(sess); err != nil {
		return err
	}
	return s.persist()
}

// DebugPathForTests exposes the on-disk path so tests can assert P7
// (confidentiality) without a second exported accessor in production code.
func (s *Store) DebugPathForTests() string { return s.path }
