// Copyright 2025 LogLine Contributors
//
// Identity Primitive — Ed25519 key pairs and stable principal names.
// Grounded on the teacher's main.go loadOrGenerateEd25519Key (file-backed
// key material, owner-only permissions) and on
// original_source/modules/logline_id/logic/ghost.rs for the claim flow.

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danvoulez/logline/internal/timeline"
	"github.com/danvoulez/logline/pkg/span"
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// KeyPair holds an Ed25519 signing/verifying key. The signing key is
// owned exclusively by the sealed session store or its in-process
// consumer and must never be sent across the network.
type KeyPair struct {
	Signing   ed25519.PrivateKey
	Verifying ed25519.PublicKey
}

// Generate creates a new principal and key pair for the given node.
func Generate(node, alias string) (*span.Principal, *KeyPair, error) {
	node = strings.ToLower(strings.TrimSpace(node))
	alias = strings.ToLower(strings.TrimSpace(alias))
	if node == "" || !aliasPattern.MatchString(node) {
		return nil, nil, span.Validation("invalid node name %q", node)
	}
	if alias == "" || !aliasPattern.MatchString(alias) {
		return nil, nil, span.Validation("invalid alias %q", alias)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, span.Internal(err, "generate ed25519 key")
	}

	p := &span.Principal{
		ID:        Format(node, alias),
		Node:      node,
		Alias:     alias,
		PublicKey: pub,
		IssuedAt:  time.Now().UTC(),
		Status:    span.StatusActive,
	}
	return p, &KeyPair{Signing: priv, Verifying: pub}, nil
}

// Format renders the canonical logline-id:// string for a node+alias pair.
// The ID is derived from node+alias only, not from the public key: two
// principals with the same node and alias get the same ID whatever their
// keys, so the ID string alone does not identify a key.
func Format(node, alias string) string {
	return fmt.Sprintf("logline-id://%s/%s", node, alias)
}

// Parse validates and decomposes a logline-id:// string.
func Parse(id string) (node, alias string, err error) {
	const prefix = "logline-id://"
	if !strings.HasPrefix(id, prefix) {
		return "", "", span.Validation("identity %q missing %s prefix", id, prefix)
	}
	rest := strings.TrimPrefix(id, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", span.Validation("identity %q missing node or alias", id)
	}
	if !aliasPattern.MatchString(parts[0]) || !aliasPattern.MatchString(parts[1]) {
		return "", "", span.Validation("identity %q has invalid node/alias characters", id)
	}
	return parts[0], parts[1], nil
}

// Sign produces a raw Ed25519 signature over bytes.
func Sign(key ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(key, data)
}

// SignAndEncode signs data and base64-encodes the result, the form
// every Span.Signature field carries.
func SignAndEncode(key ed25519.PrivateKey, data []byte) string {
	return base64.StdEncoding.EncodeToString(Sign(key, data))
}

// Verify checks a raw Ed25519 signature.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Registry is an in-memory principal directory keyed by ID, the kind of
// lookup table every other subsystem (signature cache, enforcer,
// federation) needs a read-mostly view of.
type Registry struct {
	byID map[string]*span.Principal
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*span.Principal)}
}

func (r *Registry) Put(p *span.Principal) { r.byID[p.ID] = p }

func (r *Registry) Get(id string) (*span.Principal, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// ClaimGhost reassigns a ghost principal's identity to a permanent one.
// Supplemented feature (original_source/.../ghost.rs): the ghost's
// status flips to revoked, every span it authored is re-appended under
// permanent's id (chained back to the original via CausedBy, since the
// timeline is append-only and never mutated in place), and a
// ghost_claimed span records the old/new ids for audit. claimantKey
// signs both the reassigned spans and the audit span; it is normally
// the claiming node's own key, not the ghost's (the ghost's key may be
// lost, which is exactly why ghosts exist).
func (r *Registry) ClaimGhost(store timeline.Store, ghostID string, permanent *span.Principal, claimantKey ed25519.PrivateKey) (*span.Principal, error) {
	ghost, ok := r.byID[ghostID]
	if !ok {
		return nil, span.NotFound("ghost identity %q not found", ghostID)
	}
	if ghost.Status != span.StatusGhost {
		return nil, span.Conflict("identity %q is not a ghost", ghostID)
	}

	authored, err := store.Query(timeline.Filter{Author: ghostID})
	if err != nil {
		return nil, span.Wrap(span.KindInternal, err, "query spans authored by ghost %s", ghostID)
	}
	for _, s := range authored {
		reassigned := *s
		reassigned.ID = s.ID + "-claimed-" + uuid.NewString()
		reassigned.Author = permanent.ID
		reassigned.CausedBy = s.ID
		reassigned.Timestamp = time.Now().UTC()
		reassigned.Signature = ""
		if err := signAndAppend(store, &reassigned, claimantKey); err != nil {
			return nil, span.Wrap(span.KindInternal, err, "reassign span %s from ghost %s", s.ID, ghostID)
		}
	}

	claimSpan := &span.Span{
		ID:        "ghost-claimed-" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Author:    permanent.ID,
		Title:     "ghost_claimed",
		Payload: map[string]any{
			"type":         "ghost_claimed",
			"ghost_id":     ghostID,
			"permanent_id": permanent.ID,
			"span_count":   len(authored),
		},
		Status: span.SpanExecuted,
		Type:   span.SpanTypeSystem,
	}
	if err := signAndAppend(store, claimSpan, claimantKey); err != nil {
		return nil, span.Wrap(span.KindInternal, err, "emit ghost_claimed span for %s", ghostID)
	}

	ghost.Status = span.StatusRevoked
	r.byID[ghostID] = ghost
	r.byID[permanent.ID] = permanent
	return permanent, nil
}

// signAndAppend signs s's signing header with key and appends it to
// store. Kept local to this package (rather than routed through
// internal/signature) since signature imports identity, not the other
// way around.
func signAndAppend(store timeline.Store, s *span.Span, key ed25519.PrivateKey) error {
	raw, err := span.Canonical(s.SigningHeader())
	if err != nil {
		return span.Serialization("canonicalize span %s: %v", s.ID, err)
	}
	s.Signature = SignAndEncode(key, raw)
	return store.Append(s)
}
