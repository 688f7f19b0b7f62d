package enforcer

import (
	"testing"

	"github.com/danvoulez/logline/pkg/span"
)

type fakeAuth struct {
	authenticated map[string]bool
	roles         map[string][]string
}

func (f *fakeAuth) IsAuthenticated(id string) bool { return f.authenticated[id] }
func (f *fakeAuth) RolesOf(id string) []string     { return f.roles[id] }

type collectingSink struct{ events []*span.Span }

func (s *collectingSink) Emit(e *span.Span) { s.events = append(s.events, e) }

func TestContractExecutionRequiresPrecedingCreation(t *testing.T) {
	auth := &fakeAuth{}
	e := New(auth, nil, nil)

	candidate := &span.Span{Payload: map[string]any{"type": "contract_execution", "contract_id": "c1"}}
	d := e.Evaluate(candidate, nil)
	if d.Allowed {
		t.Fatal("expected rejection with no preceding contract_creation")
	}

	history := []*span.Span{{Payload: map[string]any{"type": "contract_creation", "contract_id": "c1"}}}
	d2 := e.Evaluate(candidate, history)
	if !d2.Allowed {
		t.Fatalf("expected allow once contract_creation present, got %+v", d2)
	}
}

func TestPaymentDoubleSpendRejected(t *testing.T) {
	// End-to-end scenario: a payment referencing invoice_id "inv-1" is
	// allowed once; a second payment for the same invoice is rejected.
	auth := &fakeAuth{}
	e := New(auth, nil, nil)

	history := []*span.Span{
		{Payload: map[string]any{"type": "invoice", "invoice_id": "inv-1"}},
	}
	first := &span.Span{Payload: map[string]any{"type": "payment", "invoice_id": "inv-1"}}
	d1 := e.Evaluate(first, history)
	if !d1.Allowed {
		t.Fatalf("expected first payment allowed, got %+v", d1)
	}

	history = append(history, first)
	second := &span.Span{Payload: map[string]any{"type": "payment", "invoice_id": "inv-1"}}
	d2 := e.Evaluate(second, history)
	if d2.Allowed {
		t.Fatal("expected duplicate payment against same invoice_id to be rejected")
	}
}

func TestDocumentUpdateRequiresPriorVersion(t *testing.T) {
	e := New(&fakeAuth{}, nil, nil)

	candidate := &span.Span{Payload: map[string]any{"type": "document_update", "document_id": "d1", "version": 2.0}}
	d := e.Evaluate(candidate, nil)
	if d.Allowed {
		t.Fatal("expected rejection with no v1")
	}

	history := []*span.Span{{Payload: map[string]any{"type": "document_creation", "document_id": "d1", "version": 1.0}}}
	d2 := e.Evaluate(candidate, history)
	if !d2.Allowed {
		t.Fatalf("expected allow with prior v1, got %+v", d2)
	}
}

func TestStateTransitionTable(t *testing.T) {
	e := New(&fakeAuth{}, nil, nil)

	legal := &span.Span{Payload: map[string]any{"type": "state_transition", "from": "draft", "to": "submitted"}}
	if d := e.Evaluate(legal, nil); !d.Allowed {
		t.Fatalf("expected draft->submitted allowed, got %+v", d)
	}

	illegal := &span.Span{Payload: map[string]any{"type": "state_transition", "from": "draft", "to": "completed"}}
	if d := e.Evaluate(illegal, nil); d.Allowed {
		t.Fatal("expected draft->completed rejected")
	}

	unknown := &span.Span{Payload: map[string]any{"type": "state_transition", "from": "mystery", "to": "anything"}}
	if d := e.Evaluate(unknown, nil); !d.Allowed {
		t.Fatal("expected unknown from-state to be permissive")
	}
}

func TestRoleOverlayRequiresAuthenticationAndRoles(t *testing.T) {
	auth := &fakeAuth{
		authenticated: map[string]bool{"logline-id://n/alice": true},
		roles:         map[string][]string{"logline-id://n/alice": {"editor"}},
	}
	e := New(auth, nil, nil)

	candidate := &span.Span{
		Author:  "logline-id://n/alice",
		Payload: map[string]any{"type": "custom", "roles_required": []any{"editor"}},
	}
	if d := e.Evaluate(candidate, nil); !d.Allowed {
		t.Fatalf("expected allow with matching role, got %+v", d)
	}

	candidate2 := &span.Span{
		Author:  "logline-id://n/alice",
		Payload: map[string]any{"type": "custom", "roles_required": []any{"admin"}},
	}
	if d := e.Evaluate(candidate2, nil); d.Allowed {
		t.Fatal("expected rejection for missing role")
	}

	unauth := &span.Span{
		Author:  "logline-id://n/bob",
		Payload: map[string]any{"type": "custom", "roles_required": []any{"editor"}},
	}
	if d := e.Evaluate(unauth, nil); d.Allowed {
		t.Fatal("expected rejection for unauthenticated principal")
	}
}

func TestTenantRoleOverlayGrantsScopedRole(t *testing.T) {
	auth := &fakeAuth{
		authenticated: map[string]bool{"logline-id://n/alice": true},
		roles:         map[string][]string{"logline-id://n/alice": {}},
	}
	e := New(auth, nil, nil)
	e.GrantTenantRole("tenant-a", "logline-id://n/alice", "editor")

	candidate := &span.Span{
		Author:   "logline-id://n/alice",
		TenantID: "tenant-a",
		Payload:  map[string]any{"type": "custom", "roles_required": []any{"editor"}},
	}
	if d := e.Evaluate(candidate, nil); !d.Allowed {
		t.Fatalf("expected tenant-scoped role grant to satisfy requirement, got %+v", d)
	}

	other := &span.Span{
		Author:   "logline-id://n/alice",
		TenantID: "tenant-b",
		Payload:  map[string]any{"type": "custom", "roles_required": []any{"editor"}},
	}
	if d := e.Evaluate(other, nil); d.Allowed {
		t.Fatal("expected tenant-scoped role grant not to leak to a different tenant")
	}
}

func TestAuditSinkReceivesAllowedAndRejectedEvents(t *testing.T) {
	sink := &collectingSink{}
	e := New(&fakeAuth{}, sink, nil)

	e.Evaluate(&span.Span{ID: "s1", Payload: map[string]any{"type": "unknown_type"}}, nil)
	e.Evaluate(&span.Span{ID: "s2", Payload: map[string]any{"type": "payment", "invoice_id": "missing"}}, nil)

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(sink.events))
	}
	if sink.events[0].Payload["type"] != "span_allowed" {
		t.Fatalf("expected first event span_allowed, got %v", sink.events[0].Payload["type"])
	}
	if sink.events[1].Payload["type"] != "span_rejected" {
		t.Fatalf("expected second event span_rejected, got %v", sink.events[1].Payload["type"])
	}
}
