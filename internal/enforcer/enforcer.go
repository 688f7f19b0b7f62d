// Copyright 2025 LogLine Contributors
//
// Contextual Enforcer — the allow/reject decision pipeline for spans
// entering the timeline. Grounded on original_source's enforcement
// rule families (contract_execution, payment, document_update,
// state_transition) and on original_source/enforcement/multi_tenant_roles.rs
// for the role-overlay supplement; the Config/Service shape follows the
// teacher's internal/signature.Service (injected dependency interface +
// functional Config, no hidden globals).

package enforcer

import (
	"log"
	"sync"

	"github.com/danvoulez/logline/pkg/span"
)

// Decision is the enforcer's verdict on a proposed span.
type Decision struct {
	Allowed bool
	Reason  string
	Rule    string
}

// PrincipalAuth reports whether a principal is authenticated and which
// roles it holds, the enforcer's only dependency on the identity layer.
type PrincipalAuth interface {
	IsAuthenticated(principalID string) bool
	RolesOf(principalID string) []string
}

// AuditSink receives span_allowed/span_rejected audit events. Audit
// events are themselves signed spans appended to the audit channel by
// the caller; the enforcer only constructs the event payload.
type AuditSink interface {
	Emit(event *span.Span)
}

// Config controls enforcer behavior.
type Config struct {
	PermissiveDefault bool // decision when a span declares no roles_required
	WindowSize        int  // bounded context window size, default 200
	Logger            *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		PermissiveDefault: true,
		WindowSize:        200,
		Logger:            log.New(log.Writer(), "[Enforcer] ", log.LstdFlags),
	}
}

// stateTransitions is the allowed table for the state_transition rule
// family (spec 4.I). Unknown "from" states are permissive.
var stateTransitions = map[string][]string{
	"draft":      {"submitted"},
	"submitted":  {"approved", "rejected"},
	"approved":   {"in_progress"},
	"in_progress": {"completed"},
	"pending":    {"processing"},
	"processing": {"completed", "failed"},
}

// Enforcer evaluates spans against rule families, a bounded context
// window, and a role-based overlay.
type Enforcer struct {
	mu   sync.RWMutex
	cfg  *Config
	auth PrincipalAuth
	sink AuditSink

	// tenantRoleOverlay maps tenant -> principal -> extra roles granted
	// only within that tenant, the multi-tenant role supplement.
	tenantRoleOverlay map[string]map[string][]string
}

func New(auth PrincipalAuth, sink AuditSink, cfg *Config) *Enforcer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Enforcer] ", log.LstdFlags)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	return &Enforcer{
		cfg:               cfg,
		auth:              auth,
		sink:              sink,
		tenantRoleOverlay: make(map[string]map[string][]string),
	}
}

// GrantTenantRole adds an extra role to principal, scoped to tenant —
// the multi-tenant role overlay supplement.
func (e *Enforcer) GrantTenantRole(tenant, principal, role string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tenantRoleOverlay[tenant] == nil {
		e.tenantRoleOverlay[tenant] = make(map[string][]string)
	}
	e.tenantRoleOverlay[tenant][principal] = append(e.tenantRoleOverlay[tenant][principal], role)
}

func (e *Enforcer) effectiveRoles(tenant, principal string) []string {
	roles := append([]string(nil), e.auth.RolesOf(principal)...)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if overlay, ok := e.tenantRoleOverlay[tenant]; ok {
		roles = append(roles, overlay[principal]...)
	}
	return roles
}

// window bounds history to the newest cfg.WindowSize entries, matching
// the spec's "bounded context window" without allocating for the common
// case where history already fits.
func (e *Enforcer) window(history []*span.Span) []*span.Span {
	if len(history) <= e.cfg.WindowSize {
		return history
	}
	return history[len(history)-e.cfg.WindowSize:]
}

// Evaluate decides whether candidate may be appended, given the bounded
// window of spans on the same channel that precede it.
func (e *Enforcer) Evaluate(candidate *span.Span, history []*span.Span) Decision {
	history = e.window(history)

	decision := e.evaluateRuleFamily(candidate, history)
	if decision.Allowed {
		decision = e.evaluateRoles(candidate, decision)
	}

	e.audit(candidate, decision)
	return decision
}

func (e *Enforcer) evaluateRuleFamily(candidate *span.Span, history []*span.Span) Decision {
	switch candidate.PayloadType() {
	case "contract_execution":
		return e.evalContractExecution(candidate, history)
	case "payment":
		return e.evalPayment(candidate, history)
	case "document_update":
		return e.evalDocumentUpdate(candidate, history)
	case "state_transition":
		return e.evalStateTransition(candidate, history)
	default:
		return Decision{Allowed: true, Rule: "permissive_unknown_type"}
	}
}

func (e *Enforcer) evalContractExecution(candidate *span.Span, history []*span.Span) Decision {
	contractID, _ := candidate.Payload["contract_id"].(string)
	for _, s := range history {
		if s.PayloadType() == "contract_creation" {
			if id, _ := s.Payload["contract_id"].(string); id == contractID && contractID != "" {
				return Decision{Allowed: true, Rule: "contract_execution"}
			}
		}
	}
	return Decision{Allowed: false, Reason: "no preceding contract_creation for contract_id", Rule: "contract_execution"}
}

func (e *Enforcer) evalPayment(candidate *span.Span, history []*span.Span) Decision {
	invoiceID, _ := candidate.Payload["invoice_id"].(string)
	if invoiceID == "" {
		return Decision{Allowed: false, Reason: "payment span missing invoice_id", Rule: "payment"}
	}
	hasInvoice := false
	for _, s := range history {
		switch s.PayloadType() {
		case "invoice":
			if id, _ := s.Payload["invoice_id"].(string); id == invoiceID {
				hasInvoice = true
			}
		case "payment":
			if id, _ := s.Payload["invoice_id"].(string); id == invoiceID {
				return Decision{Allowed: false, Reason: "duplicate payment for invoice_id " + invoiceID, Rule: "payment"}
			}
		}
	}
	if !hasInvoice {
		return Decision{Allowed: false, Reason: "no matching invoice for invoice_id " + invoiceID, Rule: "payment"}
	}
	return Decision{Allowed: true, Rule: "payment"}
}

func (e *Enforcer) evalDocumentUpdate(candidate *span.Span, history []*span.Span) Decision {
	version, _ := candidate.Payload["version"].(float64)
	if version <= 1 {
		return Decision{Allowed: true, Rule: "document_update"}
	}
	docID, _ := candidate.Payload["document_id"].(string)
	for _, s := range history {
		t := s.PayloadType()
		if t != "document_creation" && t != "document_update" {
			continue
		}
		id, _ := s.Payload["document_id"].(string)
		v, _ := s.Payload["version"].(float64)
		if id == docID && v == version-1 {
			return Decision{Allowed: true, Rule: "document_update"}
		}
	}
	return Decision{Allowed: false, Reason: "no prior version v-1 for document_id", Rule: "document_update"}
}

func (e *Enforcer) evalStateTransition(candidate *span.Span, history []*span.Span) Decision {
	from, _ := candidate.Payload["from"].(string)
	to, _ := candidate.Payload["to"].(string)
	allowed, known := stateTransitions[from]
	if !known {
		return Decision{Allowed: true, Rule: "state_transition_permissive_unknown_state"}
	}
	for _, a := range allowed {
		if a == to {
			return Decision{Allowed: true, Rule: "state_transition"}
		}
	}
	return Decision{Allowed: false, Reason: "illegal transition " + from + "->" + to, Rule: "state_transition"}
}

func (e *Enforcer) evaluateRoles(candidate *span.Span, base Decision) Decision {
	rolesRaw, ok := candidate.Payload["roles_required"]
	if !ok {
		if e.cfg.PermissiveDefault {
			return base
		}
		return Decision{Allowed: false, Reason: "no roles_required declared and permissive_default is false", Rule: "role_overlay"}
	}
	required := toStringSlice(rolesRaw)
	if len(required) == 0 {
		if e.cfg.PermissiveDefault {
			return base
		}
		return Decision{Allowed: false, Reason: "empty roles_required and permissive_default is false", Rule: "role_overlay"}
	}
	if e.auth == nil || !e.auth.IsAuthenticated(candidate.Author) {
		return Decision{Allowed: false, Reason: "principal not authenticated", Rule: "role_overlay"}
	}
	have := e.effectiveRoles(candidate.TenantID, candidate.Author)
	haveSet := make(map[string]bool, len(have))
	for _, r := range have {
		haveSet[r] = true
	}
	for _, r := range required {
		if !haveSet[r] {
			return Decision{Allowed: false, Reason: "principal missing required role " + r, Rule: "role_overlay"}
		}
	}
	return base
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (e *Enforcer) audit(candidate *span.Span, decision Decision) {
	if e.sink == nil {
		return
	}
	kind := "span_allowed"
	if !decision.Allowed {
		kind = "span_rejected"
	}
	e.sink.Emit(&span.Span{
		Title: kind,
		Payload: map[string]any{
			"type":            kind,
			"candidate_id":    candidate.ID,
			"rule":            decision.Rule,
			"reason":          decision.Reason,
			"candidate_type":  candidate.PayloadType(),
		},
		TenantID: candidate.TenantID,
		Type:     span.SpanTypeSystem,
	})
}
