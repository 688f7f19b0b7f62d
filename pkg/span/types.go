// Copyright 2025 LogLine Contributors
//
// Shared value types for the LogLine runtime: principals, signable
// payloads, spans, checkpoints, jobs and federated identities. Kept at
// pkg/ (rather than internal/) so peer tooling and the gateway's REST
// layer can both depend on the wire shape without importing the
// packages that mutate it, mirroring how the teacher splits
// pkg/database/types.go out from its repositories.

package span

import "time"

// PrincipalStatus is the lifecycle state of a Principal.
type PrincipalStatus string

const (
	StatusActive    PrincipalStatus = "active"
	StatusSuspended PrincipalStatus = "suspended"
	StatusGhost     PrincipalStatus = "ghost"
	StatusRevoked   PrincipalStatus = "revoked"
)

// Principal is a stable identity of the form logline-id://<node>/<alias>.
type Principal struct {
	ID        string          `json:"id"`
	Node      string          `json:"node"`
	Alias     string          `json:"alias"`
	PublicKey []byte          `json:"public_key"`
	IssuedAt  time.Time       `json:"issued_at"`
	Status    PrincipalStatus `json:"status"`
}

// SignatureContext is the operation context embedded in a SignablePayload.
type SignatureContext struct {
	Operation string         `json:"operation"`
	Contract  string         `json:"contract,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SignablePayload is the canonical unit that gets hashed and signed.
type SignablePayload struct {
	Data      any              `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
	Context   SignatureContext `json:"context"`
	Nonce     string           `json:"nonce"`
}

// SpanStatus is the lifecycle state of a Span.
type SpanStatus string

const (
	SpanExecuted  SpanStatus = "executed"
	SpanSimulated SpanStatus = "simulated"
	SpanReverted  SpanStatus = "reverted"
	SpanGhost     SpanStatus = "ghost"
)

// SpanType classifies who/what originated a Span.
type SpanType string

const (
	SpanTypeUser         SpanType = "user"
	SpanTypeSystem       SpanType = "system"
	SpanTypeOrganization SpanType = "organization"
	SpanTypeGhost        SpanType = "ghost"
)

// Visibility controls cross-tenant readability of a Span.
type Visibility string

const (
	VisibilityPrivate      Visibility = "private"
	VisibilityOrganization Visibility = "organization"
	VisibilityPublic       Visibility = "public"
)

// Span is the atomic, immutable journal entry — the unit of truth.
type Span struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Author         string         `json:"author"`
	Title          string         `json:"title"`
	Payload        map[string]any `json:"payload"`
	Status         SpanStatus     `json:"status"`
	Signature      string         `json:"signature"`
	ContractRef    string         `json:"contract_ref,omitempty"`
	WorkflowRef    string         `json:"workflow_ref,omitempty"`
	CausedBy       string         `json:"caused_by,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Type           SpanType       `json:"type,omitempty"`
	Visibility     Visibility     `json:"visibility,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PayloadType returns the business span-type tag carried inside the
// payload ("contract_execution", "payment", ...), used by the enforcer.
func (s *Span) PayloadType() string {
	if s.Payload == nil {
		return ""
	}
	t, _ := s.Payload["type"].(string)
	return t
}

// SigningHeader is the subset of Span fields covered by Signature —
// everything except the signature itself.
func (s *Span) SigningHeader() map[string]any {
	return map[string]any{
		"id":              s.ID,
		"timestamp":       s.Timestamp.UTC().Format(time.RFC3339),
		"author":          s.Author,
		"title":           s.Title,
		"payload":         s.Payload,
		"status":          s.Status,
		"contract_ref":    s.ContractRef,
		"workflow_ref":    s.WorkflowRef,
		"caused_by":       s.CausedBy,
		"tenant_id":       s.TenantID,
		"organization_id": s.OrganizationID,
		"type":            s.Type,
		"visibility":      s.Visibility,
	}
}

// Checkpoint is a signed system-state snapshot.
type Checkpoint struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	CreatedAt         time.Time      `json:"created_at"`
	Creator           string         `json:"creator"`
	SystemState       map[string]any `json:"system_state"`
	ParentCheckpoint  string         `json:"parent_checkpoint,omitempty"`
	Signature         string         `json:"signature"`
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
	JobCancelled JobStatus = "cancelled"
)

// Job is a unit of scheduled, budgeted work.
type Job struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Priority         int            `json:"priority"`
	ScheduledTick    int64          `json:"scheduled_tick"`
	TrajBudget       int64          `json:"traj_budget"`
	TrajUsed         int64          `json:"traj_used"`
	TimeoutTicks     int64          `json:"timeout_ticks"`
	RetriesRemaining int            `json:"retries_remaining"`
	Fallback         string         `json:"fallback,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Creator          string         `json:"creator"`
	CreatedAt        time.Time      `json:"created_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	Status    JobStatus `json:"status"`
	StartedAt int64     `json:"started_at,omitempty"`
}

// FederatedIdentityStatus is the trust status assigned by federation sync.
type FederatedIdentityStatus string

const (
	FedTrusted    FederatedIdentityStatus = "trusted"
	FedMonitored  FederatedIdentityStatus = "monitored"
	FedSuspicious FederatedIdentityStatus = "suspicious"
	FedBlocked    FederatedIdentityStatus = "blocked"
	FedPending    FederatedIdentityStatus = "pending"
)

// Endorsement is a signed tuple vouching for a federated identity.
type Endorsement struct {
	FromNode string  `json:"from_node"`
	Weight   float64 `json:"weight"`
	Kind     string  `json:"kind"` // full | limited | functional | revocation
	Signed   string  `json:"signed"`
}

// FederatedIdentity is a foreign principal imported from a peer.
type FederatedIdentity struct {
	Principal    Principal               `json:"principal"`
	OriginNode   string                  `json:"origin_node"`
	Status       FederatedIdentityStatus `json:"status"`
	TrustScore   float64                 `json:"trust_score"`
	Endorsements []Endorsement           `json:"endorsements"`
	ActivityLog  []string                `json:"activity_log,omitempty"`
}
