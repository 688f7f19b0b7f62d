// Copyright 2025 LogLine Contributors
//
// Timeline Store — the append-only signed log. Store defines the
// storage-agnostic contract; postgres.go and file.go provide the two
// backends spec 4.K names. Grounded on the teacher's pkg/database.Client
// for the sql.DB connection-pool shape (postgres.go) and on
// internal/sealedstore's load-on-open persistence shape (file.go), which
// appends records to the file rather than rewriting it.

package timeline

import (
	"time"

	"github.com/danvoulez/logline/pkg/span"
)

// Filter selects spans by any combination of fields; zero values are
// wildcards. Limit/Offset implement cursor-style pagination.
type Filter struct {
	Author         string
	TenantID       string
	OrganizationID string
	RequesterID    string
	SpanType       span.SpanType
	Visibility     span.Visibility
	ContractRef    string
	WorkflowRef    string
	Limit          int
	Offset         int
}

// TenantStats is the aggregate snapshot returned by tenant_stats.
type TenantStats struct {
	Total       int
	ActiveUsers int
	Today       int
	ThisWeek    int
	TopAuthor   string
	Latest      *span.Span
}

// Store is the append-only timeline's storage abstraction.
type Store interface {
	Append(s *span.Span) error
	Query(f Filter) ([]*span.Span, error)
	Get(id string) (*span.Span, bool, error)
	Search(term, tenant string, limit int) ([]*span.Span, error)
	TenantStats(tenant string) (*TenantStats, error)
	VerifyIntegrity() error
	Close() error
}

// visible implements the tenant access control rule shared by both
// backends: a span is visible to requesterOrg/requesterTenant iff the
// tenant matches, or visibility is public, or visibility is organization
// and the requester belongs to the owning organization.
func visible(s *span.Span, requesterTenant, requesterOrg string) bool {
	if s.Visibility == span.VisibilityPublic {
		return true
	}
	if s.TenantID != "" && s.TenantID == requesterTenant {
		return true
	}
	if s.Visibility == span.VisibilityOrganization && s.OrganizationID != "" && s.OrganizationID == requesterOrg {
		return true
	}
	return s.TenantID == "" && requesterTenant == ""
}

func matches(s *span.Span, f Filter) bool {
	if f.Author != "" && s.Author != f.Author {
		return false
	}
	if f.TenantID != "" && s.TenantID != f.TenantID {
		return false
	}
	if f.OrganizationID != "" && s.OrganizationID != f.OrganizationID {
		return false
	}
	if f.SpanType != "" && s.Type != f.SpanType {
		return false
	}
	if f.Visibility != "" && s.Visibility != f.Visibility {
		return false
	}
	if f.ContractRef != "" && s.ContractRef != f.ContractRef {
		return false
	}
	if f.WorkflowRef != "" && s.WorkflowRef != f.WorkflowRef {
		return false
	}
	if !visible(s, f.TenantID, f.OrganizationID) {
		return false
	}
	return true
}

func paginate(spans []*span.Span, f Filter) []*span.Span {
	if f.Offset >= len(spans) {
		return nil
	}
	end := len(spans)
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return spans[f.Offset:end]
}

func validate(s *span.Span, resolve func(id string) bool) error {
	if s.Signature == "" {
		return span.Validation("span %s missing signature", s.ID)
	}
	if s.CausedBy != "" && resolve != nil && !resolve(s.CausedBy) {
		return span.Validation("span %s caused_by %s does not exist", s.ID, s.CausedBy)
	}
	return nil
}

func isToday(t, now time.Time) bool {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func isThisWeek(t, now time.Time) bool {
	y1, w1 := t.ISOWeek()
	y2, w2 := now.ISOWeek()
	return y1 == y2 && w1 == w2
}
