// Copyright 2025 LogLine Contributors
//
// PostgresStore — the relational timeline backend, one row per span.
// Grounded on the teacher's pkg/database.Client connection-pool setup
// (sql.Open("postgres", ...), SetMaxOpenConns/SetMaxIdleConns, PingContext
// on open) and its ExecContext/QueryContext helper shape.

package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/danvoulez/logline/pkg/span"
)

// PostgresConfig controls the relational backend's connection pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPostgresConfig(dsn string) *PostgresConfig {
	return &PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// PostgresStore is the lib/pq-backed Store implementation.
type PostgresStore struct {
	db *sql.DB
}

const createSpansTable = `
CREATE TABLE IF NOT EXISTS timeline_spans (
	id               TEXT PRIMARY KEY,
	timestamp        TIMESTAMPTZ NOT NULL,
	author           TEXT NOT NULL,
	title            TEXT NOT NULL,
	payload          JSONB NOT NULL,
	status           TEXT NOT NULL,
	signature        TEXT NOT NULL,
	contract_ref     TEXT,
	workflow_ref     TEXT,
	caused_by        TEXT,
	tenant_id        TEXT,
	organization_id  TEXT,
	type             TEXT,
	visibility       TEXT,
	metadata         JSONB
)`

// OpenPostgresStore connects, configures pooling, and ensures the
// timeline_spans table exists.
func OpenPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, span.Config("postgres timeline store requires a DSN")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, span.Internal(err, "open postgres connection")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, span.Internal(err, "ping postgres timeline store")
	}

	if _, err := db.ExecContext(ctx, createSpansTable); err != nil {
		db.Close()
		return nil, span.Internal(err, "create timeline_spans table")
	}

	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Append(s *span.Span) error {
	ctx := context.Background()

	existing, found, err := p.Get(s.ID)
	if err != nil {
		return err
	}
	if found {
		identical, serr := sameSpan(existing, s)
		if serr != nil {
			return serr
		}
		if identical {
			return nil
		}
		return span.Conflict("span %s already exists with different content", s.ID)
	}

	if err := validate(s, func(id string) bool {
		_, found, _ := p.Get(id)
		return found
	}); err != nil {
		return err
	}

	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return span.Serialization("marshal payload for span %s: %v", s.ID, err)
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return span.Serialization("marshal metadata for span %s: %v", s.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO timeline_spans
			(id, timestamp, author, title, payload, status, signature, contract_ref,
			 workflow_ref, caused_by, tenant_id, organization_id, type, visibility, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING`,
		s.ID, s.Timestamp, s.Author, s.Title, payload, s.Status, s.Signature, s.ContractRef,
		s.WorkflowRef, s.CausedBy, s.TenantID, s.OrganizationID, s.Type, s.Visibility, metadata,
	)
	if err != nil {
		return span.Internal(err, "insert span %s", s.ID)
	}
	return nil
}

func (p *PostgresStore) Query(f Filter) ([]*span.Span, error) {
	ctx := context.Background()
	where, args := buildWhere(f)

	query := fmt.Sprintf(`
		SELECT id, timestamp, author, title, payload, status, signature, contract_ref,
		       workflow_ref, caused_by, tenant_id, organization_id, type, visibility, metadata
		FROM timeline_spans %s ORDER BY timestamp ASC`, where)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, span.Internal(err, "query timeline_spans")
	}
	defer rows.Close()

	var out []*span.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		if matches(s, f) {
			out = append(out, s)
		}
	}
	return paginate(out, f), rows.Err()
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("author", f.Author)
	add("contract_ref", f.ContractRef)
	add("workflow_ref", f.WorkflowRef)
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (p *PostgresStore) Get(id string) (*span.Span, bool, error) {
	ctx := context.Background()
	row := p.db.QueryRowContext(ctx, `
		SELECT id, timestamp, author, title, payload, status, signature, contract_ref,
		       workflow_ref, caused_by, tenant_id, organization_id, type, visibility, metadata
		FROM timeline_spans WHERE id = $1`, id)

	s, err := scanSpan(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, span.Internal(err, "get span %s", id)
	}
	return s, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (*span.Span, error) {
	var s span.Span
	var payload, metadata []byte
	var contractRef, workflowRef, causedBy, tenantID, orgID, visType, visibility sql.NullString

	err := row.Scan(&s.ID, &s.Timestamp, &s.Author, &s.Title, &payload, &s.Status, &s.Signature,
		&contractRef, &workflowRef, &causedBy, &tenantID, &orgID, &visType, &visibility, &metadata)
	if err != nil {
		return nil, err
	}
	s.ContractRef = contractRef.String
	s.WorkflowRef = workflowRef.String
	s.CausedBy = causedBy.String
	s.TenantID = tenantID.String
	s.OrganizationID = orgID.String
	s.Type = span.SpanType(visType.String)
	s.Visibility = span.Visibility(visibility.String)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &s.Payload); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func (p *PostgresStore) Search(term, tenant string, limit int) ([]*span.Span, error) {
	ctx := context.Background()
	query := `
		SELECT id, timestamp, author, title, payload, status, signature, contract_ref,
		       workflow_ref, caused_by, tenant_id, organization_id, type, visibility, metadata
		FROM timeline_spans
		WHERE (title ILIKE '%' || $1 || '%' OR payload::text ILIKE '%' || $1 || '%')`
	args := []any{term}
	if tenant != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenant)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, span.Internal(err, "search timeline_spans")
	}
	defer rows.Close()

	var out []*span.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TenantStats(tenant string) (*TenantStats, error) {
	all, err := p.Query(Filter{TenantID: tenant})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	stats := &TenantStats{}
	authorCounts := make(map[string]int)
	users := make(map[string]bool)
	for _, s := range all {
		stats.Total++
		authorCounts[s.Author]++
		users[s.Author] = true
		if isToday(s.Timestamp, now) {
			stats.Today++
		}
		if isThisWeek(s.Timestamp, now) {
			stats.ThisWeek++
		}
		if stats.Latest == nil || s.Timestamp.After(stats.Latest.Timestamp) {
			stats.Latest = s
		}
	}
	stats.ActiveUsers = len(users)
	best, bestCount := "", -1
	for author, count := range authorCounts {
		if count > bestCount {
			best, bestCount = author, count
		}
	}
	stats.TopAuthor = best
	return stats, nil
}

func (p *PostgresStore) VerifyIntegrity() error {
	ctx := context.Background()
	rows, err := p.db.QueryContext(ctx, `SELECT id, signature, caused_by FROM timeline_spans`)
	if err != nil {
		return span.Internal(err, "scan timeline_spans for integrity check")
	}
	defer rows.Close()

	spans := make(map[string]*span.Span)
	var order []string
	for rows.Next() {
		var id, sig string
		var causedBy sql.NullString
		if err := rows.Scan(&id, &sig, &causedBy); err != nil {
			return span.Internal(err, "scan integrity row")
		}
		if sig == "" {
			return span.Integrity("span %s has no signature", id)
		}
		spans[id] = &span.Span{ID: id, Signature: sig, CausedBy: causedBy.String}
		order = append(order, id)
	}
	if err := rows.Err(); err != nil {
		return span.Internal(err, "iterate integrity rows")
	}
	return checkAcyclic(spans, order)
}

func (p *PostgresStore) Close() error { return p.db.Close() }
