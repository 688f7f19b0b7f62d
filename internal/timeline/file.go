// Copyright 2025 LogLine Contributors
//
// FileStore — the newline-delimited-JSON timeline backend. Grounded on
// internal/sealedstore's load-on-open/persist-on-write shape, adapted
// for an append-only log: new spans are appended directly (O_APPEND)
// rather than rewritten, since the file itself IS the durable log.

package timeline

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danvoulez/logline/pkg/span"
)

// FileStore persists spans as one JSON object per line.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	spans map[string]*span.Span
	order []string // insertion order, for stable pagination
}

// OpenFileStore loads (or creates) an ndjson timeline at path.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:  path,
		spans: make(map[string]*span.Span),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, span.Internal(err, "open timeline file %s for append", path)
	}
	fs.file = f
	return fs, nil
}

func (fs *FileStore) load() error {
	f, err := os.Open(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return span.Internal(err, "open timeline file %s", fs.path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var s span.Span
		if err := json.Unmarshal(line, &s); err != nil {
			return span.Serialization("parse timeline record: %v", err)
		}
		if _, exists := fs.spans[s.ID]; !exists {
			fs.order = append(fs.order, s.ID)
		}
		cp := s
		fs.spans[s.ID] = &cp
	}
	return scanner.Err()
}

// Append validates and appends a span. A duplicate ID with identical
// canonical bytes succeeds idempotently; a duplicate ID with different
// content is a conflict.
func (fs *FileStore) Append(s *span.Span) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if existing, ok := fs.spans[s.ID]; ok {
		identical, err := sameSpan(existing, s)
		if err != nil {
			return err
		}
		if identical {
			return nil
		}
		return span.Conflict("span %s already exists with different content", s.ID)
	}

	if err := validate(s, func(id string) bool { _, ok := fs.spans[id]; return ok }); err != nil {
		return err
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return span.Serialization("marshal span %s: %v", s.ID, err)
	}
	if _, err := fs.file.Write(append(raw, '\n')); err != nil {
		return span.Internal(err, "append span %s to timeline file", s.ID)
	}
	if err := fs.file.Sync(); err != nil {
		return span.Internal(err, "sync timeline file")
	}

	cp := *s
	fs.spans[s.ID] = &cp
	fs.order = append(fs.order, s.ID)
	return nil
}

func sameSpan(a, b *span.Span) (bool, error) {
	ab, err := span.Canonical(a)
	if err != nil {
		return false, err
	}
	bb, err := span.Canonical(b)
	if err != nil {
		return false, err
	}
	return string(ab) == string(bb), nil
}

func (fs *FileStore) Query(f Filter) ([]*span.Span, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []*span.Span
	for _, id := range fs.order {
		s := fs.spans[id]
		if matches(s, f) {
			out = append(out, s)
		}
	}
	return paginate(out, f), nil
}

func (fs *FileStore) Get(id string) (*span.Span, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	s, ok := fs.spans[id]
	return s, ok, nil
}

func (fs *FileStore) Search(term, tenant string, limit int) ([]*span.Span, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	term = strings.ToLower(term)
	var out []*span.Span
	for _, id := range fs.order {
		s := fs.spans[id]
		if tenant != "" && s.TenantID != tenant {
			continue
		}
		if strings.Contains(strings.ToLower(s.Title), term) || payloadContains(s.Payload, term) {
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func payloadContains(payload map[string]any, term string) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), term)
}

func (fs *FileStore) TenantStats(tenant string) (*TenantStats, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	now := time.Now().UTC()
	stats := &TenantStats{}
	authorCounts := make(map[string]int)
	users := make(map[string]bool)

	for _, id := range fs.order {
		s := fs.spans[id]
		if s.TenantID != tenant {
			continue
		}
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

func (fs *FileStore) VerifyIntegrity() error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for _, id := range fs.order {
		s := fs.spans[id]
		if s.Signature == "" {
			return span.Integrity("span %s has no signature", id)
		}
	}
	return checkAcyclic(fs.spans, fs.order)
}

// checkAcyclic verifies the caused_by graph is acyclic and every
// reference resolves, shared by both backends.
func checkAcyclic(spans map[string]*span.Span, order []string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(spans))
	var visit func(id string) error
	visit = func(id string) error {
		if color[id] == black {
			return nil
		}
		if color[id] == gray {
			return span.Integrity("cycle detected in caused_by chain at span %s", id)
		}
		color[id] = gray
		if s, ok := spans[id]; ok && s.CausedBy != "" {
			if _, ok := spans[s.CausedBy]; !ok {
				return span.Integrity("span %s caused_by %s does not resolve", id, s.CausedBy)
			}
			if err := visit(s.CausedBy); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file != nil {
		return fs.file.Close()
	}
	return nil
}
