// Copyright 2025 LogLine Contributors
//
// Replay / Bundle Export — re-execution by span id and signed tarball
// export/import. Grounded on internal/timeline for the Store contract
// and internal/signature for the exporter's signature over meta.json;
// the tar+gzip packaging follows the teacher's pkg/database migration
// loader's sequential-write idiom, adapted from file reads to archive
// writes.

package replay

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/danvoulez/logline/internal/signature"
	"github.com/danvoulez/logline/internal/timeline"
	"github.com/danvoulez/logline/pkg/span"
)

// Executor re-executes a span's payload under the current principal,
// the only dependency Replay has on the execution layer.
type Executor interface {
	Reexecute(principal string, original *span.Span) (*span.Span, error)
}

// Service replays spans and exports/imports signed bundles.
type Service struct {
	store    timeline.Store
	executor Executor
	sig      *signature.Service
}

func New(store timeline.Store, executor Executor, sig *signature.Service) *Service {
	return &Service{store: store, executor: executor, sig: sig}
}

// ReplayByID fetches the original span, re-executes it under principal,
// and returns a new span whose caused_by points to the original. It does
// not append the new span, and ExportBundle exports only the spans it is
// given: the original of a replayed span is not added to an export.
func (s *Service) ReplayByID(id, principal string) (*span.Span, error) {
	original, ok, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, span.NotFound("span %q not found for replay", id)
	}

	replayed, err := s.executor.Reexecute(principal, original)
	if err != nil {
		return nil, span.Wrap(span.KindInternal, err, "replay span %s", id)
	}
	replayed.CausedBy = original.ID
	return replayed, nil
}

// BundleMeta is the exported meta.json contents.
type BundleMeta struct {
	TimelineID string    `json:"timeline_id"`
	ExportedAt time.Time `json:"exported_at"`
	SpanCount  int       `json:"span_count"`
	Exporter   string    `json:"exporter"`
	Version    string    `json:"version"`
	DataSHA256 string    `json:"sha256"`
}

const bundleVersion = "1"

func metaSignablePayload(metaBytes []byte, exportedAt time.Time) *span.SignablePayload {
	sum := sha256.Sum256(metaBytes)
	return &span.SignablePayload{
		Data:      map[string]any{"meta_sha256": hex.EncodeToString(sum[:])},
		Timestamp: exportedAt,
		Context:   span.SignatureContext{Operation: "bundle_export"},
	}
}

// ExportBundle gathers spans in original order into data.ndjson, builds
// meta.json, signs it with exporterKey, and returns the tar+gzip of the
// {data.ndjson, meta.json, sig.bin} trio.
func (s *Service) ExportBundle(timelineID, exporterPrincipal string, exporterKey ed25519.PrivateKey, spans []*span.Span) ([]byte, error) {
	var dataBuf bytes.Buffer
	for _, sp := range spans {
		raw, err := json.Marshal(sp)
		if err != nil {
			return nil, span.Serialization("marshal span %s for export: %v", sp.ID, err)
		}
		dataBuf.Write(raw)
		dataBuf.WriteByte('\n')
	}
	dataSum := sha256.Sum256(dataBuf.Bytes())

	meta := BundleMeta{
		TimelineID: timelineID,
		ExportedAt: time.Now().UTC(),
		SpanCount:  len(spans),
		Exporter:   exporterPrincipal,
		Version:    bundleVersion,
		DataSHA256: hex.EncodeToString(dataSum[:]),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, span.Serialization("marshal bundle meta: %v", err)
	}

	payload := metaSignablePayload(metaBytes, meta.ExportedAt)
	sigResult, err := s.sig.SignPayload(exporterPrincipal, exporterKey, payload)
	if err != nil {
		return nil, span.Wrap(span.KindInternal, err, "sign bundle meta for timeline %s", timelineID)
	}

	return buildTarGz(map[string][]byte{
		"data.ndjson": dataBuf.Bytes(),
		"meta.json":   metaBytes,
		"sig.bin":     []byte(sigResult.Signature),
	})
}

func buildTarGz(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := []string{"data.ndjson", "meta.json", "sig.bin"}
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o600}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, span.Internal(err, "write tar header for %s", name)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, span.Internal(err, "write tar content for %s", name)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, span.Internal(err, "close tar writer")
	}
	if err := gz.Close(); err != nil {
		return nil, span.Internal(err, "close gzip writer")
	}
	return buf.Bytes(), nil
}

// ImportBundle unpacks a tar.gz bundle, verifies the exporter's
// signature over meta.json, checks data.ndjson's hash, then re-validates
// each span before returning them in original order.
func (s *Service) ImportBundle(archive []byte) ([]*span.Span, *BundleMeta, error) {
	files, err := extractTarGz(archive)
	if err != nil {
		return nil, nil, err
	}

	metaBytes, ok := files["meta.json"]
	if !ok {
		return nil, nil, span.Validation("bundle missing meta.json")
	}
	var meta BundleMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, span.Serialization("parse bundle meta: %v", err)
	}

	dataBytes, ok := files["data.ndjson"]
	if !ok {
		return nil, nil, span.Validation("bundle missing data.ndjson")
	}
	dataSum := sha256.Sum256(dataBytes)
	if hex.EncodeToString(dataSum[:]) != meta.DataSHA256 {
		return nil, nil, span.Integrity("bundle data.ndjson hash does not match meta.json")
	}

	sigBytes, ok := files["sig.bin"]
	if !ok {
		return nil, nil, span.Validation("bundle missing sig.bin")
	}
	payload := metaSignablePayload(metaBytes, meta.ExportedAt)
	verify := s.sig.VerifySignature(meta.Exporter, payload, string(sigBytes))
	if !verify.SignatureValid {
		reason := verify.Error
		if reason == "" {
			reason = "signature rejected"
		}
		return nil, nil, span.Integrity("bundle signature verification failed: %s", reason)
	}

	var spans []*span.Span
	for _, line := range bytes.Split(bytes.TrimRight(dataBytes, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var sp span.Span
		if err := json.Unmarshal(line, &sp); err != nil {
			return nil, nil, span.Serialization("parse bundled span: %v", err)
		}
		if sp.Signature == "" {
			return nil, nil, span.Validation("bundled span %s missing signature", sp.ID)
		}
		spans = append(spans, &sp)
	}
	if len(spans) != meta.SpanCount {
		return nil, nil, span.Integrity("bundle span_count mismatch: meta=%d actual=%d", meta.SpanCount, len(spans))
	}

	return spans, &meta, nil
}

func extractTarGz(archive []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, span.Validation("bundle is not valid gzip: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, span.Validation("bundle tar is corrupt: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, span.Internal(err, "read tar entry %s", hdr.Name)
		}
		files[hdr.Name] = content
	}
	return files, nil
}
