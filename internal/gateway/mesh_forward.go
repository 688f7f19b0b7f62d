// Copyright 2025 LogLine Contributors
//
// MeshForwarder is the gateway's WebSocket mesh hub handler: it
// forwards span_created events from connected peers to the rules
// service over REST, the "forwards span_created to rules" half of
// spec 4.O. Grounded on the teacher's pkg/attestation peer-broadcast
// shape (http.Client POST to a configured peer URL).

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/danvoulez/logline/internal/mesh"
)

// MeshForwarder implements mesh.Handler.
type MeshForwarder struct {
	rulesURL string
	client   *http.Client
	logger   *log.Logger
}

func NewMeshForwarder(rulesURL string, logger *log.Logger) *MeshForwarder {
	if logger == nil {
		logger = log.New(log.Writer(), "[MeshForwarder] ", log.LstdFlags)
	}
	return &MeshForwarder{
		rulesURL: rulesURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

func (m *MeshForwarder) OnMessage(peerID string, msg mesh.ServiceMessage) {
	if msg.Event != mesh.EventSpanCreated || msg.SpanCreated == nil {
		return
	}
	if m.rulesURL == "" {
		return
	}

	raw, err := json.Marshal(msg.SpanCreated)
	if err != nil {
		m.logger.Printf("marshal span_created from %s: %v", peerID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, m.rulesURL+"/evaluate", bytes.NewReader(raw))
	if err != nil {
		m.logger.Printf("build rules request for %s: %v", peerID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Printf("forward span_created from %s to rules: %v", peerID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		m.logger.Printf("rules rejected span_created from %s: %s", peerID, fmt.Sprint(resp.StatusCode))
	}
}

func (m *MeshForwarder) OnConnectionLost(peerID string) {
	m.logger.Printf("mesh peer %s disconnected", peerID)
}
