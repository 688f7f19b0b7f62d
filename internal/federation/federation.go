// Copyright 2025 LogLine Contributors
//
// Federation Sync — peer registry and trust scoring for identities
// shared between nodes. Grounded on the teacher's
// pkg/consensus.ConsensusHealthMonitor for the mu-guarded
// registry-plus-callbacks shape (status tracking, config struct with
// documented defaults, lifecycle logger), generalized from a single
// consensus process to a map of per-peer federation state.

package federation

import (
	"log"
	"sync"
	"time"

	"github.com/danvoulez/logline/pkg/span"
)

// Config controls trust thresholds and score caching.
type Config struct {
	MinTrustThreshold float64       // status >= this is "trusted"
	MonitoredFloor    float64       // status >= this (and below threshold) is "monitored"
	ScoreCacheTTL     time.Duration // memoization window for ComputeTrust
	Logger            *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		MinTrustThreshold: 0.7,
		MonitoredFloor:    0.3,
		ScoreCacheTTL:     30 * time.Second,
		Logger:            log.New(log.Writer(), "[Federation] ", log.LstdFlags),
	}
}

// Node is a registered peer node.
type Node struct {
	ID              string
	PublicKey       []byte
	Address         string
	Capabilities    []string
	ProtocolVersion string
	Trust           float64
	Status          span.FederatedIdentityStatus
	RegisteredAt    time.Time
}

// endorsement weights by kind, per the trust formula.
var endorsementWeight = map[string]float64{
	"full":       0.2,
	"limited":    0.1,
	"functional": 0.05,
	"revocation": -0.3,
}

type cachedScore struct {
	score     float64
	computed  time.Time
}

// Service tracks federated nodes and the identities they've shared.
type Service struct {
	mu         sync.RWMutex
	cfg        *Config
	nodes      map[string]*Node
	identities map[string]*span.FederatedIdentity // key: principal ID
	scoreCache map[string]cachedScore
}

func New(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Federation] ", log.LstdFlags)
	}
	return &Service{
		cfg:        cfg,
		nodes:      make(map[string]*Node),
		identities: make(map[string]*span.FederatedIdentity),
		scoreCache: make(map[string]cachedScore),
	}
}

// RegisterNode onboards a peer node in the "pending" status (logged as
// validating) with an initial trust of 0.5, as spec 4.M requires.
func (s *Service) RegisterNode(nodeID string, pubkey []byte, address string, capabilities []string, protocolVersion string) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := &Node{
		ID:              nodeID,
		PublicKey:       pubkey,
		Address:         address,
		Capabilities:    capabilities,
		ProtocolVersion: protocolVersion,
		Trust:           0.5,
		Status:          span.FedPending,
		RegisteredAt:    time.Now().UTC(),
	}
	s.nodes[nodeID] = n
	s.cfg.Logger.Printf("node %s registered from %s, validating", nodeID, address)
	return n
}

// Node returns a previously registered node.
func (s *Service) Node(nodeID string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	return n, ok
}

// ShareIdentity records (or updates) a foreign identity shared by a
// peer, rejecting the share outright if the origin node's own trust
// falls below min_trust_threshold.
func (s *Service) ShareIdentity(originNode string, principal span.Principal, endorsements []Endorsement) (*span.FederatedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[originNode]
	if !ok {
		return nil, span.NotFound("origin node %s is not registered", originNode)
	}
	if node.Trust < s.cfg.MinTrustThreshold {
		return nil, span.PermissionDenied("origin node %s trust %.2f below threshold %.2f", originNode, node.Trust, s.cfg.MinTrustThreshold)
	}

	fi, ok := s.identities[principal.ID]
	if !ok {
		fi = &span.FederatedIdentity{Principal: principal, OriginNode: originNode}
		s.identities[principal.ID] = fi
	}
	for _, e := range endorsements {
		fi.Endorsements = append(fi.Endorsements, span.Endorsement{
			FromNode: e.FromNode, Weight: endorsementWeight[e.Kind], Kind: e.Kind, Signed: e.Signed,
		})
	}
	delete(s.scoreCache, principal.ID)

	score := s.computeTrustLocked(node.Trust, fi.Endorsements)
	fi.TrustScore = score
	fi.Status = s.statusForScore(score)
	s.scoreCache[principal.ID] = cachedScore{score: score, computed: time.Now()}
	return fi, nil
}

// Endorsement is the caller-facing input to ShareIdentity, before
// weight resolution.
type Endorsement struct {
	FromNode string
	Kind     string // full | limited | functional | revocation
	Signed   string
}

// ComputeTrust returns the (possibly cached) trust score for a shared
// identity: 0.5*node_trust + sum(endorsement_weight) + min(0.2,
// 0.05*|endorsements|), clamped to [0,1].
func (s *Service) ComputeTrust(principalID string) (float64, bool) {
	s.mu.RLock()
	if c, ok := s.scoreCache[principalID]; ok && time.Since(c.computed) < s.cfg.ScoreCacheTTL {
		s.mu.RUnlock()
		return c.score, true
	}
	fi, ok := s.identities[principalID]
	if !ok {
		s.mu.RUnlock()
		return 0, false
	}
	node, nodeOK := s.nodes[fi.OriginNode]
	s.mu.RUnlock()
	if !nodeOK {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	score := s.computeTrustLocked(node.Trust, fi.Endorsements)
	s.scoreCache[principalID] = cachedScore{score: score, computed: time.Now()}
	if fi, ok := s.identities[principalID]; ok {
		fi.TrustScore = score
		fi.Status = s.statusForScore(score)
	}
	return score, true
}

func (s *Service) computeTrustLocked(nodeTrust float64, endorsements []span.Endorsement) float64 {
	var endorsementSum float64
	for _, e := range endorsements {
		endorsementSum += e.Weight
	}
	bonus := 0.05 * float64(len(endorsements))
	if bonus > 0.2 {
		bonus = 0.2
	}
	score := 0.5*nodeTrust + endorsementSum + bonus
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (s *Service) statusForScore(score float64) span.FederatedIdentityStatus {
	switch {
	case score >= s.cfg.MinTrustThreshold:
		return span.FedTrusted
	case score >= s.cfg.MonitoredFloor:
		return span.FedMonitored
	default:
		return span.FedSuspicious
	}
}

// Identity returns the federated identity record for a principal.
func (s *Service) Identity(principalID string) (*span.FederatedIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fi, ok := s.identities[principalID]
	return fi, ok
}
