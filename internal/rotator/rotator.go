// Copyright 2025 LogLine Contributors
//
// Rotator (federation coordinator) — peer heartbeat tracking, rule
// activation triggers, and degraded-mode handling. Grounded on the
// teacher's pkg/consensus.ConsensusHealthMonitor: the stall/recovery
// callback shape, the RWMutex-guarded status snapshot, and the
// ticker-driven monitorLoop all carry over, retargeted from
// CometBFT block-height polling to per-motor heartbeat bookkeeping.

package rotator

import (
	"context"
	"log"
	"sync"
	"time"
)

// MotorStatus is a peer's liveness classification.
type MotorStatus string

const (
	MotorActive  MotorStatus = "active"
	MotorLagging MotorStatus = "lagging"
	MotorOffline MotorStatus = "offline"
	MotorFailed  MotorStatus = "failed"
)

// MotorInfo is the rotator's registry entry for one peer.
type MotorInfo struct {
	Principal     string
	LastSeen      time.Time
	RotationCount int64
	Status        MotorStatus
	Capabilities  []string
	Location      string
}

// Mode controls how the rotator reacts to an offline peer.
type Mode string

const (
	ModeStrict   Mode = "strict"   // peer loss raises an Emergency; triggers keep firing
	ModeAdaptive Mode = "adaptive" // continue with the reachable set
)

// Heartbeat is broadcast by each motor at a fixed cadence.
type Heartbeat struct {
	Principal     string
	RotationCount int64
	SentAt        time.Time
}

// EmergencyReason classifies why an Emergency event fired.
type EmergencyReason string

const (
	EmergencyPeerOffline EmergencyReason = "peer_offline"
	EmergencyClockDrift  EmergencyReason = "clock_drift"
)

// Emergency is raised on strict-mode peer loss or clock drift beyond
// tolerance, regardless of mode.
type Emergency struct {
	Reason    EmergencyReason
	Principal string
	Detail    string
	At        time.Time
}

// TriggerKind enumerates the activation-trigger families the rotator
// supports.
type TriggerKind string

const (
	TriggerOnTick       TriggerKind = "on_tick"
	TriggerOnSchedule   TriggerKind = "on_schedule"
	TriggerOnPrazo      TriggerKind = "on_prazo"
	TriggerOnMotorStatus TriggerKind = "on_motor_status"
	TriggerOnDrift      TriggerKind = "on_drift"
)

// Trigger is a registered activation rule.
type Trigger struct {
	Kind      TriggerKind
	Interval  time.Duration   // on_tick
	At        time.Time       // on_schedule
	Deadline  time.Time       // on_prazo
	Motor     string          // on_motor_status
	WantState MotorStatus     // on_motor_status
	Threshold time.Duration   // on_drift

	lastFired time.Time
}

// RuleActivation is emitted when a Trigger fires.
type RuleActivation struct {
	Trigger TriggerKind
	At      time.Time
	Detail  string
}

// Config controls the rotator.
type Config struct {
	HeartbeatInterval time.Duration // default 100ms
	MotorTimeout      time.Duration // default 5s
	Mode              Mode
	DriftTolerance    time.Duration // default 250ms
	Logger            *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 100 * time.Millisecond,
		MotorTimeout:      5 * time.Second,
		Mode:              ModeAdaptive,
		DriftTolerance:    250 * time.Millisecond,
		Logger:            log.New(log.Writer(), "[Rotator] ", log.LstdFlags),
	}
}

// Rotator tracks peer liveness and fires activation triggers.
type Rotator struct {
	mu sync.RWMutex

	cfg      *Config
	self     string
	motors   map[string]*MotorInfo
	triggers []*Trigger

	onActivation func(RuleActivation)
	onEmergency  func(Emergency)

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(selfPrincipal string, cfg *Config) *Rotator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Rotator] ", log.LstdFlags)
	}
	return &Rotator{
		cfg:    cfg,
		self:   selfPrincipal,
		motors: make(map[string]*MotorInfo),
	}
}

// SetOnActivation registers the callback invoked when a trigger fires.
func (r *Rotator) SetOnActivation(fn func(RuleActivation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onActivation = fn
}

// SetOnEmergency registers the callback invoked on Emergency events.
func (r *Rotator) SetOnEmergency(fn func(Emergency)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEmergency = fn
}

// AddTrigger registers an activation trigger.
func (r *Rotator) AddTrigger(t *Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
}

// ReceiveHeartbeat records a peer's heartbeat, updating its registry entry.
func (r *Rotator) ReceiveHeartbeat(hb Heartbeat, capabilities []string, location string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.motors[hb.Principal]
	if !ok {
		info = &MotorInfo{Principal: hb.Principal, Capabilities: capabilities, Location: location}
		r.motors[hb.Principal] = info
	}
	wasOffline := info.Status == MotorOffline || info.Status == MotorFailed
	info.LastSeen = hb.SentAt
	info.RotationCount = hb.RotationCount
	info.Status = MotorActive

	if wasOffline {
		r.fireMotorStatusTriggers(hb.Principal, MotorActive)
	}
}

// CheckLiveness scans the registry for peers that have exceeded
// MotorTimeout and marks them offline, firing the configured mode's
// response.
func (r *Rotator) CheckLiveness(now time.Time) []Emergency {
	r.mu.Lock()
	var emergencies []Emergency
	for principal, info := range r.motors {
		if info.Status == MotorOffline {
			continue
		}
		if now.Sub(info.LastSeen) > r.cfg.MotorTimeout {
			info.Status = MotorOffline
			if r.cfg.Mode == ModeStrict {
				emergencies = append(emergencies, Emergency{
					Reason:    EmergencyPeerOffline,
					Principal: principal,
					Detail:    "peer exceeded motor_timeout in strict mode",
					At:        now,
				})
			}
			r.fireMotorStatusTriggersLocked(principal, MotorOffline)
		} else if now.Sub(info.LastSeen) > r.cfg.MotorTimeout/2 {
			info.Status = MotorLagging
		}
	}
	r.mu.Unlock()

	for _, e := range emergencies {
		r.emitEmergency(e)
	}
	return emergencies
}

// CheckDrift compares the local clock against a reference, fires every
// on_drift trigger whose Threshold the drift exceeds, and raises an
// Emergency if drift exceeds DriftTolerance, regardless of mode.
func (r *Rotator) CheckDrift(local, reference time.Time) *Emergency {
	drift := local.Sub(reference)
	if drift < 0 {
		drift = -drift
	}
	r.mu.Lock()
	for _, t := range r.triggers {
		if t.Kind == TriggerOnDrift && drift > t.Threshold {
			r.fire(t, "clock drift exceeded trigger threshold")
		}
	}
	r.mu.Unlock()
	if drift <= r.cfg.DriftTolerance {
		return nil
	}
	e := Emergency{
		Reason: EmergencyClockDrift,
		Detail: "local clock drift exceeded tolerance",
		At:     local,
	}
	r.emitEmergency(e)
	return &e
}

func (r *Rotator) emitEmergency(e Emergency) {
	r.mu.RLock()
	cb := r.onEmergency
	r.mu.RUnlock()
	if cb != nil {
		cb(e)
	}
}

func (r *Rotator) fireMotorStatusTriggers(principal string, status MotorStatus) {
	r.fireMotorStatusTriggersLocked(principal, status)
}

func (r *Rotator) fireMotorStatusTriggersLocked(principal string, status MotorStatus) {
	for _, t := range r.triggers {
		if t.Kind == TriggerOnMotorStatus && t.Motor == principal && t.WantState == status {
			r.fire(t, "motor "+principal+" reached status "+string(status))
		}
	}
}

// Tick evaluates on_tick, on_schedule, and on_prazo triggers against now,
// intended to be called from the adaptive clock's listener.
func (r *Rotator) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.triggers {
		switch t.Kind {
		case TriggerOnTick:
			if t.lastFired.IsZero() || now.Sub(t.lastFired) >= t.Interval {
				r.fire(t, "periodic tick")
			}
		case TriggerOnSchedule:
			if t.lastFired.IsZero() && !now.Before(t.At) {
				r.fire(t, "scheduled time reached")
			}
		case TriggerOnPrazo:
			if t.lastFired.IsZero() && !now.Before(t.Deadline) {
				r.fire(t, "deadline reached")
			}
		}
	}
}

func (r *Rotator) fire(t *Trigger, detail string) {
	t.lastFired = time.Now().UTC()
	if r.onActivation != nil {
		r.onActivation(RuleActivation{Trigger: t.Kind, At: t.lastFired, Detail: detail})
	}
}

// Registry returns a snapshot of all known motors.
func (r *Rotator) Registry() map[string]MotorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MotorInfo, len(r.motors))
	for k, v := range r.motors {
		out[k] = *v
	}
	return out
}

// Start begins the periodic liveness check loop at HeartbeatInterval.
func (r *Rotator) Start(ctx context.Context) error {
	r.mu.Lock()
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

func (r *Rotator) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-r.doneCh
}

func (r *Rotator) run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.CheckLiveness(time.Now().UTC())
		}
	}
}
