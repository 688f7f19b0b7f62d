package rotator

import (
	"sync"
	"testing"
	"time"
)

func TestHeartbeatMarksMotorActive(t *testing.T) {
	r := New("self", nil)
	r.ReceiveHeartbeat(Heartbeat{Principal: "peer-1", RotationCount: 1, SentAt: time.Now().UTC()}, nil, "")

	reg := r.Registry()
	info, ok := reg["peer-1"]
	if !ok || info.Status != MotorActive {
		t.Fatalf("expected peer-1 active, got %+v", info)
	}
}

func TestCheckLivenessMarksOfflineAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MotorTimeout = 50 * time.Millisecond
	cfg.Mode = ModeStrict
	r := New("self", cfg)

	var mu sync.Mutex
	var emergencies []Emergency
	r.SetOnEmergency(func(e Emergency) {
		mu.Lock()
		emergencies = append(emergencies, e)
		mu.Unlock()
	})

	past := time.Now().UTC().Add(-200 * time.Millisecond)
	r.ReceiveHeartbeat(Heartbeat{Principal: "peer-1", RotationCount: 1, SentAt: past}, nil, "")

	r.CheckLiveness(time.Now().UTC())

	reg := r.Registry()
	if reg["peer-1"].Status != MotorOffline {
		t.Fatalf("expected peer-1 offline, got %+v", reg["peer-1"])
	}
	mu.Lock()
	defer mu.Unlock()
	if len(emergencies) != 1 || emergencies[0].Reason != EmergencyPeerOffline {
		t.Fatalf("expected one peer-offline emergency in strict mode, got %v", emergencies)
	}
}

func TestAdaptiveModeDoesNotEmitEmergency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MotorTimeout = 50 * time.Millisecond
	cfg.Mode = ModeAdaptive
	r := New("self", cfg)

	fired := false
	r.SetOnEmergency(func(e Emergency) { fired = true })

	past := time.Now().UTC().Add(-200 * time.Millisecond)
	r.ReceiveHeartbeat(Heartbeat{Principal: "peer-1", RotationCount: 1, SentAt: past}, nil, "")
	r.CheckLiveness(time.Now().UTC())

	if fired {
		t.Fatal("adaptive mode must not raise Emergency on peer loss")
	}
}

func TestClockDriftEmergencyFiresRegardlessOfMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeAdaptive
	cfg.DriftTolerance = 10 * time.Millisecond
	r := New("self", cfg)

	var got *Emergency
	r.SetOnEmergency(func(e Emergency) { got = &e })

	now := time.Now().UTC()
	r.CheckDrift(now, now.Add(100*time.Millisecond))

	if got == nil || got.Reason != EmergencyClockDrift {
		t.Fatalf("expected clock drift emergency, got %+v", got)
	}
}

func TestOnTickTriggerFires(t *testing.T) {
	r := New("self", nil)
	fired := make(chan RuleActivation, 1)
	r.SetOnActivation(func(a RuleActivation) { fired <- a })
	r.AddTrigger(&Trigger{Kind: TriggerOnTick, Interval: time.Millisecond})

	r.Tick(time.Now().UTC())

	select {
	case a := <-fired:
		if a.Trigger != TriggerOnTick {
			t.Fatalf("unexpected trigger kind: %v", a.Trigger)
		}
	case <-time.After(time.Second):
		t.Fatal("expected on_tick trigger to fire")
	}
}

func TestOnMotorStatusTriggerFiresOnRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MotorTimeout = 50 * time.Millisecond
	r := New("self", cfg)

	fired := make(chan RuleActivation, 2)
	r.SetOnActivation(func(a RuleActivation) { fired <- a })
	r.AddTrigger(&Trigger{Kind: TriggerOnMotorStatus, Motor: "peer-1", WantState: MotorActive})

	past := time.Now().UTC().Add(-200 * time.Millisecond)
	r.ReceiveHeartbeat(Heartbeat{Principal: "peer-1", RotationCount: 1, SentAt: past}, nil, "")
	r.CheckLiveness(time.Now().UTC())
	if r.Registry()["peer-1"].Status != MotorOffline {
		t.Fatal("expected peer-1 to go offline before recovery")
	}

	r.ReceiveHeartbeat(Heartbeat{Principal: "peer-1", RotationCount: 2, SentAt: time.Now().UTC()}, nil, "")

	select {
	case a := <-fired:
		if a.Trigger != TriggerOnMotorStatus {
			t.Fatalf("unexpected trigger kind: %v", a.Trigger)
		}
	case <-time.After(time.Second):
		t.Fatal("expected on_motor_status trigger to fire on recovery")
	}
}
