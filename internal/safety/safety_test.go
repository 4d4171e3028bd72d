package safety

import (
	"testing"

	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/types"
)

func manualClock(start int64) (types.Clock, func(int64)) {
	now := start
	return func() int64 { return now }, func(t int64) { now = t }
}

func testConfig() config.SafetyConfig {
	return config.Defaults().Safety
}

func workingIntent(confidence float64) types.IntentDecision {
	return types.IntentDecision{Intent: types.IntentContinue, Confidence: confidence}
}

func workingState() types.ActivityState {
	return types.ActivityState{Mode: types.ModeWorking, Intensity: types.IntensityNormal}
}

// TestSafetyGate_BudgetEdge is the literal §8 boundary scenario: 5 events of
// 10,000 tokens each stay within the 50,000 budget; a 6th of 1 token trips
// TOKEN_BUDGET_EXCEEDED; after the window rolls over, the budget resets.
func TestSafetyGate_BudgetEdge(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	for i, ts := range []int64{0, 1000, 2000, 3000, 4000} {
		set(ts)
		decision := g.Evaluate(workingIntent(1.0), workingState())
		if !decision.Allowed {
			t.Fatalf("event %d: expected allowed=true at exactly the budget threshold, got false (%s)", i, decision.VetoReason)
		}
		g.RecordEvent(10_000, 0)
	}

	set(5000)
	decision := g.Evaluate(workingIntent(1.0), workingState())
	if decision.Allowed || decision.VetoReason != types.VetoTokenBudgetExceeded {
		t.Fatalf("expected TOKEN_BUDGET_EXCEEDED on the 6th event, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}

	set(60_001)
	decision = g.Evaluate(workingIntent(1.0), workingState())
	if !decision.Allowed {
		t.Fatalf("expected the budget window to reset past 60,000ms, got veto=%s", decision.VetoReason)
	}
}

func TestSafetyGate_RateLimitAbsoluteCap(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	set(0)
	g.RecordEvent(1, 60)

	set(1)
	decision := g.Evaluate(workingIntent(1.0), workingState())
	if decision.Allowed || decision.VetoReason != types.VetoRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED at the tool-call cap, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}
}

func TestSafetyGate_TempoCompressionVetoesRate(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	ts := int64(0)
	for i := 0; i < 5; i++ {
		set(ts)
		g.RecordEvent(10, 1)
		ts += 5000
	}
	// 4 more events: the first closes the 5000ms baseline, the next 3 add
	// intervals far shorter than it.
	for i := 0; i < 4; i++ {
		set(ts)
		g.RecordEvent(10, 1)
		ts += 100
	}

	set(ts)
	decision := g.Evaluate(workingIntent(1.0), workingState())
	if decision.Allowed || decision.VetoReason != types.VetoRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED from tempo compression, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}
}

func TestSafetyGate_RunawayVetoSetsCooldown(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	set(0)
	decision := g.Evaluate(workingIntent(1.0), types.ActivityState{Mode: types.ModeRunaway, Intensity: types.IntensityHigh})
	if decision.Allowed || decision.VetoReason != types.VetoRunawayDetected {
		t.Fatalf("expected RUNAWAY_DETECTED, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}

	set(1)
	decision = g.Evaluate(workingIntent(1.0), workingState())
	if decision.Allowed || decision.VetoReason != types.VetoCooldownActive {
		t.Fatalf("expected COOLDOWN_ACTIVE immediately after a RUNAWAY veto, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}

	set(testConfig().CooldownDurationMs + 1)
	decision = g.Evaluate(workingIntent(1.0), workingState())
	if !decision.Allowed {
		t.Fatalf("expected cooldown to clear after CooldownDurationMs, got veto=%s", decision.VetoReason)
	}
}

func TestSafetyGate_LoopingVeto(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	set(0)
	decision := g.Evaluate(workingIntent(1.0), types.ActivityState{Mode: types.ModeLooping, Intensity: types.IntensityNormal})
	if decision.Allowed || decision.VetoReason != types.VetoLoopDetected {
		t.Fatalf("expected LOOP_DETECTED, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}
}

func TestSafetyGate_ConfidenceBelowMinimum(t *testing.T) {
	clock, _ := manualClock(0)
	g := New(testConfig(), clock)

	decision := g.Evaluate(workingIntent(0.1), workingState())
	if decision.Allowed || decision.VetoReason != types.VetoHealthDegraded {
		t.Fatalf("expected HEALTH_DEGRADED for sub-minimum confidence, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}
}

func TestSafetyGate_AllowedInvariantImpliesVetoReason(t *testing.T) {
	clock, _ := manualClock(0)
	g := New(testConfig(), clock)

	decision := g.Evaluate(workingIntent(1.0), workingState())
	if !decision.Allowed {
		t.Fatal("setup: expected allowed decision")
	}
	if decision.VetoReason != types.VetoNone {
		t.Fatalf("allowed decisions must carry no veto reason, got %s", decision.VetoReason)
	}

	decision = g.Evaluate(workingIntent(0.0), workingState())
	if decision.Allowed {
		t.Fatal("setup: expected vetoed decision")
	}
	if decision.VetoReason == types.VetoNone {
		t.Fatal("vetoed decisions must always carry a non-empty veto reason")
	}
}

func TestSafetyGate_HealthRecoveryCapsAtRecoveryCap(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	set(0)
	g.RecordExecutionResult(
		types.ExecutionResult{Executed: false},
		types.SafetyDecision{Allowed: true},
	)
	if g.Health().Score >= 1.0 {
		t.Fatalf("expected a hard anomaly to lower the score below 1.0, got %v", g.Health().Score)
	}

	// Let the quiet period elapse repeatedly and recover.
	cfg := testConfig()
	t0 := cfg.RecoveryQuietMs + 1
	for i := 0; i < 1000; i++ {
		set(t0 + int64(i)*1000)
		g.TickRecovery()
	}
	if g.Health().Score > cfg.RecoveryCap {
		t.Fatalf("health score must never exceed RecoveryCap %v, got %v", cfg.RecoveryCap, g.Health().Score)
	}
	if g.Health().Score != cfg.RecoveryCap {
		t.Fatalf("expected score to converge to RecoveryCap %v, got %v", cfg.RecoveryCap, g.Health().Score)
	}
}

func TestSafetyGate_FreshHealthIsHealthyAndFull(t *testing.T) {
	clock, _ := manualClock(0)
	g := New(testConfig(), clock)
	health := g.Health()
	if health.Score != 1.0 || health.Status != types.HealthHealthy {
		t.Fatalf("expected a fresh gate to report score=1.0/HEALTHY, got %v/%v", health.Score, health.Status)
	}
}

func TestSafetyGate_SuspendedAndStoppedBlockAllDecisions(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	set(0)
	// Drive enough hard anomalies to cross HardStopThreshold (0.3).
	for i := 0; i < 8; i++ {
		g.RecordExecutionResult(types.ExecutionResult{Executed: false}, types.SafetyDecision{Allowed: true})
	}
	if g.Health().Status != types.HealthStopped {
		t.Fatalf("expected HealthStopped after repeated hard anomalies, got %v (score=%v)", g.Health().Status, g.Health().Score)
	}

	decision := g.Evaluate(workingIntent(1.0), workingState())
	if decision.Allowed || decision.VetoReason != types.VetoHealthDegraded {
		t.Fatalf("expected HEALTH_DEGRADED veto while STOPPED, got allowed=%v veto=%s", decision.Allowed, decision.VetoReason)
	}
}

func TestSafetyGate_Reset(t *testing.T) {
	clock, set := manualClock(0)
	g := New(testConfig(), clock)

	set(0)
	g.Evaluate(workingIntent(1.0), types.ActivityState{Mode: types.ModeRunaway})
	g.RecordExecutionResult(types.ExecutionResult{Executed: false}, types.SafetyDecision{Allowed: true})

	g.Reset()
	health := g.Health()
	if health.Score != 1.0 || health.Status != types.HealthHealthy {
		t.Fatalf("expected fresh health after Reset, got %v/%v", health.Score, health.Status)
	}

	set(1)
	decision := g.Evaluate(workingIntent(1.0), workingState())
	if !decision.Allowed {
		t.Fatalf("expected no lingering cooldown after Reset, got veto=%s", decision.VetoReason)
	}
}
