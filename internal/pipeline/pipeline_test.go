package pipeline

import (
	"errors"
	"testing"

	"github.com/octoreflex/sentinel/contrib"
	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/types"
)

func manualClock(start int64) (types.Clock, func(int64)) {
	now := start
	return func() int64 { return now }, func(t int64) { now = t }
}

// recordingSink collects every SystemEvent emitted by a Pipeline for
// assertions, without feeding anything back into its decisions.
type recordingSink struct {
	events []types.SystemEvent
}

func (s *recordingSink) Emit(e types.SystemEvent) {
	s.events = append(s.events, e)
}

func (s *recordingSink) errorsFor(component string) []types.SystemEvent {
	var out []types.SystemEvent
	for _, e := range s.events {
		if e.Kind == types.EventError && e.Component == component {
			out = append(out, e)
		}
	}
	return out
}

// flagAdapter records whether Execute was ever called, to verify the
// execution invariant: the adapter must never run for a vetoed decision.
type flagAdapter struct {
	called bool
}

func (a *flagAdapter) Name() string { return "flag" }

func (a *flagAdapter) Execute(req contrib.ExecutionRequest) (contrib.ExecutionOutcome, error) {
	a.called = true
	return contrib.ExecutionOutcome{Status: types.StatusSuccess, TokensUsed: req.Event.TokenCount}, nil
}

type panicAdapter struct{}

func (panicAdapter) Name() string { return "panic" }

func (panicAdapter) Execute(contrib.ExecutionRequest) (contrib.ExecutionOutcome, error) {
	panic("adapter exploded")
}

type erroringAdapter struct{}

func (erroringAdapter) Name() string { return "erroring" }

func (erroringAdapter) Execute(contrib.ExecutionRequest) (contrib.ExecutionOutcome, error) {
	return contrib.ExecutionOutcome{}, errors.New("boom")
}

func TestPipeline_ExecutionInvariant_NeverRunsAdapterWhenVetoed(t *testing.T) {
	clock, set := manualClock(0)
	cfg := config.Defaults()
	cfg.Safety.MaxTokensPerMinute = 100 // trivially small budget, guarantees a veto quickly
	adapter := &flagAdapter{}
	p := New("sess-1", cfg, clock, adapter, nil)

	sawVeto := false
	ts := int64(0)
	for i := 0; i < 5; i++ {
		set(ts)
		adapter.called = false
		out := p.Process(types.AgentEvent{Timestamp: ts, TokenCount: 50})
		if !out.Decision.Allowed {
			sawVeto = true
			if out.Result.Executed {
				t.Fatal("execution invariant violated: adapter ran for a vetoed decision")
			}
			if adapter.called {
				t.Fatal("execution invariant violated: adapter was called for a vetoed decision")
			}
		}
		ts += 1000
	}
	if !sawVeto {
		t.Fatal("test setup failed to produce any vetoed decision")
	}
}

func TestPipeline_DefensiveDegradation_ClassifierFault(t *testing.T) {
	clock, _ := manualClock(0)
	cfg := config.Defaults()
	cfg.Classifier.EventBufferSize = 0 // forces an out-of-range slice panic in the classifier
	sink := &recordingSink{}
	p := New("sess-2", cfg, clock, nil, sink)

	outcome := p.Process(types.AgentEvent{Timestamp: 0, TokenCount: 10})

	if outcome.State.Mode != types.ModeRunaway || outcome.State.Intensity != types.IntensityHigh {
		t.Fatalf("expected defensive RUNAWAY/HIGH state, got %v/%v", outcome.State.Mode, outcome.State.Intensity)
	}
	if outcome.Decision.Allowed {
		t.Fatal("expected the synthetic RUNAWAY state to trigger a RUNAWAY_DETECTED veto")
	}
	if outcome.Decision.VetoReason != types.VetoRunawayDetected {
		t.Fatalf("expected RUNAWAY_DETECTED veto, got %s", outcome.Decision.VetoReason)
	}
	if len(sink.errorsFor("ActivityEngine")) == 0 {
		t.Fatal("expected an ERROR telemetry record for component=ActivityEngine")
	}
}

func TestPipeline_DefensiveDegradation_IntentCoreFault(t *testing.T) {
	clock, _ := manualClock(0)
	cfg := config.Defaults()
	cfg.Intent.TokenHistorySize = 0 // forces an out-of-range slice panic in IntentCore.Update
	sink := &recordingSink{}
	p := New("sess-3", cfg, clock, nil, sink)

	outcome := p.Process(types.AgentEvent{Timestamp: 0, TokenCount: 10})

	if outcome.Intent.Intent != types.IntentPause || outcome.Intent.Confidence != 0 {
		t.Fatalf("expected defensive PAUSE/0 intent, got %v/%v", outcome.Intent.Intent, outcome.Intent.Confidence)
	}
	if len(sink.errorsFor("IntentCore")) == 0 {
		t.Fatal("expected an ERROR telemetry record for component=IntentCore")
	}
}

func TestPipeline_AdapterPanicDowngradesToFailed(t *testing.T) {
	clock, _ := manualClock(0)
	cfg := config.Defaults()
	sink := &recordingSink{}
	p := New("sess-4", cfg, clock, panicAdapter{}, sink)

	outcome := p.Process(types.AgentEvent{Timestamp: 0, TokenCount: 10})
	if outcome.Result.Executed || outcome.Result.Status != types.StatusFailed {
		t.Fatalf("expected a FAILED, unexecuted result after adapter panic, got executed=%v status=%v",
			outcome.Result.Executed, outcome.Result.Status)
	}
	if len(sink.errorsFor("ExecutionAdapter")) == 0 {
		t.Fatal("expected an ERROR telemetry record for component=ExecutionAdapter")
	}
}

func TestPipeline_AdapterErrorDowngradesToFailed(t *testing.T) {
	clock, _ := manualClock(0)
	cfg := config.Defaults()
	p := New("sess-5", cfg, clock, erroringAdapter{}, nil)

	outcome := p.Process(types.AgentEvent{Timestamp: 0, TokenCount: 10})
	if outcome.Result.Executed || outcome.Result.Status != types.StatusFailed {
		t.Fatalf("expected a FAILED, unexecuted result after adapter error, got executed=%v status=%v",
			outcome.Result.Executed, outcome.Result.Status)
	}
}

func TestPipeline_FingerprintDeterministicAcrossReplays(t *testing.T) {
	events := []types.AgentEvent{
		{Timestamp: 0, TokenCount: 100, ToolCalls: 1},
		{Timestamp: 1000, TokenCount: 200, ToolCalls: 1},
		{Timestamp: 2000, TokenCount: 50, ToolCalls: 0},
	}

	run := func() string {
		clock, set := manualClock(0)
		cfg := config.Defaults()
		p := New("sess-replay", cfg, clock, nil, nil)
		var fp string
		for _, e := range events {
			set(e.Timestamp)
			p.Process(e)
		}
		fp = p.Fingerprint()
		return fp
	}

	a := run()
	b := run()
	if a != b || a == "" {
		t.Fatalf("expected identical, non-empty fingerprints across independent replays, got %q and %q", a, b)
	}
}

func TestPipeline_ResetThenReplayMatchesFirstRun(t *testing.T) {
	events := []types.AgentEvent{
		{Timestamp: 0, TokenCount: 100, ToolCalls: 1},
		{Timestamp: 1000, TokenCount: 200, ToolCalls: 1},
	}

	clock, set := manualClock(0)
	cfg := config.Defaults()
	p := New("sess-reset", cfg, clock, nil, nil)

	for _, e := range events {
		set(e.Timestamp)
		p.Process(e)
	}
	first := p.Fingerprint()

	p.Reset()
	set(0)
	for _, e := range events {
		set(e.Timestamp)
		p.Process(e)
	}
	second := p.Fingerprint()

	if first != second {
		t.Fatalf("expected reset+replay fingerprint %q to match first run %q", second, first)
	}
}

func TestPipeline_HealthyWithOnlyCleanExecutions(t *testing.T) {
	clock, set := manualClock(0)
	cfg := config.Defaults()
	p := New("sess-health", cfg, clock, nil, nil)

	for i, ts := range []int64{0, 1000, 2000} {
		set(ts)
		outcome := p.Process(types.AgentEvent{Timestamp: ts, TokenCount: 10})
		if !outcome.Decision.Allowed {
			t.Fatalf("event %d: expected allowed decision in a clean run, got veto=%s", i, outcome.Decision.VetoReason)
		}
	}
	if p.Health().Score != 1.0 {
		t.Fatalf("expected a pipeline with no recorded anomalies to report health score 1.0, got %v", p.Health().Score)
	}
}

func TestPipeline_RunCollectsAllOutcomes(t *testing.T) {
	clock, _ := manualClock(0)
	cfg := config.Defaults()
	p := New("sess-run", cfg, clock, nil, nil)

	events := []types.AgentEvent{
		{Timestamp: 0, TokenCount: 10},
		{Timestamp: 1000, TokenCount: 20},
	}
	outcomes, fp := p.Run(events)
	if len(outcomes) != len(events) {
		t.Fatalf("expected %d outcomes, got %d", len(events), len(outcomes))
	}
	if fp != p.Fingerprint() {
		t.Fatalf("Run's returned fingerprint must match Fingerprint(), got %q vs %q", fp, p.Fingerprint())
	}
}
