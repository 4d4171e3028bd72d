// Package pipeline implements Pipeline: the sole public entry point of the
// sentinel decision pipeline. It composes ActivityClassifier, IntentCore,
// and SafetyGate in a fixed order, folds their outputs into a replay-parity
// fingerprint, and applies defensive degradation whenever a component stage
// suffers an internal fault.
//
// A Pipeline is not reentrant: Process must not be called again from within
// a telemetry sink callback or an execution adapter it is currently
// waiting on. Multiple independent Pipelines may run concurrently, one per
// agent session, sharing no state.
package pipeline

import (
	"fmt"

	"github.com/octoreflex/sentinel/contrib"
	"github.com/octoreflex/sentinel/internal/classifier"
	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/governance"
	"github.com/octoreflex/sentinel/internal/intent"
	"github.com/octoreflex/sentinel/internal/safety"
	"github.com/octoreflex/sentinel/internal/types"
)

// Sink receives SystemEvents emitted by a Pipeline. Implementations must be
// strictly downstream: a Sink must never feed information back into a
// Pipeline's decisions, and its Emit must not block the calling goroutine
// for long since it runs inline with Process.
type Sink interface {
	Emit(event types.SystemEvent)
}

// NopSink discards every event. Used when no telemetry sink is configured.
type NopSink struct{}

func (NopSink) Emit(types.SystemEvent) {}

// Outcome is the full result of processing one AgentEvent.
type Outcome struct {
	State    types.ActivityState
	Intent   types.IntentDecision
	Decision types.SafetyDecision
	Result   types.ExecutionResult
}

// Pipeline is the synchronous, deterministic 4-stage transducer: it turns
// an AgentEvent into an ActivityState, an IntentDecision, a SafetyDecision,
// and an ExecutionResult, in that fixed order, on every call to Process.
type Pipeline struct {
	SessionID string

	classifier *classifier.Classifier
	intentCore *intent.Core
	safetyGate *safety.Gate
	adapter    contrib.ExecutionAdapter

	fingerprint *governance.Fingerprint
	sink        Sink
	clock       types.Clock
}

// New constructs a Pipeline with the given configuration, clock, execution
// adapter, and telemetry sink. Config is frozen at construction: nothing in
// this package mutates cfg afterward.
func New(sessionID string, cfg config.Config, clock types.Clock, adapter contrib.ExecutionAdapter, sink Sink) *Pipeline {
	if clock == nil {
		clock = types.RealClock
	}
	if adapter == nil {
		adapter = &contrib.NoopAdapter{}
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Pipeline{
		SessionID:   sessionID,
		classifier:  classifier.New(cfg.Classifier, clock),
		intentCore:  intent.New(cfg.Intent, clock),
		safetyGate:  safety.New(cfg.Safety, clock),
		adapter:     adapter,
		fingerprint: governance.NewFingerprint(),
		sink:        sink,
		clock:       clock,
	}
}

// Fingerprint returns the current hex-encoded replay-parity digest.
func (p *Pipeline) Fingerprint() string {
	return p.fingerprint.Digest()
}

// Health returns the SafetyGate's current health state.
func (p *Pipeline) Health() types.HealthState {
	return p.safetyGate.Health()
}

// Reset reinitializes every component and the fingerprint, as if the
// Pipeline had just been constructed.
func (p *Pipeline) Reset() {
	p.classifier.Reset()
	p.intentCore.Reset()
	p.safetyGate.Reset()
	p.fingerprint.Reset()
}

// Process runs one AgentEvent through all four stages and returns the full
// Outcome. Internal component faults are caught and downgraded to safe
// synthetic outputs with ERROR telemetry; the session continues. A
// catastrophic fault in the orchestration itself (outside the protected
// per-stage recover calls) propagates to the caller as a panic; the caller
// decides whether to Reset or keep going.
func (p *Pipeline) Process(event types.AgentEvent) Outcome {
	_ = p.fingerprint.FoldEvent(event)
	p.emit(types.SystemEvent{Kind: types.EventAgentEvent, Timestamp: event.Timestamp, Event: &event})

	previous := p.classifier.Current()
	state := p.classifyDefensively(event)
	if previous == nil || *previous != state {
		prev := previous
		cur := state
		p.emit(types.SystemEvent{Kind: types.EventStateChange, Timestamp: event.Timestamp, Previous: prev, Current: &cur})
	}

	decisionIntent := p.decideDefensively(event, state)
	_ = p.fingerprint.FoldIntent(decisionIntent)

	decision := p.evaluateDefensively(decisionIntent, state)
	p.safetyGate.RecordEvent(event.TokenCount, event.ToolCalls)
	_ = p.fingerprint.FoldDecision(decision)
	p.emit(types.SystemEvent{Kind: types.EventIntent, Timestamp: event.Timestamp, Intent: &decisionIntent, Decision: &decision})

	result := p.executeUnderInvariant(event, decision)
	_ = p.fingerprint.FoldResult(result)
	p.emit(types.SystemEvent{Kind: types.EventExecution, Timestamp: event.Timestamp, Result: &result})

	return Outcome{State: state, Intent: decisionIntent, Decision: decision, Result: result}
}

// Run processes events in order and returns each Outcome plus the final
// fingerprint.
func (p *Pipeline) Run(events []types.AgentEvent) ([]Outcome, string) {
	outcomes := make([]Outcome, 0, len(events))
	for _, event := range events {
		outcomes = append(outcomes, p.Process(event))
	}
	return outcomes, p.Fingerprint()
}

func (p *Pipeline) classifyDefensively(event types.AgentEvent) (state types.ActivityState) {
	defer func() {
		if r := recover(); r != nil {
			state = types.ActivityState{
				Intensity: types.IntensityHigh,
				Mode:      types.ModeRunaway,
				Reason:    fmt.Sprintf("classifier fault: %v", r),
				Since:     event.Timestamp,
			}
			p.emit(types.SystemEvent{
				Kind: types.EventError, Timestamp: event.Timestamp,
				Component: "ActivityEngine", Error: fmt.Sprintf("%v", r),
			})
		}
	}()
	return p.classifier.Process(event)
}

func (p *Pipeline) decideDefensively(event types.AgentEvent, state types.ActivityState) (decision types.IntentDecision) {
	defer func() {
		if r := recover(); r != nil {
			decision = types.IntentDecision{
				Intent:     types.IntentPause,
				Confidence: 0,
				Reason:     fmt.Sprintf("intent core fault: %v", r),
				Timestamp:  event.Timestamp,
			}
			p.emit(types.SystemEvent{
				Kind: types.EventError, Timestamp: event.Timestamp,
				Component: "IntentCore", Error: fmt.Sprintf("%v", r),
			})
		}
	}()
	p.intentCore.Update(event)
	return p.intentCore.Decide(state)
}

func (p *Pipeline) evaluateDefensively(intentDecision types.IntentDecision, state types.ActivityState) (decision types.SafetyDecision) {
	defer func() {
		if r := recover(); r != nil {
			decision = types.SafetyDecision{
				Allowed:    false,
				Reason:     fmt.Sprintf("SafetyGate error: %v", r),
				VetoReason: types.VetoNone,
				Timestamp:  intentDecision.Timestamp,
			}
			p.emit(types.SystemEvent{
				Kind: types.EventError, Timestamp: intentDecision.Timestamp,
				Component: "SafetyGate", Error: fmt.Sprintf("%v", r),
			})
		}
	}()
	return p.safetyGate.Evaluate(intentDecision, state)
}

// executeUnderInvariant enforces the core execution invariant: the adapter
// is called if and only if the preceding decision allowed it.
func (p *Pipeline) executeUnderInvariant(event types.AgentEvent, decision types.SafetyDecision) (result types.ExecutionResult) {
	if !decision.Allowed {
		return types.ExecutionResult{
			Executed:  false,
			Status:    types.StatusBlocked,
			Timestamp: decision.Timestamp,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			result = types.ExecutionResult{
				Executed:  false,
				Status:    types.StatusFailed,
				Timestamp: decision.Timestamp,
			}
			p.emit(types.SystemEvent{
				Kind: types.EventError, Timestamp: decision.Timestamp,
				Component: "ExecutionAdapter", Error: fmt.Sprintf("%v", r),
			})
		}
	}()

	outcome, err := p.adapter.Execute(contrib.ExecutionRequest{
		SessionID: p.SessionID,
		Decision:  decision,
		Event:     event,
	})
	if err != nil {
		p.emit(types.SystemEvent{
			Kind: types.EventError, Timestamp: decision.Timestamp,
			Component: "ExecutionAdapter", Error: err.Error(),
		})
		return types.ExecutionResult{
			Executed:  false,
			Status:    types.StatusFailed,
			Timestamp: decision.Timestamp,
		}
	}

	return types.ExecutionResult{
		Executed:   true,
		Status:     outcome.Status,
		TokensUsed: outcome.TokensUsed,
		LatencyMs:  outcome.LatencyMs,
		Timestamp:  decision.Timestamp,
	}
}

func (p *Pipeline) emit(event types.SystemEvent) {
	p.sink.Emit(event)
}
