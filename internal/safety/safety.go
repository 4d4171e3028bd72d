// Package safety implements SafetyGate: the third stage of the sentinel
// decision pipeline, and the sole authority on whether an intent may be
// executed. It holds the only mutable safety-relevant state: a rolling
// token/rate budget window, a short interval history for tempo detection,
// an optional cooldown, and a health score.
//
// The budget window adapts the token-bucket's capacity/consumed counters to
// a lazy, check-on-access reset instead of a background refill goroutine —
// there is no periodic ticker here, only a comparison against the last
// window start on every call. The veto-tag priority ladder mirrors a
// weighted-threshold severity table collapsed to boolean, sequentially
// evaluated, first-match-wins checks.
package safety

import (
	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/types"
)

// Gate evaluates intents against budget, rate, cooldown, and health state.
type Gate struct {
	cfg   config.SafetyConfig
	clock types.Clock

	tokensUsed int
	toolCalls  int
	windowStart int64

	intervals          []int64
	lastEventTimestamp int64
	haveLastEvent      bool

	cooldownUntil int64
	haveCooldown  bool

	health types.HealthState
}

// New creates a SafetyGate with the given configuration and clock.
func New(cfg config.SafetyConfig, clock types.Clock) *Gate {
	return &Gate{
		cfg:   cfg,
		clock: clock,
		health: types.HealthState{
			Score:  1.0,
			Status: types.HealthHealthy,
		},
	}
}

// Reset clears all gate state back to a fresh, healthy gate.
func (g *Gate) Reset() {
	g.tokensUsed = 0
	g.toolCalls = 0
	g.windowStart = 0
	g.intervals = g.intervals[:0]
	g.haveLastEvent = false
	g.haveCooldown = false
	g.health = types.HealthState{Score: 1.0, Status: types.HealthHealthy}
}

// Health returns the current health state.
func (g *Gate) Health() types.HealthState {
	return g.health
}

func (g *Gate) resetWindowIfStale(now int64) {
	if now-g.windowStart >= g.cfg.BudgetWindowMs {
		g.windowStart = now
		g.tokensUsed = 0
		g.toolCalls = 0
	}
}

// RecordEvent folds an event's token/tool-call counts into the budget
// window and appends its inter-arrival interval to the tempo history.
func (g *Gate) RecordEvent(tokens, toolCalls int) {
	now := g.clock()
	g.resetWindowIfStale(now)

	g.tokensUsed += tokens
	g.toolCalls += toolCalls

	if g.haveLastEvent {
		interval := now - g.lastEventTimestamp
		if len(g.intervals) >= 10 {
			copy(g.intervals, g.intervals[1:])
			g.intervals = g.intervals[:len(g.intervals)-1]
		}
		g.intervals = append(g.intervals, interval)
	}
	g.lastEventTimestamp = now
	g.haveLastEvent = true
}

func (g *Gate) behavioralVeto(now int64, state types.ActivityState) (types.SafetyDecision, bool) {
	if state.Mode == types.ModeRunaway {
		g.cooldownUntil = now + g.cfg.CooldownDurationMs
		g.haveCooldown = true
		return g.reject(now, types.VetoRunawayDetected, "runaway mode detected"), true
	}
	if state.Mode == types.ModeLooping {
		g.cooldownUntil = now + g.cfg.CooldownDurationMs
		g.haveCooldown = true
		return g.reject(now, types.VetoLoopDetected, "loop mode detected"), true
	}
	if g.tempoCompressed() {
		return g.reject(now, types.VetoRateLimitExceeded, "tempo compression detected"), true
	}
	if g.toolCalls >= g.cfg.MaxToolCallsPerMinute {
		return g.reject(now, types.VetoRateLimitExceeded, "tool call rate exceeded"), true
	}
	return types.SafetyDecision{}, false
}

func (g *Gate) tempoCompressed() bool {
	if len(g.intervals) < 4 {
		return false
	}
	n := len(g.intervals)
	recent := g.intervals[n-3:]
	prior := g.intervals[:n-3]
	if len(prior) == 0 {
		return false
	}
	return meanInt64(recent) < meanInt64(prior)*g.cfg.TempoCompressionRatio
}

// Evaluate decides whether intent may be executed given the current
// ActivityState, applying the system precheck (confidence, cooldown,
// health) and then the behavioral and budget vetoes, in fixed priority
// order.
func (g *Gate) Evaluate(intent types.IntentDecision, state types.ActivityState) types.SafetyDecision {
	now := g.clock()
	g.resetWindowIfStale(now)

	if intent.Confidence < g.cfg.ConfidenceMinimum {
		return g.reject(now, types.VetoHealthDegraded, "intent confidence below minimum")
	}
	if g.haveCooldown && now < g.cooldownUntil {
		return g.reject(now, types.VetoCooldownActive, "cooldown active")
	}
	if g.health.Status == types.HealthSuspended || g.health.Status == types.HealthStopped {
		return g.reject(now, types.VetoHealthDegraded, "health status degraded")
	}

	if decision, rejected := g.behavioralVeto(now, state); rejected {
		return decision
	}
	if g.tokensUsed >= g.cfg.MaxTokensPerMinute {
		return g.reject(now, types.VetoTokenBudgetExceeded, "token budget exceeded")
	}

	return types.SafetyDecision{
		Allowed:         true,
		RemainingBudget: remaining(g.cfg.MaxTokensPerMinute, g.tokensUsed),
		Reason:          "within budget and behavioral limits",
		Timestamp:       now,
	}
}

func (g *Gate) reject(now int64, veto types.VetoReason, reason string) types.SafetyDecision {
	return types.SafetyDecision{
		Allowed:         false,
		RemainingBudget: remaining(g.cfg.MaxTokensPerMinute, g.tokensUsed),
		Reason:          reason,
		VetoReason:      veto,
		Timestamp:       now,
	}
}

func remaining(max, used int) int {
	if used >= max {
		return 0
	}
	return max - used
}

// RecordExecutionResult folds an adapter's outcome back into health,
// applying soft or hard anomaly penalties. This is a host-driven feedback
// path: the core pipeline does not call it on the caller's behalf (see
// recordExecutionResult's contract), only a host integration that observes
// adapter behaviour directly would.
func (g *Gate) RecordExecutionResult(result types.ExecutionResult, preceding types.SafetyDecision) {
	switch {
	case result.Executed && result.LatencyMs > 10_000:
		g.recordAnomaly(g.cfg.SoftAnomalySeverity)
	case result.Executed && result.Status == types.StatusPartial:
		g.recordAnomaly(g.cfg.SoftAnomalySeverity)
	case !result.Executed && preceding.Allowed:
		g.recordAnomaly(g.cfg.HardAnomalySeverity)
	}
}

func (g *Gate) recordAnomaly(severity float64) {
	now := g.clock()
	g.health.Score -= severity
	if g.health.Score < 0 {
		g.health.Score = 0
	}
	g.health.LastAnomaly = &now
	g.health.AnomalyCount++
	g.health.ErrorStreak++
	g.recomputeStatus()
}

// TickRecovery heals the health score once RecoveryQuietMs has elapsed
// since the last anomaly.
func (g *Gate) TickRecovery() {
	now := g.clock()
	if g.health.LastAnomaly != nil && now-*g.health.LastAnomaly < g.cfg.RecoveryQuietMs {
		return
	}
	if g.health.ErrorStreak != 0 {
		g.health.ErrorStreak = 0
	}
	g.health.Score += g.cfg.RecoveryRate
	if g.health.Score > g.cfg.RecoveryCap {
		g.health.Score = g.cfg.RecoveryCap
	}
	g.recomputeStatus()
}

func (g *Gate) recomputeStatus() {
	switch {
	case g.health.Score < g.cfg.HardStopThreshold:
		g.health.Status = types.HealthStopped
	case g.health.Score < g.cfg.SoftSuspendThreshold:
		g.health.Status = types.HealthSuspended
	case g.health.Score < 0.8:
		g.health.Status = types.HealthDegraded
	default:
		g.health.Status = types.HealthHealthy
	}
}

func meanInt64(xs []int64) float64 {
	var sum int64
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}
