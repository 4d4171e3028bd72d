// Package intent implements IntentCore: the second stage of the sentinel
// decision pipeline. It turns an ActivityState into a directional intent
// (CONTINUE / PAUSE / STOP) with a confidence that decays over wall-clock
// time between calls and can be invalidated by a worsening ActivityState.
//
// The single-owner, mutex-free accumulator shape mirrors the pressure
// accumulator's Update/Value/Reset contract, adapted here to a decaying
// confidence rather than an EWMA blend.
package intent

import (
	"fmt"

	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/types"
)

// Core produces IntentDecisions from ActivityStates, tracking recent
// token counts to shape WORKING-mode confidence.
type Core struct {
	cfg   config.IntentConfig
	clock types.Clock

	last         *types.IntentDecision
	tokenHistory []int
}

// New creates an IntentCore with the given configuration and clock.
func New(cfg config.IntentConfig, clock types.Clock) *Core {
	return &Core{
		cfg:          cfg,
		clock:        clock,
		tokenHistory: make([]int, 0, cfg.TokenHistorySize),
	}
}

// Reset clears the decision history and token window.
func (c *Core) Reset() {
	c.last = nil
	c.tokenHistory = c.tokenHistory[:0]
}

// Update folds event's token count into the bounded trend window. Must be
// called once per event, before Decide.
func (c *Core) Update(event types.AgentEvent) {
	if len(c.tokenHistory) >= c.cfg.TokenHistorySize {
		copy(c.tokenHistory, c.tokenHistory[1:])
		c.tokenHistory = c.tokenHistory[:len(c.tokenHistory)-1]
	}
	c.tokenHistory = append(c.tokenHistory, event.TokenCount)
}

// Decide produces the current IntentDecision for state, either by decaying
// and possibly invalidating the previous decision, or by generating a fresh
// one from the fixed mode/intensity priority table.
func (c *Core) Decide(state types.ActivityState) types.IntentDecision {
	now := c.clock()

	if c.last != nil && c.last.Intent != types.IntentPause {
		elapsedSeconds := float64(now-c.last.Timestamp) / 1000.0
		decayed := c.last.Confidence - elapsedSeconds*c.cfg.ConfidenceDecayRate
		if decayed < 0 {
			decayed = 0
		}

		if decayed > 0 {
			if c.isInvalidated(state) {
				fresh := types.IntentDecision{
					Intent:     types.IntentPause,
					Confidence: 0.5,
					Reason:     "Invalidated: activity mode critical",
					Timestamp:  now,
				}
				c.last = &fresh
				return fresh
			}

			decision := types.IntentDecision{
				Intent:     c.last.Intent,
				Confidence: decayed,
				Reason:     c.last.Reason + " (decayed)",
				Timestamp:  now,
			}
			c.last = &decision
			return decision
		}
	}

	decision := c.generate(state, now)
	c.last = &decision
	return decision
}

func (c *Core) isInvalidated(state types.ActivityState) bool {
	if c.last.Intent == types.IntentContinue &&
		(state.Mode == types.ModeRunaway || state.Mode == types.ModeLooping) {
		return true
	}
	if state.Intensity == types.IntensityHigh && c.last.Confidence > 0.5 {
		return true
	}
	return false
}

func (c *Core) generate(state types.ActivityState, now int64) types.IntentDecision {
	switch {
	case state.Mode == types.ModeRunaway:
		return types.IntentDecision{
			Intent:     types.IntentStop,
			Confidence: 1.0,
			Reason:     "RUNAWAY mode detected – uncontrolled activity",
			Timestamp:  now,
		}
	case state.Mode == types.ModeLooping:
		return types.IntentDecision{
			Intent:     types.IntentStop,
			Confidence: 0.9,
			Reason:     "LOOPING mode detected – repetitive behavior",
			Timestamp:  now,
		}
	case state.Intensity == types.IntensityHigh:
		return types.IntentDecision{
			Intent:     types.IntentPause,
			Confidence: 0.7,
			Reason:     "HIGH intensity – approaching resource limits",
			Timestamp:  now,
		}
	case state.Mode == types.ModeIdle:
		return types.IntentDecision{
			Intent:     types.IntentContinue,
			Confidence: 0.3,
			Reason:     "IDLE mode – waiting for activity",
			Timestamp:  now,
		}
	default:
		return types.IntentDecision{
			Intent:     types.IntentContinue,
			Confidence: c.workingConfidence(state.Intensity),
			Reason:     fmt.Sprintf("WORKING mode: intensity=%s", state.Intensity),
			Timestamp:  now,
		}
	}
}

func (c *Core) workingConfidence(intensity types.Intensity) float64 {
	base := 0.5
	switch intensity {
	case types.IntensityLow:
		base = 0.8
	case types.IntensityNormal:
		base = 0.6
	case types.IntensityHigh:
		base = 0.3
	}

	if len(c.tokenHistory) >= 5 {
		n := len(c.tokenHistory)
		recent := c.tokenHistory[n-3:]
		priorStart := n - 6
		if priorStart < 0 {
			priorStart = 0
		}
		prior := c.tokenHistory[priorStart : n-3]
		priorMean := meanInt(prior)
		var trend float64
		if priorMean != 0 {
			trend = (meanInt(recent) - priorMean) / priorMean
		}
		switch {
		case trend > 0.5:
			base *= 0.7
		case trend < -0.5:
			base *= 1.1
		}
	}

	switch {
	case base < 0.1:
		return 0.1
	case base > 1.0:
		return 1.0
	default:
		return base
	}
}

func meanInt(xs []int) float64 {
	var sum int
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}
