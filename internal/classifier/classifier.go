// Package classifier implements the ActivityClassifier: the first stage of
// the sentinel decision pipeline. It turns a stream of AgentEvents into a
// qualitative ActivityState (mode + intensity) with hysteresis so that
// critical modes cannot be shed by a single clean event.
//
// The bounded-FIFO event/hash windows and the single-owner, mutex-free
// state-machine shape follow the same pattern as a kernel ring-buffer
// consumer: fixed capacity, oldest-evicted-first, O(window size) per call.
package classifier

import (
	"fmt"

	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/types"
)

// Classifier classifies the recent event stream into an ActivityState.
// Not safe for concurrent use by design — a Pipeline owns exactly one and
// calls it only from Process, which is itself not reentrant (see §5).
type Classifier struct {
	cfg   config.ClassifierConfig
	clock types.Clock

	eventBuffer []types.AgentEvent
	hashBuffer  []string

	current *types.ActivityState
}

// New creates a Classifier with the given configuration and clock.
func New(cfg config.ClassifierConfig, clock types.Clock) *Classifier {
	return &Classifier{
		cfg:         cfg,
		clock:       clock,
		eventBuffer: make([]types.AgentEvent, 0, cfg.EventBufferSize),
		hashBuffer:  make([]string, 0, cfg.LoopWindowSize),
	}
}

// Reset clears all buffered state and the current classification.
func (c *Classifier) Reset() {
	c.eventBuffer = c.eventBuffer[:0]
	c.hashBuffer = c.hashBuffer[:0]
	c.current = nil
}

// Current returns the last classified state, or nil if Process has not
// yet been called.
func (c *Classifier) Current() *types.ActivityState {
	return c.current
}

// Process appends event to the bounded windows, recomputes a candidate
// state, applies the transition gate, and returns the (possibly retained)
// current ActivityState.
func (c *Classifier) Process(event types.AgentEvent) types.ActivityState {
	c.pushEvent(event)
	if event.OutputHash != "" {
		c.pushHash(event.OutputHash)
	}

	intensity := c.classifyIntensity()
	mode := c.classifyMode(intensity)
	now := c.clock()

	if c.current == nil {
		c.current = &types.ActivityState{
			Intensity: intensity,
			Mode:      mode,
			Reason:    reasonFor(mode, intensity),
			Since:     now,
		}
		return *c.current
	}

	elapsed := now - c.current.Since
	if elapsed < c.cfg.MinStateDurationMs {
		return *c.current
	}
	if c.current.Mode.IsCritical() && !mode.IsCritical() {
		extended := c.cfg.MinStateDurationMs * c.cfg.CriticalExitMultiplier
		if elapsed < extended {
			return *c.current
		}
	}

	if mode != c.current.Mode || intensity != c.current.Intensity {
		c.current = &types.ActivityState{
			Intensity: intensity,
			Mode:      mode,
			Reason:    reasonFor(mode, intensity),
			Since:     now,
		}
	}
	return *c.current
}

func (c *Classifier) pushEvent(event types.AgentEvent) {
	if len(c.eventBuffer) >= c.cfg.EventBufferSize {
		copy(c.eventBuffer, c.eventBuffer[1:])
		c.eventBuffer = c.eventBuffer[:len(c.eventBuffer)-1]
	}
	c.eventBuffer = append(c.eventBuffer, event)
}

func (c *Classifier) pushHash(hash string) {
	if len(c.hashBuffer) >= c.cfg.LoopWindowSize {
		copy(c.hashBuffer, c.hashBuffer[1:])
		c.hashBuffer = c.hashBuffer[:len(c.hashBuffer)-1]
	}
	c.hashBuffer = append(c.hashBuffer, hash)
}

// classifyIntensity implements the tokens-per-minute classification over the
// last up-to-10 events.
func (c *Classifier) classifyIntensity() types.Intensity {
	n := len(c.eventBuffer)
	if n < 3 {
		return types.IntensityNormal
	}
	window := c.eventBuffer
	if n > 10 {
		window = c.eventBuffer[n-10:]
	}

	first := window[0]
	last := window[len(window)-1]
	var tokens int64
	for _, e := range window {
		tokens += int64(e.TokenCount)
	}

	timeSpan := last.Timestamp - first.Timestamp
	var tokensPerMinute float64
	if timeSpan == 0 {
		tokensPerMinute = float64(tokens)
	} else {
		tokensPerMinute = (float64(tokens) / float64(timeSpan)) * 60_000
	}

	switch {
	case tokensPerMinute < c.cfg.IntensityLowThreshold:
		return types.IntensityLow
	case tokensPerMinute > c.cfg.IntensityHighThreshold:
		return types.IntensityHigh
	default:
		return types.IntensityNormal
	}
}

// classifyMode applies the fixed priority order: LOOPING, RUNAWAY, IDLE,
// WORKING.
func (c *Classifier) classifyMode(intensity types.Intensity) types.Mode {
	if c.isLooping() {
		return types.ModeLooping
	}
	if c.isRunaway(intensity) {
		return types.ModeRunaway
	}
	if c.isIdle() {
		return types.ModeIdle
	}
	return types.ModeWorking
}

func (c *Classifier) isLooping() bool {
	if len(c.hashBuffer) < c.cfg.LoopWindowSize {
		return false
	}
	distinct := make(map[string]struct{}, len(c.hashBuffer))
	for _, h := range c.hashBuffer {
		distinct[h] = struct{}{}
	}
	windowSize := float64(c.cfg.LoopWindowSize)
	ratio := 1.0 - (float64(len(distinct)) / windowSize)
	return ratio >= c.cfg.LoopSimilarityThreshold
}

func (c *Classifier) isRunaway(intensity types.Intensity) bool {
	n := len(c.eventBuffer)
	if n < 6 || intensity != types.IntensityHigh {
		return false
	}

	intervals := make([]int64, 0, n-1)
	for i := 1; i < n; i++ {
		intervals = append(intervals, c.eventBuffer[i].Timestamp-c.eventBuffer[i-1].Timestamp)
	}
	if len(intervals) < 3 {
		return false
	}

	recent := intervals[len(intervals)-3:]
	earlier := intervals[:len(intervals)-3]
	if len(earlier) == 0 {
		return false
	}

	recentMean := meanInt64(recent)
	earlierMean := meanInt64(earlier)
	return recentMean < earlierMean*c.cfg.TempoCompressionRatio
}

func (c *Classifier) isIdle() bool {
	if len(c.eventBuffer) == 0 {
		return true
	}
	last := c.eventBuffer[len(c.eventBuffer)-1]
	return c.clock()-last.Timestamp > c.cfg.IdleTimeoutMs
}

func meanInt64(xs []int64) float64 {
	var sum int64
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func reasonFor(mode types.Mode, intensity types.Intensity) string {
	return fmt.Sprintf("mode=%s intensity=%s", mode, intensity)
}
