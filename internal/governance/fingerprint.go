// Package governance provides the replay-parity fingerprint for the
// sentinel decision pipeline: an incremental SHA-256 digest folded over a
// canonical JSON encoding of every AgentEvent, IntentDecision,
// SafetyDecision, and ExecutionResult a Pipeline produces.
//
// Two independent Pipeline instances given the same events, the same
// Config, and the same clock must fold to byte-identical fingerprints.
// This is the cryptographic audit trail: a reviewer can replay a session's
// recorded events against the same configuration and confirm the resulting
// fingerprint matches what was recorded live, without trusting the host
// that ran it.
package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/octoreflex/sentinel/internal/types"
)

// recordKind tags each folded record so that two structurally-identical
// payloads folded at different pipeline stages never hash identically.
type recordKind string

const (
	kindEvent    recordKind = "event"
	kindIntent   recordKind = "intent"
	kindDecision recordKind = "decision"
	kindResult   recordKind = "result"
)

type taggedRecord struct {
	Type    recordKind  `json:"type"`
	Payload interface{} `json:"payload"`
}

// Fingerprint accumulates a replay-parity digest across a Pipeline session.
// Not safe for concurrent use — the owning Pipeline enforces single-threaded
// access per session.
type Fingerprint struct {
	h hash.Hash
}

// NewFingerprint returns a fresh, empty Fingerprint.
func NewFingerprint() *Fingerprint {
	return &Fingerprint{h: sha256.New()}
}

// Reset clears the digest back to its initial empty state, for Pipeline.Reset.
func (f *Fingerprint) Reset() {
	f.h.Reset()
}

// FoldEvent folds an AgentEvent into the digest.
func (f *Fingerprint) FoldEvent(event types.AgentEvent) error {
	return f.fold(kindEvent, event)
}

// FoldIntent folds an IntentDecision into the digest.
func (f *Fingerprint) FoldIntent(intent types.IntentDecision) error {
	return f.fold(kindIntent, intent)
}

// FoldDecision folds a SafetyDecision into the digest.
func (f *Fingerprint) FoldDecision(decision types.SafetyDecision) error {
	return f.fold(kindDecision, decision)
}

// FoldResult folds an ExecutionResult into the digest.
func (f *Fingerprint) FoldResult(result types.ExecutionResult) error {
	return f.fold(kindResult, result)
}

func (f *Fingerprint) fold(kind recordKind, payload interface{}) error {
	data, err := json.Marshal(taggedRecord{Type: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("governance: fold %s: %w", kind, err)
	}
	// hash.Hash.Write never returns an error per its contract.
	_, _ = f.h.Write(data)
	return nil
}

// Digest returns the current hex-encoded digest without mutating state.
func (f *Fingerprint) Digest() string {
	sum := f.h.Sum(nil)
	return hex.EncodeToString(sum)
}
