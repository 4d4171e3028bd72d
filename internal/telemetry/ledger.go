// Package telemetry provides an optional bbolt-backed persistence sink for
// sentinel SystemEvents. It is strictly downstream of pipeline decisions:
// nothing in this package can influence a Pipeline's Process result, and a
// Pipeline runs identically whether or not a Ledger is attached.
//
// Schema (BoltDB bucket layout):
//
//	/events
//	    key:   fixed-width UTC ms timestamp + "_" + sessionID + "_" + sequence  [sortable]
//	    value: JSON-encoded types.SystemEvent
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Retention:
//   - Events older than RetentionDays are pruned only when the caller
//     invokes Prune (Open does not prune; the sentinel daemon calls Prune
//     once at startup); sentinel does not run its own background retention
//     goroutine, since a Pipeline owns no timers.
//
// Failure modes:
//   - Database file corruption: bbolt detects via CRC and Open returns an
//     error. The host decides whether to run degraded (in-memory only,
//     Ledger unattached) or refuse to start.
//   - Disk full: Append returns an error; Sink discards it and the Pipeline
//     continues, since telemetry persistence failures must never affect
//     decisions.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/octoreflex/sentinel/internal/types"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default event retention period.
	DefaultRetentionDays = 30

	bucketEvents = "events"
	bucketMeta   = "meta"
)

// Ledger wraps a BoltDB instance with typed accessors for sentinel
// telemetry. Concurrent Appends (one Sink per session) are safe: bbolt
// serializes write transactions.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path,
// initialising buckets and verifying the schema version.
func Open(path string, retentionDays int) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("telemetry database initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, sentinel requires %q",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// eventKey constructs a sortable BoltDB key prefix: fixed-width UTC
// millisecond timestamp + "_" + sessionID. Lexicographic sort =
// chronological sort. Append adds a sequence suffix so events sharing a
// timestamp do not overwrite each other.
func eventKey(timestampMs int64, sessionID string) []byte {
	t := time.UnixMilli(timestampMs).UTC()
	return []byte(fmt.Sprintf("%s_%s", t.Format(eventKeyTimeLayout), sessionID))
}

// eventKeyTimeLayout is RFC 3339 with a fixed three-digit fraction, so every
// key timestamp has the same width.
const eventKeyTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is the persisted form of a SystemEvent, tagged with the session
// it belongs to.
type Record struct {
	SessionID string            `json:"sessionId"`
	Event     types.SystemEvent `json:"event"`
}

// Append writes one telemetry record. Errors are returned for the caller
// to log; they must never be treated as grounds to alter a pipeline
// decision already made.
func (l *Ledger) Append(sessionID string, event types.SystemEvent) error {
	data, err := json.Marshal(Record{SessionID: sessionID, Event: event})
	if err != nil {
		return fmt.Errorf("telemetry: marshal: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("telemetry: next sequence: %w", err)
		}
		key := append(eventKey(event.Timestamp, sessionID), fmt.Sprintf("_%020d", seq)...)
		return b.Put(key, data)
	})
}

// Prune deletes events older than the configured retention window.
// Returns the number of entries deleted.
func (l *Ledger) Prune() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	cutoffKey := eventKey(cutoff.UnixMilli(), "")

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("prune delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadSession returns every persisted event for a session in chronological
// order. For operational inspection; not called on the hot path.
func (l *Ledger) ReadSession(sessionID string) ([]types.SystemEvent, error) {
	var events []types.SystemEvent
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.SessionID == sessionID {
				events = append(events, rec.Event)
			}
			return nil
		})
	})
	return events, err
}

// Sink adapts a Ledger to the pipeline.Sink interface for one session.
type Sink struct {
	ledger    *Ledger
	sessionID string
}

// NewSink returns a pipeline.Sink that persists every event to ledger
// under sessionID. Append errors are swallowed: telemetry must never
// propagate back into the decision path. Callers who need visibility into
// persistence failures should call Append directly instead.
func NewSink(ledger *Ledger, sessionID string) *Sink {
	return &Sink{ledger: ledger, sessionID: sessionID}
}

func (s *Sink) Emit(event types.SystemEvent) {
	_ = s.ledger.Append(s.sessionID, event)
}
