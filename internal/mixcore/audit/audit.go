// Package audit implements the tamper-evident audit log: every
// state transition, broadcast submission and alert creation appends exactly
// one event whose prev_hash chains to its stream's previous event.
//
// The hash function committed to here is SHA-256 (Open Question in spec.md
// resolved in DESIGN.md). One stream exists per session plus one global
// stream for operator actions, matching infrastructure/state's PersistenceBackend
// range-scan-by-prefix shape so a real append log can back this in production.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GlobalStream is the stream name used for operator actions that are not
// scoped to a single session (alert lifecycle, maintenance mode, CLI ops).
const GlobalStream = "__operator__"

// Kind identifies the category of an audit event.
type Kind string

const (
	KindStateTransition Kind = "state_transition"
	KindBroadcastSubmit Kind = "broadcast_submit"
	KindAlertCreated    Kind = "alert_created"
	KindOperatorAction  Kind = "operator_action"
	KindResourceCleanup Kind = "resource_cleanup"
)

// Event is one append-only, hash-chained record.
type Event struct {
	EventID     string                 `json:"event_id"`
	Stream      string                 `json:"stream"`
	Timestamp   time.Time              `json:"timestamp"`
	Kind        Kind                   `json:"kind"`
	Severity    string                 `json:"severity"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	SessionRef  string                 `json:"session_ref,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	PrevHash    string                 `json:"prev_hash"`
	PayloadHash string                 `json:"payload_hash"`
}

// canonicalPayload returns a deterministic JSON encoding of the event's
// payload-relevant fields, used both for payload_hash and for the chain link
// (so verify_integrity can recompute H(previous_event) from scratch).
func canonicalPayload(e *Event) []byte {
	type canonical struct {
		EventID    string                 `json:"event_id"`
		Stream     string                 `json:"stream"`
		Timestamp  int64                  `json:"timestamp"`
		Kind       Kind                   `json:"kind"`
		Severity   string                 `json:"severity"`
		Component  string                 `json:"component"`
		Operation  string                 `json:"operation"`
		SessionRef string                 `json:"session_ref,omitempty"`
		Payload    map[string]interface{} `json:"payload,omitempty"`
	}
	c := canonical{
		EventID:    e.EventID,
		Stream:     e.Stream,
		Timestamp:  e.Timestamp.UnixNano(),
		Kind:       e.Kind,
		Severity:   e.Severity,
		Component:  e.Component,
		Operation:  e.Operation,
		SessionRef: e.SessionRef,
		Payload:    e.Payload,
	}
	// json.Marshal sorts map keys, giving a stable encoding for the hash input.
	b, _ := json.Marshal(c)
	return b
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Backend is the durable append-log the audit package writes through —
// typically infrastructure/state.PersistentState or a real append-only store.
// Range-scan-by-stream is modeled as List(ctx, streamPrefix).
type Backend interface {
	Append(ctx context.Context, stream string, event []byte) error
	Range(ctx context.Context, stream string) ([][]byte, error)
}

// Log is the hash-chained audit log. It is safe for concurrent use; one
// mutex serializes appends across all streams, which keeps each stream
// contiguous.
type Log struct {
	mu      sync.Mutex
	backend Backend
	heads   map[string]string // stream -> hash of last appended event
}

// New creates a Log backed by backend. Existing streams are not replayed
// eagerly; headFor lazily reconstructs from Range on first Append for a stream
// it hasn't seen yet, so a process restart resumes the chain correctly.
func New(backend Backend) *Log {
	return &Log{backend: backend, heads: make(map[string]string)}
}

func (l *Log) headFor(ctx context.Context, stream string) (string, error) {
	if h, ok := l.heads[stream]; ok {
		return h, nil
	}
	raw, err := l.backend.Range(ctx, stream)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		l.heads[stream] = ""
		return "", nil
	}
	var last Event
	if err := json.Unmarshal(raw[len(raw)-1], &last); err != nil {
		return "", fmt.Errorf("audit: corrupt tail event in stream %s: %w", stream, err)
	}
	h := hashHex(canonicalPayload(&last))
	l.heads[stream] = h
	return h, nil
}

// Append writes one event to stream, chaining prev_hash to the stream's
// current head. Returns the persisted Event including its computed hashes.
func (l *Log) Append(ctx context.Context, stream string, kind Kind, severity, component, operation, sessionRef string, payload map[string]interface{}) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.headFor(ctx, stream)
	if err != nil {
		return nil, err
	}

	event := &Event{
		EventID:    uuid.NewString(),
		Stream:     stream,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Severity:   severity,
		Component:  component,
		Operation:  operation,
		SessionRef: sessionRef,
		Payload:    payload,
		PrevHash:   prevHash,
	}
	event.PayloadHash = hashHex(canonicalPayload(event))

	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	if err := l.backend.Append(ctx, stream, raw); err != nil {
		return nil, err
	}

	l.heads[stream] = hashHex(canonicalPayload(event))
	return event, nil
}

// ErrChainBroken is returned by VerifyIntegrity when a prev_hash link does
// not match H(canonical(previous event)).
var ErrChainBroken = errors.New("audit: hash chain broken")

// VerifyIntegrity recomputes the chain link for every event in stream and
// fails on the first break.
func (l *Log) VerifyIntegrity(ctx context.Context, stream string) error {
	raw, err := l.backend.Range(ctx, stream)
	if err != nil {
		return err
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var e Event
		if err := json.Unmarshal(r, &e); err != nil {
			return fmt.Errorf("audit: corrupt event in stream %s: %w", stream, err)
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	prevHash := ""
	for i, e := range events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("%w: stream %s event %d (%s)", ErrChainBroken, stream, i, e.EventID)
		}
		prevHash = hashHex(canonicalPayload(&e))
	}
	return nil
}
