// Package session implements the per-session lifecycle state machine that
// drives one mix from deposit detection through pool-join, scheduling and
// completion, serializing edges per session and persisting every
// transition before acknowledging it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/state"
	"github.com/r3e-network/mixcore/internal/mixcore/audit"
	"github.com/r3e-network/mixcore/internal/mixcore/errtax"
)

// Status is one state of the session lifecycle.
type Status string

const (
	StatusCreated          Status = "created"
	StatusAwaitingDeposit  Status = "awaiting_deposit"
	StatusDepositDetected  Status = "deposit_detected"
	StatusDepositConfirmed Status = "deposit_confirmed"
	StatusPooled           Status = "pooled"
	StatusScheduled        Status = "scheduled"
	StatusReleasing        Status = "releasing"
	StatusCompleted        Status = "completed"
	StatusExpired          Status = "expired"
	StatusFailed           Status = "failed"
	StatusRefunding        Status = "refunding"
	StatusRefunded         Status = "refunded"
	StatusCancelled        Status = "cancelled"
)

// terminal reports whether a status ends the lifecycle; reaching one
// triggers deposit-key destruction.
func terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// EdgeKind identifies one of the asynchronous edges the state machine
// accepts from its collaborators.
type EdgeKind string

const (
	EdgeAddressProvisioned EdgeKind = "address_provisioned"
	EdgeDepositSeen        EdgeKind = "deposit_seen"
	EdgeDepositConfirmed   EdgeKind = "deposit_confirmed"
	EdgePooled             EdgeKind = "pooled"
	EdgeScheduled          EdgeKind = "scheduled"
	EdgeHopSubmitted       EdgeKind = "hop_submitted"
	EdgeHopConfirmed       EdgeKind = "hop_confirmed"
	EdgeHopFailed          EdgeKind = "hop_failed"
	EdgeExpire             EdgeKind = "expire"
	EdgeCancel             EdgeKind = "cancel"
	EdgeFail               EdgeKind = "fail"
)

// Edge is one asynchronous transition request. The typed fields carry the
// observation that caused the edge; which of them are meaningful depends
// on Kind.
type Edge struct {
	Kind          EdgeKind
	Reason        string
	TxID          string
	Amount        int64
	Confirmations uint32
	HopIndex      int
}

// Output is one user-supplied payout target: address, its share of the
// mixed value in basis points, and an optional delay hint the scheduler
// may fold into its fire_at draw.
type Output struct {
	Address   string        `json:"address"`
	ShareBPS  int           `json:"share_bps"`
	DelayHint time.Duration `json:"delay_hint,omitempty"`
}

// MaxOutputs bounds outputs per session.
const MaxOutputs = 8

// Request is the input to Create.
type Request struct {
	Currency       string
	ExpectedAmount int64
	FeeBPS         int
	Outputs        []Output
	RefundAddress  string
	ExpiresAfter   time.Duration
}

// Validate checks the request's shape: 1..MaxOutputs outputs whose shares
// sum to exactly 10000 basis points, and a positive expected amount.
func (r Request) Validate() error {
	if r.Currency == "" {
		return validationErr("currency required")
	}
	if r.ExpectedAmount <= 0 {
		return validationErr("expected_amount must be positive")
	}
	if len(r.Outputs) == 0 || len(r.Outputs) > MaxOutputs {
		return validationErr(fmt.Sprintf("outputs count must be in [1, %d]", MaxOutputs))
	}
	sum := 0
	for _, o := range r.Outputs {
		if o.Address == "" {
			return validationErr("output address required")
		}
		if o.ShareBPS <= 0 {
			return validationErr("output share_bps must be positive")
		}
		sum += o.ShareBPS
	}
	if sum != 10000 {
		return validationErr(fmt.Sprintf("output shares sum to %d, want 10000", sum))
	}
	if r.FeeBPS < 0 || r.FeeBPS >= 10000 {
		return validationErr("fee_bps out of range")
	}
	return nil
}

func validationErr(msg string) error {
	return errtax.Terminal(errtax.KindValidation, errtax.SeverityLow, "session", "validate_request", fmt.Errorf("%s", msg))
}

// Session is one mix session's durable record.
type Session struct {
	ID                   string    `json:"id"`
	Currency             string    `json:"currency"`
	ExpectedAmount       int64     `json:"expected_amount"`
	FeeBPS               int       `json:"fee_bps"`
	Outputs              []Output  `json:"outputs"`
	RefundAddress        string    `json:"refund_address,omitempty"`
	DepositAddress       string    `json:"deposit_address,omitempty"`
	KeyHandle            string    `json:"key_handle,omitempty"`
	Status               Status    `json:"status"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`
	DepositTxID          string    `json:"deposit_txid,omitempty"`
	DepositConfirmations uint32    `json:"deposit_confirmations"`
	Attempts             int       `json:"attempts"`
	FailureReason        string    `json:"failure_reason,omitempty"`
	LastEdge             EdgeKind  `json:"last_edge,omitempty"`
	KeyDestroyed         bool      `json:"key_destroyed"`
}

// FeeAmount is the operator fee in minor units, floor-rounded so the
// payout side absorbs nothing: deposit = payout + fee exactly.
func (s *Session) FeeAmount() int64 {
	return s.ExpectedAmount * int64(s.FeeBPS) / 10000
}

// PayoutAmount is ExpectedAmount minus the fee.
func (s *Session) PayoutAmount() int64 {
	return s.ExpectedAmount - s.FeeAmount()
}

// View is the read-only projection returned by observe(). It carries no
// key material and no pool internals.
type View struct {
	ID                   string
	Status               Status
	Currency             string
	DepositAddress       string
	DepositConfirmations uint32
	CreatedAt            time.Time
	ExpiresAt            time.Time
	FailureReason        string
}

// transitions enumerates every legal (from, edge) -> to mapping; any edge
// not listed here is rejected for its current state.
var transitions = map[Status]map[EdgeKind]Status{
	StatusCreated: {
		EdgeAddressProvisioned: StatusAwaitingDeposit,
		EdgeFail:               StatusFailed,
		EdgeCancel:             StatusCancelled,
	},
	StatusAwaitingDeposit: {
		EdgeDepositSeen: StatusDepositDetected,
		EdgeExpire:      StatusExpired,
		EdgeFail:        StatusFailed,
		EdgeCancel:      StatusCancelled,
	},
	StatusDepositDetected: {
		EdgeDepositConfirmed: StatusDepositConfirmed,
		EdgeFail:             StatusFailed,
	},
	StatusDepositConfirmed: {
		EdgePooled: StatusPooled,
		EdgeCancel: StatusRefunding,
		EdgeFail:   StatusFailed,
	},
	StatusPooled: {
		EdgeScheduled: StatusScheduled,
		EdgeCancel:    StatusRefunding,
		EdgeExpire:    StatusRefunding, // anonymity floor never reached before expiry
		EdgeFail:      StatusFailed,
	},
	StatusScheduled: {
		EdgeHopSubmitted: StatusReleasing,
		EdgeFail:         StatusFailed,
	},
	StatusReleasing: {
		EdgeHopConfirmed: StatusCompleted,
		EdgeHopFailed:    StatusFailed,
	},
	StatusRefunding: {
		EdgeHopConfirmed: StatusRefunded,
		EdgeHopFailed:    StatusFailed,
	},
}

// ErrIllegalEdge is returned when an edge does not apply to the session's
// current state.
var ErrIllegalEdge = fmt.Errorf("session: edge does not apply to current state")

// ErrTooLate is returned by Cancel once a session has passed the point
// where cancellation can still route to a refund.
var ErrTooLate = fmt.Errorf("session: too late to cancel")

// Vault destroys a session's deposit-address key material. Satisfied by
// the storage adapter's key vault.
type Vault interface {
	Destroy(ctx context.Context, sessionID string) error
}

// sessionEntry bundles a session's durable record with its per-session
// lock — at most one edge is processed at a time per session, independent
// of how many arrive concurrently.
type sessionEntry struct {
	mu      sync.Mutex
	session *Session
}

// Store is the arena-style session registry: sessions are addressed only
// by opaque ID, never referenced directly by pool or scheduler state, so
// the three subsystems never hold cyclic pointers into one another.
type Store struct {
	backend state.PersistenceBackend
	audit   *audit.Log
	vault   Vault
	logger  *logging.Logger

	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

// NewStore creates a session Store backed by a persistence backend, an
// audit log stream and an optional key vault for deposit-key destruction.
func NewStore(backend state.PersistenceBackend, auditLog *audit.Log, vault Vault, logger *logging.Logger) *Store {
	return &Store{backend: backend, audit: auditLog, vault: vault, logger: logger, entries: make(map[string]*sessionEntry)}
}

// Create validates the request, starts a new session in CREATED, persists
// it and emits its creation AuditEvent before returning the session id.
func (s *Store) Create(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.ExpiresAfter <= 0 {
		req.ExpiresAfter = 2 * time.Hour
	}
	id := uuid.NewString()
	now := time.Now()
	sess := &Session{
		ID:             id,
		Currency:       req.Currency,
		ExpectedAmount: req.ExpectedAmount,
		FeeBPS:         req.FeeBPS,
		Outputs:        req.Outputs,
		RefundAddress:  req.RefundAddress,
		Status:         StatusCreated,
		CreatedAt:      now,
		ExpiresAt:      now.Add(req.ExpiresAfter),
	}

	if err := s.persist(ctx, sess); err != nil {
		return "", err
	}
	s.auditAppend(ctx, id, map[string]interface{}{"to": string(StatusCreated), "currency": req.Currency})

	s.mu.Lock()
	s.entries[id] = &sessionEntry{session: sess}
	s.mu.Unlock()
	return id, nil
}

// ProvisionAddress records the chain-derived deposit address and its vault
// key handle, moving the session to AWAITING_DEPOSIT.
func (s *Store) ProvisionAddress(ctx context.Context, id, address, keyHandle string) error {
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	entry.session.DepositAddress = address
	entry.session.KeyHandle = keyHandle
	entry.mu.Unlock()
	_, err = s.Apply(ctx, id, Edge{Kind: EdgeAddressProvisioned})
	return err
}

// Observe returns a read-only view of a session.
func (s *Store) Observe(ctx context.Context, id string) (View, error) {
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return View{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	sess := entry.session
	return View{
		ID:                   sess.ID,
		Status:               sess.Status,
		Currency:             sess.Currency,
		DepositAddress:       sess.DepositAddress,
		DepositConfirmations: sess.DepositConfirmations,
		CreatedAt:            sess.CreatedAt,
		ExpiresAt:            sess.ExpiresAt,
		FailureReason:        sess.FailureReason,
	}, nil
}

// Get returns a copy of the full session record, for collaborators inside
// the trust boundary (engine, scheduler).
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return *entry.session, nil
}

// Cancel requests early termination of a session: before a deposit is
// seen it moves to CANCELLED, from DEPOSIT_CONFIRMED or POOLED it routes to
// REFUNDING, and from any other state it is rejected with ErrTooLate.
func (s *Store) Cancel(ctx context.Context, id string) error {
	_, err := s.Apply(ctx, id, Edge{Kind: EdgeCancel})
	if err == ErrIllegalEdge {
		return ErrTooLate
	}
	return err
}

// Apply processes one edge against a session's current state: it is
// serialized per session, validated against the transition table,
// persisted, and logged before returning the new status. Re-applying the
// edge that produced the current state is a no-op and emits no duplicate
// AuditEvent.
func (s *Store) Apply(ctx context.Context, id string, edge Edge) (Status, error) {
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return "", err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	sess := entry.session
	from := sess.Status

	// Idempotent replay: the edge that produced the current state applies
	// again with no effect.
	if sess.LastEdge == edge.Kind && edge.Kind != "" {
		return from, nil
	}

	allowed, ok := transitions[from]
	if !ok {
		return from, ErrIllegalEdge
	}
	to, ok := allowed[edge.Kind]
	if !ok {
		return from, ErrIllegalEdge
	}

	prevTxID, prevConfs, prevAttempts := sess.DepositTxID, sess.DepositConfirmations, sess.Attempts
	switch edge.Kind {
	case EdgeDepositSeen:
		sess.DepositTxID = edge.TxID
		sess.DepositConfirmations = edge.Confirmations
	case EdgeDepositConfirmed:
		sess.DepositConfirmations = edge.Confirmations
	case EdgeHopFailed:
		sess.Attempts++
	}

	sess.Status = to
	sess.LastEdge = edge.Kind
	if edge.Kind == EdgeFail || edge.Kind == EdgeHopFailed {
		sess.FailureReason = edge.Reason
	}

	if err := s.persist(ctx, sess); err != nil {
		// Persistence failed: the edge did not happen.
		sess.Status = from
		sess.LastEdge = ""
		sess.DepositTxID, sess.DepositConfirmations, sess.Attempts = prevTxID, prevConfs, prevAttempts
		return from, err
	}
	s.auditAppend(ctx, id, map[string]interface{}{"from": string(from), "to": string(to), "edge": string(edge.Kind)})

	if terminal(to) {
		s.destroyKey(ctx, sess)
		// Terminal sessions leave the in-memory arena; the persisted
		// record remains the source of truth and lookup reloads it on
		// demand, keeping the map bounded by active sessions only.
		defer func() {
			s.mu.Lock()
			delete(s.entries, sess.ID)
			s.mu.Unlock()
		}()
	}

	return to, nil
}

// UpdateConfirmations refreshes the deposit confirmation count without a
// state transition, for progress reporting between DEPOSIT_DETECTED and
// DEPOSIT_CONFIRMED.
func (s *Store) UpdateConfirmations(ctx context.Context, id string, confirmations uint32) error {
	entry, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if confirmations <= entry.session.DepositConfirmations {
		return nil
	}
	entry.session.DepositConfirmations = confirmations
	return s.persist(ctx, entry.session)
}

// destroyKey erases the session's deposit key material via the vault and
// records the erasure; callers hold the entry lock.
func (s *Store) destroyKey(ctx context.Context, sess *Session) {
	if sess.KeyDestroyed {
		return
	}
	if s.vault != nil && sess.KeyHandle != "" {
		if err := s.vault.Destroy(ctx, sess.ID); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).WithField("session_id", sess.ID).Error("session: deposit key destruction failed")
			}
			return
		}
	}
	sess.KeyHandle = ""
	sess.KeyDestroyed = true
	if err := s.persist(ctx, sess); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("session: persist after key destruction failed")
	}
	s.auditAppend(ctx, sess.ID, map[string]interface{}{"key_destroyed": true})
}

func (s *Store) lookup(ctx context.Context, id string) (*sessionEntry, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	// Crash recovery: replay from the last persisted state if this process
	// doesn't yet hold the session in memory.
	raw, err := s.backend.Load(ctx, sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("session: %s not found: %w", id, err)
	}
	sess, err := decodeSession(raw)
	if err != nil {
		return nil, err
	}
	entry = &sessionEntry{session: sess}

	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	return entry, nil
}

// List returns the ids of every persisted session, for crash recovery and
// the expiry sweep.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, "session/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len("session/"):])
	}
	return ids, nil
}

func (s *Store) persist(ctx context.Context, sess *Session) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, sessionKey(sess.ID), raw); err != nil {
		return errtax.Transient(errtax.KindPersistence, "session", "persist_state", err)
	}
	return nil
}

func (s *Store) auditAppend(ctx context.Context, sessionID string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.Append(ctx, sessionID, audit.KindStateTransition, "info", "session", "apply_edge", sessionID, payload)
	if err != nil && s.logger != nil {
		s.logger.WithError(err).Error("session: audit append failed")
	}
}

func sessionKey(id string) string { return "session/" + id }

func encodeSession(sess *Session) ([]byte, error) { return json.Marshal(sess) }

func decodeSession(raw []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: corrupt persisted record: %w", err)
	}
	return &sess, nil
}
