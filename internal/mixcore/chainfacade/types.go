// Package chainfacade presents a uniform interface over heterogeneous
// ledgers: deposit watching, withdrawal broadcasting, address
// validation and health, behind one capability-trait adapter interface
// with variants {UtxoAdapter, AccountAdapter, AccountShieldedAdapter,
// HighThroughputAdapter} instead of a class hierarchy.
package chainfacade

import (
	"fmt"
	"time"
)

// ErrorKind is the closed, uniform failure classification every adapter
// must map its native errors into. Scheduler and session consume
// only this classification, never adapter-specific error types.
type ErrorKind string

const (
	ErrNetwork           ErrorKind = "network"
	ErrTimeout           ErrorKind = "timeout"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrRejectedRetryable ErrorKind = "rejected_retryable"
	ErrRejectedTerminal  ErrorKind = "rejected_terminal"
	ErrUnavailable       ErrorKind = "unavailable"
	ErrProtocol          ErrorKind = "protocol_error"
)

// ChainError wraps a native adapter error with its uniform classification.
type ChainError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ChainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("chainfacade: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("chainfacade: %s: %s", e.Kind, e.Message)
}

func (e *ChainError) Unwrap() error { return e.Cause }

// Retryable reports whether the scheduler should treat this failure as
// transient (Network, Timeout, RateLimited, Rejected-retryable).
func (e *ChainError) Retryable() bool {
	switch e.Kind {
	case ErrNetwork, ErrTimeout, ErrRateLimited, ErrRejectedRetryable:
		return true
	default:
		return false
	}
}

// NewChainError builds a classified ChainError.
func NewChainError(kind ErrorKind, message string, cause error) *ChainError {
	return &ChainError{Kind: kind, Message: message, Cause: cause}
}

// Response[T] is the tagged {Ok(T) | Err{code,message}} variant used
// in place of dynamic `any` RPC payloads.
type Response[T any] struct {
	ok  bool
	val T
	err *ChainError
}

// Ok wraps a successful result.
func Ok[T any](v T) Response[T] { return Response[T]{ok: true, val: v} }

// Err wraps a classified failure.
func Err[T any](e *ChainError) Response[T] { return Response[T]{ok: false, err: e} }

// Unwrap returns the value and error, mirroring the (T, error) idiom so
// callers can use it exactly like any other Go function result.
func (r Response[T]) Unwrap() (T, error) {
	if r.ok {
		return r.val, nil
	}
	var zero T
	return zero, r.err
}

// IsOk reports whether the response is the Ok variant.
func (r Response[T]) IsOk() bool { return r.ok }

// Currency identifies one of the supported ledgers.
type Currency string

// DepositEvent is one observation from a deposit watch stream.
type DepositEvent struct {
	Address       string
	TxID          string
	Amount        int64 // minor units
	Confirmations uint32
	SeenAt        time.Time
	// Reorged is set when a previously-reported deposit has disappeared
	// from the canonical chain (the reorg-past-k_c Open Question: see
	// DESIGN.md for the post-confirmation monitoring window decision).
	Reorged bool
}

// BroadcastRequest is the uniform input to build_and_broadcast.
type BroadcastRequest struct {
	Currency    Currency
	Inputs      []ReservedInput // prior pool entries / UTXOs / account balance draws
	ToAddress   string
	Amount      int64
	Nonce       [16]byte
	FeeRateHint float64 // sat/vB or gas-price hint; adapter-interpreted
}

// ReservedInput is an opaque reference to a reserved pool entry used to fund
// a broadcast; adapters interpret it according to their own ledger model
// (a UTXO reference for UTXO chains, a balance draw for account chains).
type ReservedInput struct {
	PoolEntryID string
	Amount      int64
}

// BroadcastStatus is one stage of the broadcast lifecycle.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastSubmitted BroadcastStatus = "submitted"
	BroadcastMempool   BroadcastStatus = "mempool"
	BroadcastConfirmed BroadcastStatus = "confirmed"
	BroadcastFinal     BroadcastStatus = "final"
	BroadcastRejected  BroadcastStatus = "rejected"
	BroadcastReplaced  BroadcastStatus = "replaced"
)

// BroadcastHandle identifies an in-flight or completed broadcast.
type BroadcastHandle struct {
	BroadcastID string
	Currency    Currency
	TxID        string
	Status      BroadcastStatus
	FailureKind ErrorKind
}

// AddressValidator validates a destination address for a currency.
type AddressValidator interface {
	ValidateAddress(currency Currency, address string) bool
}
