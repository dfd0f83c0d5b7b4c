package chainfacade

import "context"

// ChainAdapter is the capability every per-currency adapter variant shares —
// the uniform contract of the chain facade. Concrete chains satisfy one of the
// four variant interfaces below, which embed ChainAdapter plus whatever
// extra shape their ledger model requires; there is no shared base struct
// or inheritance, only interface composition, mirroring
// infrastructure/chain.TxSigner/MessageSigner/TEESigner.
type ChainAdapter interface {
	Currency() Currency
	ProvisionDepositAddress(ctx context.Context) (address string, keyHandle string, err error)
	Watch(ctx context.Context, address string, expectedAmount int64) (<-chan DepositEvent, error)
	BuildAndBroadcast(ctx context.Context, req BroadcastRequest) (BroadcastHandle, error)
	Confirmations(ctx context.Context, handle BroadcastHandle) (<-chan uint32, error)
	ValidateAddress(address string) bool
	Health() HealthReporter
}

// HealthReporter exposes the adapter's own HealthSnapshot view, kept
// writer-private to the adapter's probe goroutine.
type HealthReporter interface {
	Status() (status string, consecutiveFailures int, ewmaLatencyMS float64)
}

// UtxoAdapter is the capability variant for UTXO-model chains (two or more
// in the supported set): deposits via address-derived script, broadcast via
// raw transaction, fee estimation via a confirmation_target -> fee_rate
// table, locktime rules honored per chain.
type UtxoAdapter interface {
	ChainAdapter
	EstimateFeeRate(ctx context.Context, confirmationTarget int) (satPerVByte float64, err error)
	ConfirmationsRequired() uint32
}

// AccountAdapter is the capability variant for account-model chains:
// signed, nonce-ordered transactions with gas parameters; the adapter
// maintains a per-sender nonce cursor and serializes submissions per sender
// to avoid nonce gaps.
type AccountAdapter interface {
	ChainAdapter
	NextNonce(ctx context.Context, sender string) (uint64, error)
	EstimateGas(ctx context.Context, req BroadcastRequest) (gasLimit uint64, gasPrice float64, err error)
}

// AccountShieldedAdapter additionally supports an opaque shielded operation
// whose submission returns an operation_id that must be polled to
// completion with a bounded timeout.
type AccountShieldedAdapter interface {
	AccountAdapter
	SubmitShielded(ctx context.Context, req BroadcastRequest) (operationID string, err error)
	PollShielded(ctx context.Context, operationID string, timeout_ms int) (BroadcastHandle, error)
}

// HighThroughputAdapter is the slot/epoch-based confirmation model where one
// confirmation is sufficient.
type HighThroughputAdapter interface {
	ChainAdapter
	CurrentSlot(ctx context.Context) (uint64, error)
}
