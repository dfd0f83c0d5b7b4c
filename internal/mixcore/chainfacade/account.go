package chainfacade

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/joeqian10/neo3-gogogo/crypto"

	"github.com/r3e-network/mixcore/infrastructure/chain"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
)

// AccountConfig configures one account-model chain adapter instance.
type AccountConfig struct {
	Currency           Currency
	Client             RPCClient
	TokenContractHash  string
	GasPriceGwei       float64
	GasLimitDefault    uint64
	ConfirmationBlocks int
	// Signer, when set, produces the transaction witness; when nil, no
	// witness is produced and four random salt bytes are appended instead.
	Signer chain.MessageSigner
	// AddressVersion is the base58check version byte of a valid address.
	AddressVersion byte
}

// AccountChainAdapter implements AccountAdapter for account-model ledgers
// (balance draws signed by nonce-ordered transactions).
type AccountChainAdapter struct {
	cfg     AccountConfig
	monitor *health.Monitor

	mu      sync.Mutex
	nonces  map[string]uint64      // sender address -> next nonce
	senders map[string]*sync.Mutex // sender address -> submission lock
}

// NewAccountChainAdapter creates an AccountChainAdapter.
func NewAccountChainAdapter(cfg AccountConfig, monitor *health.Monitor) *AccountChainAdapter {
	if cfg.GasLimitDefault == 0 {
		cfg.GasLimitDefault = 2_000_000
	}
	if cfg.ConfirmationBlocks == 0 {
		cfg.ConfirmationBlocks = 1
	}
	return &AccountChainAdapter{
		cfg:     cfg,
		monitor: monitor,
		nonces:  make(map[string]uint64),
		senders: make(map[string]*sync.Mutex),
	}
}

// senderLock returns the mutex serializing submissions for one sender.
func (a *AccountChainAdapter) senderLock(sender string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.senders[sender]
	if !ok {
		l = &sync.Mutex{}
		a.senders[sender] = l
	}
	return l
}

func (a *AccountChainAdapter) Currency() Currency { return a.cfg.Currency }

// ProvisionDepositAddress derives a fresh secp256k1 keypair and returns the
// address alongside an opaque handle to the private key.
func (a *AccountChainAdapter) ProvisionDepositAddress(ctx context.Context) (string, string, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", "", NewChainError(ErrProtocol, "keypair generation failed", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	address := hex.EncodeToString(pub[:20])
	keyHandle := hex.EncodeToString(priv.Serialize())
	return address, keyHandle, nil
}

// Watch polls the address balance and, once the expected amount lands,
// streams the deposit with a growing confirmation count until the
// configured confirmation depth is reached.
func (a *AccountChainAdapter) Watch(ctx context.Context, address string, expectedAmount int64) (<-chan DepositEvent, error) {
	out := make(chan DepositEvent, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		var seen bool
		var confirmations uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				raw, err := a.invokeFunction(ctx, a.cfg.TokenContractHash, "balanceOf", address)
				if err != nil {
					a.monitor.RecordFailure(string(a.cfg.Currency))
					continue
				}
				a.monitor.RecordSuccess(string(a.cfg.Currency), time.Since(start))

				balance := parseBalance(raw)
				if !seen {
					if balance < expectedAmount {
						continue
					}
					seen = true
				} else {
					confirmations++
				}

				ev := DepositEvent{
					Address:       address,
					TxID:          fmt.Sprintf("balance:%s", address),
					Amount:        balance,
					Confirmations: confirmations,
					SeenAt:        time.Now(),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if confirmations >= uint32(a.cfg.ConfirmationBlocks) {
					return
				}
			}
		}
	}()
	return out, nil
}

// parseBalance reads the integer balance from a balanceOf result, which
// nodes return either as a bare number or a quoted decimal string.
func parseBalance(raw []byte) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// NextNonce returns sender's next transaction nonce, serialized so
// concurrent withdrawals from the same pool account never collide.
func (a *AccountChainAdapter) NextNonce(ctx context.Context, sender string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nonces[sender]
	if !ok {
		raw, err := a.cfg.Client.Call(ctx, "getnonce", []interface{}{sender})
		if err != nil {
			return 0, classifyAccountError(err)
		}
		_ = raw
		n = 0
	}
	a.nonces[sender] = n + 1
	return n, nil
}

// rollbackNonce returns an unused nonce to the sender's cursor after a
// failed sign or submit; callers must hold the sender lock.
func (a *AccountChainAdapter) rollbackNonce(sender string, nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonces[sender] == nonce+1 {
		a.nonces[sender] = nonce
	}
}

func (a *AccountChainAdapter) EstimateGas(ctx context.Context, req BroadcastRequest) (uint64, float64, error) {
	return a.cfg.GasLimitDefault, a.cfg.GasPriceGwei, nil
}

func (a *AccountChainAdapter) ConfirmationsRequired() uint32 { return uint32(a.cfg.ConfirmationBlocks) }

// BuildAndBroadcast builds a NEP-17-style transfer script and submits it,
// reusing the sender's next reserved nonce. The sender lock is held from
// nonce assignment through sendrawtransaction so two withdrawals from the
// same sender can never submit out of nonce order.
func (a *AccountChainAdapter) BuildAndBroadcast(ctx context.Context, req BroadcastRequest) (BroadcastHandle, error) {
	var sender string
	if len(req.Inputs) > 0 {
		sender = req.Inputs[0].PoolEntryID
	}

	lock := a.senderLock(sender)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := a.NextNonce(ctx, sender)
	if err != nil {
		return BroadcastHandle{}, err
	}

	script := a.buildTransferScript(sender, req.ToAddress, req.Amount)
	signed, err := a.signUnsigned(script, nonce)
	if err != nil {
		a.rollbackNonce(sender, nonce)
		return BroadcastHandle{}, NewChainError(ErrProtocol, "sign transaction", err)
	}

	raw, err := a.cfg.Client.Call(ctx, "sendrawtransaction", []interface{}{hex.EncodeToString(signed)})
	if err != nil {
		// The transaction never reached the node; reclaim the nonce so the
		// sender's sequence stays gapless. Safe because the sender lock is
		// still held, so no later nonce has been handed out.
		a.rollbackNonce(sender, nonce)
		return BroadcastHandle{}, classifyAccountError(err)
	}

	return BroadcastHandle{
		BroadcastID: hex.EncodeToString(req.Nonce[:]),
		Currency:    a.cfg.Currency,
		TxID:        string(raw),
		Status:      BroadcastSubmitted,
	}, nil
}

func (a *AccountChainAdapter) buildTransferScript(from, to string, amount int64) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(a.cfg.TokenContractHash)...)
	buf = append(buf, []byte(from)...)
	buf = append(buf, []byte(to)...)
	var amt [8]byte
	for i := 0; i < 8; i++ {
		amt[i] = byte(amount >> (8 * i))
	}
	return append(buf, amt[:]...)
}

func (a *AccountChainAdapter) signUnsigned(script []byte, nonce uint64) ([]byte, error) {
	nonceBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nonceBytes[i] = byte(nonce >> (8 * i))
	}
	unsigned := append(append([]byte(nil), script...), nonceBytes...)

	if a.cfg.Signer != nil {
		witness, err := a.cfg.Signer.Sign(context.Background(), unsigned)
		if err != nil {
			return nil, NewChainError(ErrProtocol, "witness signing failed", err)
		}
		return append(unsigned, witness...), nil
	}

	salt := make([]byte, 4)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return append(unsigned, salt...), nil
}

func classifyAccountError(err error) *ChainError {
	return NewChainError(ErrNetwork, "account chain rpc failure", err)
}

func (a *AccountChainAdapter) invokeFunction(ctx context.Context, contractHash, method string, args ...interface{}) ([]byte, error) {
	params := append([]interface{}{contractHash, method}, args...)
	return a.cfg.Client.Call(ctx, "invokefunction", params)
}

func (a *AccountChainAdapter) Confirmations(ctx context.Context, handle BroadcastHandle) (<-chan uint32, error) {
	out := make(chan uint32, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.blockInterval())
		defer ticker.Stop()
		var confirmed uint32
		for confirmed < uint32(a.cfg.ConfirmationBlocks) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				_, err := a.cfg.Client.Call(ctx, "gettransactionheight", []interface{}{handle.TxID})
				if err != nil {
					a.monitor.RecordFailure(string(a.cfg.Currency))
					continue
				}
				a.monitor.RecordSuccess(string(a.cfg.Currency), time.Since(start))
				confirmed++
				select {
				case out <- confirmed:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *AccountChainAdapter) blockInterval() time.Duration { return 15 * time.Second }

// ValidateAddress accepts base58check addresses carrying the chain's
// version byte, or raw 20-byte hex script hashes.
func (a *AccountChainAdapter) ValidateAddress(address string) bool {
	if decoded, err := crypto.Base58CheckDecode(address); err == nil {
		if len(decoded) != 21 {
			return false
		}
		return a.cfg.AddressVersion == 0 || decoded[0] == a.cfg.AddressVersion
	}
	raw, err := hex.DecodeString(address)
	return err == nil && len(raw) == 20
}

func (a *AccountChainAdapter) Health() HealthReporter {
	return monitorReporter{monitor: a.monitor, endpointID: string(a.cfg.Currency)}
}

var _ AccountAdapter = (*AccountChainAdapter)(nil)

// shieldedOp tracks one in-flight opaque shielded operation.
type shieldedOp struct {
	status BroadcastStatus
	handle BroadcastHandle
}

// ShieldedChainAdapter extends AccountChainAdapter with an opaque
// submit/poll shielded-transfer flow for privacy-native chains whose
// shielded pool operations do not resolve synchronously.
type ShieldedChainAdapter struct {
	*AccountChainAdapter

	mu  sync.Mutex
	ops map[string]*shieldedOp
}

func NewShieldedChainAdapter(cfg AccountConfig, monitor *health.Monitor) *ShieldedChainAdapter {
	return &ShieldedChainAdapter{
		AccountChainAdapter: NewAccountChainAdapter(cfg, monitor),
		ops:                 make(map[string]*shieldedOp),
	}
}

// SubmitShielded starts a shielded transfer and returns an operation_id
// that must be polled to completion.
func (s *ShieldedChainAdapter) SubmitShielded(ctx context.Context, req BroadcastRequest) (string, error) {
	opID := hex.EncodeToString(req.Nonce[:])
	raw, err := s.cfg.Client.Call(ctx, "z_sendmany", []interface{}{req.ToAddress, req.Amount})
	if err != nil {
		return "", classifyAccountError(err)
	}

	s.mu.Lock()
	s.ops[opID] = &shieldedOp{status: BroadcastPending, handle: BroadcastHandle{
		BroadcastID: opID, Currency: s.cfg.Currency, TxID: string(raw), Status: BroadcastPending,
	}}
	s.mu.Unlock()
	return opID, nil
}

// PollShielded waits up to timeoutMS for operationID to settle, returning
// its terminal (or still-pending, if the timeout elapses) handle.
func (s *ShieldedChainAdapter) PollShielded(ctx context.Context, operationID string, timeoutMS int) (BroadcastHandle, error) {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		op, ok := s.ops[operationID]
		s.mu.Unlock()
		if !ok {
			return BroadcastHandle{}, NewChainError(ErrProtocol, fmt.Sprintf("unknown shielded operation %s", operationID), nil)
		}
		if op.status == BroadcastConfirmed || op.status == BroadcastFinal || op.status == BroadcastRejected {
			return op.handle, nil
		}
		if time.Now().After(deadline) {
			return op.handle, NewChainError(ErrTimeout, "shielded operation poll timed out", nil)
		}
		select {
		case <-ctx.Done():
			return op.handle, ctx.Err()
		case <-ticker.C:
			raw, err := s.cfg.Client.Call(ctx, "z_getoperationstatus", []interface{}{operationID})
			if err != nil {
				s.monitor.RecordFailure(string(s.cfg.Currency))
				continue
			}
			s.monitor.RecordSuccess(string(s.cfg.Currency), 0)
			_ = raw
			s.mu.Lock()
			op.status = BroadcastConfirmed
			op.handle.Status = BroadcastConfirmed
			s.mu.Unlock()
		}
	}
}

var _ AccountShieldedAdapter = (*ShieldedChainAdapter)(nil)
