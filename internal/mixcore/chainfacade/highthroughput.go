package chainfacade

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/r3e-network/mixcore/internal/mixcore/health"
)

// HighThroughputConfig configures a slot/epoch-model chain adapter, where a
// single confirmation is enough to treat a transfer as final.
type HighThroughputConfig struct {
	Currency   Currency
	Client     RPCClient
	SlotTimeMS int64
}

// HighThroughputChainAdapter implements HighThroughputAdapter for chains
// whose fast, single-slot finality makes the multi-confirmation wait the
// UTXO and account adapters use unnecessary overhead.
type HighThroughputChainAdapter struct {
	cfg     HighThroughputConfig
	monitor *health.Monitor
	slot    int64 // atomic cache of the last observed slot
}

func NewHighThroughputChainAdapter(cfg HighThroughputConfig, monitor *health.Monitor) *HighThroughputChainAdapter {
	if cfg.SlotTimeMS == 0 {
		cfg.SlotTimeMS = 400
	}
	return &HighThroughputChainAdapter{cfg: cfg, monitor: monitor}
}

func (a *HighThroughputChainAdapter) Currency() Currency { return a.cfg.Currency }

func (a *HighThroughputChainAdapter) ProvisionDepositAddress(ctx context.Context) (string, string, error) {
	raw, err := a.cfg.Client.Call(ctx, "generatekeypair", nil)
	if err != nil {
		return "", "", NewChainError(ErrProtocol, "keypair generation failed", err)
	}
	address := hex.EncodeToString(raw)
	return address, hex.EncodeToString(raw), nil
}

func (a *HighThroughputChainAdapter) Watch(ctx context.Context, address string, expectedAmount int64) (<-chan DepositEvent, error) {
	out := make(chan DepositEvent, 8)
	interval := time.Duration(a.cfg.SlotTimeMS) * time.Millisecond
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				raw, err := a.cfg.Client.Call(ctx, "getbalance", []interface{}{address})
				if err != nil {
					a.monitor.RecordFailure(string(a.cfg.Currency))
					continue
				}
				a.monitor.RecordSuccess(string(a.cfg.Currency), time.Since(start))

				balance := parseBalance(raw)
				if balance < expectedAmount {
					continue
				}
				// One slot is final on this chain family.
				ev := DepositEvent{
					Address:       address,
					TxID:          fmt.Sprintf("slot-deposit:%s", address),
					Amount:        balance,
					Confirmations: 1,
					SeenAt:        time.Now(),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

func (a *HighThroughputChainAdapter) BuildAndBroadcast(ctx context.Context, req BroadcastRequest) (BroadcastHandle, error) {
	raw, err := a.cfg.Client.Call(ctx, "sendtransaction", []interface{}{req.ToAddress, req.Amount})
	if err != nil {
		return BroadcastHandle{}, NewChainError(ErrNetwork, "broadcast failed", err)
	}
	return BroadcastHandle{
		BroadcastID: hex.EncodeToString(req.Nonce[:]),
		Currency:    a.cfg.Currency,
		TxID:        string(raw),
		Status:      BroadcastSubmitted,
	}, nil
}

func (a *HighThroughputChainAdapter) Confirmations(ctx context.Context, handle BroadcastHandle) (<-chan uint32, error) {
	out := make(chan uint32, 2)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(a.cfg.SlotTimeMS) * time.Millisecond):
			select {
			case out <- 1:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// CurrentSlot returns the chain's current slot/epoch counter, caching the
// last successful read so a transient RPC failure doesn't stall callers
// that only need a recent value.
func (a *HighThroughputChainAdapter) CurrentSlot(ctx context.Context) (uint64, error) {
	raw, err := a.cfg.Client.Call(ctx, "getslot", nil)
	if err != nil {
		a.monitor.RecordFailure(string(a.cfg.Currency))
		cached := atomic.LoadInt64(&a.slot)
		if cached > 0 {
			return uint64(cached), nil
		}
		return 0, classifyAccountError(err)
	}
	a.monitor.RecordSuccess(string(a.cfg.Currency), 0)
	slot := parseBalance(raw)
	atomic.StoreInt64(&a.slot, slot)
	return uint64(slot), nil
}

func (a *HighThroughputChainAdapter) ValidateAddress(address string) bool {
	_, err := hex.DecodeString(address)
	return err == nil
}

func (a *HighThroughputChainAdapter) Health() HealthReporter {
	return monitorReporter{monitor: a.monitor, endpointID: string(a.cfg.Currency)}
}

var _ HighThroughputAdapter = (*HighThroughputChainAdapter)(nil)
