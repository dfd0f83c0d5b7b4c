package chainfacade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/mixcore/internal/mixcore/health"
)

// Registry is the chain facade itself: one uniform entry point for
// provisioning deposit addresses, watching, broadcasting, confirmation
// tracking, address validation and health, dispatching to whichever
// capability-variant adapter is registered for a currency, held as a
// flat map of interface values.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Currency]ChainAdapter
	monitor  *health.Monitor
}

// NewRegistry creates an empty Registry bound to a shared health.Monitor so
// every adapter's probe results feed one failover/alert view.
func NewRegistry(monitor *health.Monitor) *Registry {
	return &Registry{adapters: make(map[Currency]ChainAdapter), monitor: monitor}
}

// Register installs an adapter for a currency. Re-registering replaces the
// previous adapter (used in tests and for hot-swapping RPC endpoints).
func (r *Registry) Register(adapter ChainAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Currency()] = adapter
}

func (r *Registry) get(currency Currency) (ChainAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[currency]
	if !ok {
		return nil, NewChainError(ErrProtocol, fmt.Sprintf("no adapter registered for currency %s", currency), nil)
	}
	return a, nil
}

// ProvisionDepositAddress derives a fresh, session-scoped deposit address.
func (r *Registry) ProvisionDepositAddress(ctx context.Context, currency Currency) (address, keyHandle string, err error) {
	a, err := r.get(currency)
	if err != nil {
		return "", "", err
	}
	return a.ProvisionDepositAddress(ctx)
}

// Watch streams deposit sightings for address.
func (r *Registry) Watch(ctx context.Context, currency Currency, address string, expectedAmount int64) (<-chan DepositEvent, error) {
	a, err := r.get(currency)
	if err != nil {
		return nil, err
	}
	return a.Watch(ctx, address, expectedAmount)
}

// BuildAndBroadcast submits a withdrawal transaction.
func (r *Registry) BuildAndBroadcast(ctx context.Context, req BroadcastRequest) (BroadcastHandle, error) {
	a, err := r.get(req.Currency)
	if err != nil {
		return BroadcastHandle{}, err
	}
	start := time.Now()
	handle, err := a.BuildAndBroadcast(ctx, req)
	latency := time.Since(start)
	if err != nil {
		r.monitor.RecordFailure(string(req.Currency))
		return handle, err
	}
	r.monitor.RecordSuccess(string(req.Currency), latency)
	return handle, nil
}

// Confirmations streams confirmation-count updates for an in-flight
// broadcast.
func (r *Registry) Confirmations(ctx context.Context, handle BroadcastHandle) (<-chan uint32, error) {
	a, err := r.get(handle.Currency)
	if err != nil {
		return nil, err
	}
	return a.Confirmations(ctx, handle)
}

// ValidateAddress checks an address's format for currency.
func (r *Registry) ValidateAddress(currency Currency, address string) bool {
	a, err := r.get(currency)
	if err != nil {
		return false
	}
	return a.ValidateAddress(address)
}

// Health returns the Registry's shared health.Monitor so callers (scheduler
// backpressure, alert rules) can observe per-currency status without
// reaching into individual adapters.
func (r *Registry) Health() *health.Monitor {
	return r.monitor
}

// Currencies lists every registered currency, backing
// the supported-currencies listing.
func (r *Registry) Currencies() []Currency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Currency, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	return out
}
