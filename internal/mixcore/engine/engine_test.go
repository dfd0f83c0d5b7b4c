package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/metrics"
	"github.com/r3e-network/mixcore/infrastructure/state"
	"github.com/r3e-network/mixcore/internal/mixcore/audit"
	"github.com/r3e-network/mixcore/internal/mixcore/chainfacade"
	"github.com/r3e-network/mixcore/internal/mixcore/governor"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
	"github.com/r3e-network/mixcore/internal/mixcore/pool"
	"github.com/r3e-network/mixcore/internal/mixcore/scheduler"
	"github.com/r3e-network/mixcore/internal/mixcore/session"
)

// fakeAdapter is a scripted chain adapter: deposits are injected through
// deposit channels keyed by address, broadcasts succeed and confirm
// immediately.
type fakeAdapter struct {
	mu        sync.Mutex
	currency  chainfacade.Currency
	nextAddr  int
	deposits  map[string]chan chainfacade.DepositEvent
	broadcast []chainfacade.BroadcastRequest
}

func newFakeAdapter(currency string) *fakeAdapter {
	return &fakeAdapter{currency: chainfacade.Currency(currency), deposits: make(map[string]chan chainfacade.DepositEvent)}
}

func (f *fakeAdapter) Currency() chainfacade.Currency { return f.currency }

func (f *fakeAdapter) ProvisionDepositAddress(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAddr++
	addr := string(f.currency) + "-deposit-" + time.Now().Format("150405") + "-" + string(rune('a'+f.nextAddr))
	f.deposits[addr] = make(chan chainfacade.DepositEvent, 4)
	return addr, "key-" + addr, nil
}

func (f *fakeAdapter) Watch(ctx context.Context, address string, expectedAmount int64) (<-chan chainfacade.DepositEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.deposits[address]
	if !ok {
		ch = make(chan chainfacade.DepositEvent, 4)
		f.deposits[address] = ch
	}
	return ch, nil
}

func (f *fakeAdapter) inject(address string, ev chainfacade.DepositEvent) {
	f.mu.Lock()
	ch := f.deposits[address]
	f.mu.Unlock()
	ev.Address = address
	ch <- ev
}

func (f *fakeAdapter) BuildAndBroadcast(ctx context.Context, req chainfacade.BroadcastRequest) (chainfacade.BroadcastHandle, error) {
	f.mu.Lock()
	f.broadcast = append(f.broadcast, req)
	n := len(f.broadcast)
	f.mu.Unlock()
	return chainfacade.BroadcastHandle{
		BroadcastID: "b-" + string(rune('0'+n)),
		Currency:    req.Currency,
		TxID:        "tx-" + string(rune('0'+n)),
		Status:      chainfacade.BroadcastSubmitted,
	}, nil
}

func (f *fakeAdapter) Confirmations(ctx context.Context, h chainfacade.BroadcastHandle) (<-chan uint32, error) {
	// Stream confirmations to the rig's required depth, then close, the
	// way real adapters end the stream at the configured depth.
	ch := make(chan uint32, 4)
	ch <- 1
	ch <- 2
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) ValidateAddress(address string) bool { return address != "" }
func (f *fakeAdapter) Health() chainfacade.HealthReporter  { return nil }

func (f *fakeAdapter) broadcasts() []chainfacade.BroadcastRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chainfacade.BroadcastRequest(nil), f.broadcast...)
}

type testRig struct {
	engine  *Engine
	adapter *fakeAdapter
	pool    *pool.Pool
	cancel  context.CancelFunc
}

func newTestRig(t *testing.T, expiresAfter time.Duration) *testRig {
	t.Helper()

	backend := state.NewMemoryBackend(time.Minute)
	auditLog := audit.New(audit.NewStateBackend(backend))
	logger := logging.New("engine-test", "error", "json")

	sessions := session.NewStore(backend, auditLog, nil, logger)

	ladders := map[string]pool.DenominationLadder{"BTC": {100000000, 10000000, 1000000}}
	liquidity := pool.New(pool.DefaultConfig(), ladders, logger)

	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	registry := chainfacade.NewRegistry(monitor)
	adapter := newFakeAdapter("BTC")
	registry.Register(adapter)

	fiber := scheduler.NewFiber(registry, monitor, scheduler.DefaultRetryPolicy(), logger)

	gov := governor.New(governor.DefaultThresholds(), logger, metrics.NewWithRegistry("engine-test", prometheus.NewRegistry()))

	cfg := DefaultConfig()
	cfg.Currencies = map[string]CurrencyPolicy{"BTC": {ConfirmationsRequired: 2, MinAmount: 1000000, MaxAmount: 10000000000}}
	cfg.PlanParams = scheduler.PlanParams{
		MinDelay:     time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		InterHopMean: time.Millisecond,
		JitterMax:    time.Millisecond,
	}
	cfg.PromotePollBase = 10 * time.Millisecond
	cfg.PromotePollCap = 50 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond

	eng := New(cfg, sessions, liquidity, fiber, registry, gov, auditLog, backend, logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		cancel()
		gov.Shutdown()
	})

	_ = expiresAfter
	return &testRig{engine: eng, adapter: adapter, pool: liquidity, cancel: cancel}
}

func seedLiquidity(p *pool.Pool) {
	// Three distinct origins at the 10M rung satisfy the default k_min=3.
	for _, origin := range []string{"origin-1", "origin-2", "origin-3"} {
		_, _ = p.Deposit("BTC", origin, 10000000)
	}
}

func awaitStatus(t *testing.T, eng *Engine, id string, want session.Status, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		view, err := eng.Observe(context.Background(), id)
		require.NoError(t, err)
		if view.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	view, _ := eng.Observe(context.Background(), id)
	t.Fatalf("session %s stuck in %s, want %s", id, view.Status, want)
}

func TestHappyPathSingleOutputCompletes(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	seedLiquidity(rig.pool)

	// 0.30000000 BTC with zero fee mixes as three 10M rungs, drawn from
	// the three seeded origins.
	view, err := rig.engine.CreateSession(context.Background(), session.Request{
		Currency:       "BTC",
		ExpectedAmount: 30000000,
		Outputs:        []session.Output{{Address: "payout-X", ShareBPS: 10000}},
		RefundAddress:  "refund-X",
		ExpiresAfter:   time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingDeposit, view.Status)
	require.NotEmpty(t, view.DepositAddress)

	rig.adapter.inject(view.DepositAddress, chainfacade.DepositEvent{TxID: "dep-1", Amount: 30000000, Confirmations: 2})

	awaitStatus(t, rig.engine, view.ID, session.StatusCompleted, 5*time.Second)

	var payout int64
	for _, b := range rig.adapter.broadcasts() {
		if b.ToAddress == "payout-X" {
			payout += b.Amount
		}
	}
	require.Equal(t, int64(30000000), payout, "conservation: payout must equal deposit minus fee")
}

func TestAmountMismatchFailsSession(t *testing.T) {
	rig := newTestRig(t, time.Minute)

	view, err := rig.engine.CreateSession(context.Background(), session.Request{
		Currency:       "BTC",
		ExpectedAmount: 10000000,
		Outputs:        []session.Output{{Address: "payout-X", ShareBPS: 10000}},
		ExpiresAfter:   time.Minute,
	})
	require.NoError(t, err)

	rig.adapter.inject(view.DepositAddress, chainfacade.DepositEvent{TxID: "dep-1", Amount: 9000000, Confirmations: 2})

	awaitStatus(t, rig.engine, view.ID, session.StatusFailed, 2*time.Second)
}

func TestCancelBeforeDepositCancels(t *testing.T) {
	rig := newTestRig(t, time.Minute)

	view, err := rig.engine.CreateSession(context.Background(), session.Request{
		Currency:       "BTC",
		ExpectedAmount: 10000000,
		Outputs:        []session.Output{{Address: "payout-X", ShareBPS: 10000}},
		ExpiresAfter:   time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, rig.engine.Cancel(context.Background(), view.ID))
	awaitStatus(t, rig.engine, view.ID, session.StatusCancelled, time.Second)
	require.Empty(t, rig.adapter.broadcasts())
}

func TestInsufficientAnonymityExpiresIntoRefund(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	// Only two origins: the k_min=3 floor can never be reached.
	_, _ = rig.pool.Deposit("BTC", "origin-1", 10000000)
	_, _ = rig.pool.Deposit("BTC", "origin-2", 10000000)

	view, err := rig.engine.CreateSession(context.Background(), session.Request{
		Currency:       "BTC",
		ExpectedAmount: 10000000,
		Outputs:        []session.Output{{Address: "payout-X", ShareBPS: 10000}},
		RefundAddress:  "refund-X",
		ExpiresAfter:   300 * time.Millisecond,
	})
	require.NoError(t, err)

	rig.adapter.inject(view.DepositAddress, chainfacade.DepositEvent{TxID: "dep-1", Amount: 10000000, Confirmations: 2})

	awaitStatus(t, rig.engine, view.ID, session.StatusRefunded, 5*time.Second)

	var refunded int64
	for _, b := range rig.adapter.broadcasts() {
		if b.ToAddress == "refund-X" {
			refunded += b.Amount
		}
	}
	require.Equal(t, int64(10000000), refunded)
}

func TestRejectsUnknownCurrency(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	_, err := rig.engine.CreateSession(context.Background(), session.Request{
		Currency:       "DOGE",
		ExpectedAmount: 10000000,
		Outputs:        []session.Output{{Address: "x", ShareBPS: 10000}},
	})
	require.Error(t, err)
}
