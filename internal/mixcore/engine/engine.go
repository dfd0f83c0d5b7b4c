// Package engine wires the mixing core together: it drives each session
// from creation through deposit watch, pool absorption, anonymity-gated
// scheduling and release, owning the collaborations the individual
// packages stay ignorant of. Components reference each other only through
// the session/pool/plan stores and opaque ids.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/state"
	"github.com/r3e-network/mixcore/internal/mixcore/audit"
	"github.com/r3e-network/mixcore/internal/mixcore/chainfacade"
	"github.com/r3e-network/mixcore/internal/mixcore/errtax"
	"github.com/r3e-network/mixcore/internal/mixcore/governor"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
	"github.com/r3e-network/mixcore/internal/mixcore/pool"
	"github.com/r3e-network/mixcore/internal/mixcore/scheduler"
	"github.com/r3e-network/mixcore/internal/mixcore/session"
)

// CurrencyPolicy is the per-currency mixing policy.
type CurrencyPolicy struct {
	ConfirmationsRequired uint32
	MinAmount             int64
	MaxAmount             int64
}

// Config tunes the engine's cross-component behavior.
type Config struct {
	Currencies      map[string]CurrencyPolicy
	PlanParams      scheduler.PlanParams
	RetryPolicy     scheduler.RetryPolicy
	PromotePollBase time.Duration // first wait between promotion attempts
	PromotePollCap  time.Duration // exponential poll ceiling
	SweepInterval   time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Currencies:      map[string]CurrencyPolicy{},
		PlanParams:      scheduler.DefaultPlanParams(),
		RetryPolicy:     scheduler.DefaultRetryPolicy(),
		PromotePollBase: 5 * time.Second,
		PromotePollCap:  5 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// Engine is the mixing core's conductor.
type Engine struct {
	cfg      Config
	sessions *session.Store
	pool     *pool.Pool
	fiber    *scheduler.Fiber
	registry *chainfacade.Registry
	monitor  *health.Monitor
	gov      *governor.Governor
	auditLog *audit.Log
	backend  state.PersistenceBackend
	logger   *logging.Logger

	mu         sync.Mutex
	selections map[string]*pool.Selection // session id -> reserved selection
	plans      map[string]*scheduler.ReleasePlan
	watches    map[string]context.CancelFunc // session id -> watch cancel
	confirmed  map[string]int                // plan session id -> confirmed hop count

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles an Engine over already-constructed components.
func New(cfg Config, sessions *session.Store, liquidity *pool.Pool, fiber *scheduler.Fiber,
	registry *chainfacade.Registry, gov *governor.Governor, auditLog *audit.Log,
	backend state.PersistenceBackend, logger *logging.Logger) *Engine {

	if cfg.PromotePollBase <= 0 {
		cfg.PromotePollBase = 5 * time.Second
	}
	if cfg.PromotePollCap <= 0 {
		cfg.PromotePollCap = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	e := &Engine{
		cfg:        cfg,
		sessions:   sessions,
		pool:       liquidity,
		fiber:      fiber,
		registry:   registry,
		monitor:    registry.Health(),
		gov:        gov,
		auditLog:   auditLog,
		backend:    backend,
		logger:     logger,
		selections: make(map[string]*pool.Selection),
		plans:      make(map[string]*scheduler.ReleasePlan),
		watches:    make(map[string]context.CancelFunc),
		confirmed:  make(map[string]int),
	}

	fiber.OnHopDone(e.onHopDone)
	e.monitor.OnTransition(e.onHealthTransition)
	return e
}

// Start launches the scheduler fiber and the periodic sweeps, then
// replays persisted sessions for crash recovery.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	go e.fiber.Run(e.ctx)

	e.gov.RegisterInterval("session-expiry-sweep", "expires overdue sessions", e.cfg.SweepInterval, func(ctx context.Context) {
		e.sweepExpired(ctx)
	})
	e.gov.RegisterInterval("pool-lease-sweep", "releases expired pool reservations", e.cfg.SweepInterval, func(ctx context.Context) {
		e.pool.SweepExpiredLeases()
	})

	return e.recover(e.ctx)
}

// Stop cancels all watches and the fiber. Governor timers are cleared by
// the governor's own Shutdown.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// CreateSession validates, creates and provisions a new mix session and
// begins watching its deposit address.
func (e *Engine) CreateSession(ctx context.Context, req session.Request) (session.View, error) {
	policy, ok := e.cfg.Currencies[req.Currency]
	if !ok {
		return session.View{}, errtax.Terminal(errtax.KindValidation, errtax.SeverityLow, "engine", "create_session",
			fmt.Errorf("currency %s not enabled", req.Currency))
	}
	if req.ExpectedAmount < policy.MinAmount || (policy.MaxAmount > 0 && req.ExpectedAmount > policy.MaxAmount) {
		return session.View{}, errtax.Terminal(errtax.KindValidation, errtax.SeverityLow, "engine", "create_session",
			fmt.Errorf("amount %d outside [%d, %d]", req.ExpectedAmount, policy.MinAmount, policy.MaxAmount))
	}
	for _, out := range req.Outputs {
		if !e.registry.ValidateAddress(chainfacade.Currency(req.Currency), out.Address) {
			return session.View{}, errtax.Terminal(errtax.KindValidation, errtax.SeverityLow, "engine", "create_session",
				fmt.Errorf("invalid %s address %q", req.Currency, out.Address))
		}
	}

	id, err := e.sessions.Create(ctx, req)
	if err != nil {
		return session.View{}, err
	}

	address, keyHandle, err := e.registry.ProvisionDepositAddress(ctx, chainfacade.Currency(req.Currency))
	if err != nil {
		_, _ = e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeFail, Reason: "address_provisioning_failed"})
		return session.View{}, err
	}
	if err := e.sessions.ProvisionAddress(ctx, id, address, keyHandle); err != nil {
		return session.View{}, err
	}

	e.startWatch(id)
	return e.sessions.Observe(ctx, id)
}

// Observe exposes the session view.
func (e *Engine) Observe(ctx context.Context, id string) (session.View, error) {
	return e.sessions.Observe(ctx, id)
}

// Plan returns the session's release plan, if one has been built.
func (e *Engine) Plan(id string) (*scheduler.ReleasePlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[id]
	return p, ok
}

// Cancel requests early termination. Pending hops are withdrawn;
// submitted hops run to confirmation (chain effects are irreversible).
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.sessions.Cancel(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	if cancelWatch, ok := e.watches[id]; ok {
		cancelWatch()
		delete(e.watches, id)
	}
	plan := e.plans[id]
	sel := e.selections[id]
	e.mu.Unlock()

	if plan != nil {
		for _, hop := range plan.Hops {
			if hop.Status == scheduler.HopPending {
				_ = e.fiber.Cancel(plan, hop.Index)
			}
		}
	}

	view, err := e.sessions.Observe(ctx, id)
	if err != nil {
		return err
	}
	if view.Status == session.StatusRefunding {
		if sel != nil {
			e.pool.Release(sel)
			e.dropSelection(id)
		}
		go e.refund(id)
	}
	return nil
}

// startWatch begins (or resumes) the deposit watch for a session.
func (e *Engine) startWatch(id string) {
	watchCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.watches[id] = cancel
	e.mu.Unlock()
	go e.watchDeposit(watchCtx, id)
}

// watchDeposit consumes the chain facade's deposit stream for one
// session, driving the detected -> confirmed -> pooled edges.
func (e *Engine) watchDeposit(ctx context.Context, id string) {
	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return
	}
	policy := e.cfg.Currencies[sess.Currency]

	events, err := e.registry.Watch(ctx, chainfacade.Currency(sess.Currency), sess.DepositAddress, sess.ExpectedAmount)
	if err != nil {
		e.failSession(ctx, id, "deposit_watch_failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Reorged {
				// Confirmed deposit reorged out inside the monitoring
				// window: compensate via the refund path.
				e.logger.WithFields(map[string]interface{}{"session_id": id, "txid": ev.TxID}).Warn("engine: deposit reorged out past confirmation")
				_, _ = e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeCancel, Reason: "deposit_reorged"})
				go e.refund(id)
				return
			}
			if ev.Amount != sess.ExpectedAmount {
				// Exact match required on every chain family; a short
				// deposit below the smallest rung fails without touching
				// the pool.
				e.failSession(ctx, id, "amount_mismatch")
				return
			}

			if _, err := e.sessions.Apply(ctx, id, session.Edge{
				Kind: session.EdgeDepositSeen, TxID: ev.TxID, Amount: ev.Amount, Confirmations: ev.Confirmations,
			}); err != nil && !errors.Is(err, session.ErrIllegalEdge) {
				continue
			}
			_ = e.sessions.UpdateConfirmations(ctx, id, ev.Confirmations)

			if ev.Confirmations >= policy.ConfirmationsRequired {
				if _, err := e.sessions.Apply(ctx, id, session.Edge{
					Kind: session.EdgeDepositConfirmed, Confirmations: ev.Confirmations,
				}); err != nil {
					continue
				}
				e.absorb(ctx, id)
				return
			}
		}
	}
}

// absorb splits the confirmed deposit (minus fee) into the pool and kicks
// off the promotion loop.
func (e *Engine) absorb(ctx context.Context, id string) {
	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return
	}

	result, err := e.pool.Deposit(sess.Currency, id, sess.PayoutAmount())
	if err != nil {
		if errors.Is(err, pool.ErrAmountTooSmall) {
			e.failSession(ctx, id, "amount_too_small")
		} else {
			e.failSession(ctx, id, "pool_absorb_failed")
		}
		return
	}

	if _, err := e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgePooled}); err != nil {
		return
	}

	if result.Residual != nil {
		// The sub-denomination residual never mixes; it is paid straight
		// to the session's declared change address so value conservation
		// holds exactly.
		go e.payResidual(id, sess, result.Residual)
	}

	go e.promote(id, result.MixableTotal())
}

// promote polls the pool with capped exponential backoff until the
// session's selection satisfies the anonymity floor, then builds and
// enqueues its release plan. Expiry while waiting routes to REFUNDING.
func (e *Engine) promote(id string, target int64) {
	ctx := e.ctx
	wait := e.cfg.PromotePollBase

	for {
		sess, err := e.sessions.Get(ctx, id)
		if err != nil || sess.Status != session.StatusPooled {
			return
		}
		if time.Now().After(sess.ExpiresAt) {
			if _, err := e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeExpire, Reason: "anonymity_floor_not_reached"}); err == nil {
				go e.refund(id)
			}
			return
		}

		sel, err := e.pool.Select(sess.Currency, id, target)
		if err == nil {
			e.schedule(ctx, id, sess, sel, target)
			return
		}
		if !errors.Is(err, pool.ErrInsufficientAnonymity) && !errors.Is(err, pool.ErrInsufficientInventory) {
			e.failSession(ctx, id, "selection_failed")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > e.cfg.PromotePollCap {
			wait = e.cfg.PromotePollCap
		}
	}
}

// schedule builds the ReleasePlan from a reserved selection, persists it,
// and hands it to the fiber.
func (e *Engine) schedule(ctx context.Context, id string, sess session.Session, sel *pool.Selection, target int64) {
	outputs := make([]scheduler.OutputSpec, len(sess.Outputs))
	for i, o := range sess.Outputs {
		outputs[i] = scheduler.OutputSpec{Address: o.Address, ShareBPS: o.ShareBPS, DelayHint: o.DelayHint}
	}

	plan, err := scheduler.BuildPlan(id, sess.Currency, outputs, target, e.cfg.PlanParams)
	if err != nil {
		e.pool.Release(sel)
		e.failSession(ctx, id, "plan_construction_failed")
		return
	}
	plan.Reservation = make([]chainfacade.ReservedInput, len(sel.Entries))
	for i, entry := range sel.Entries {
		plan.Reservation[i] = chainfacade.ReservedInput{PoolEntryID: entry.PoolEntryID, Amount: entry.Amount}
	}

	if err := e.persistPlan(ctx, plan); err != nil {
		e.pool.Release(sel)
		e.failSession(ctx, id, "plan_persist_failed")
		return
	}

	if _, err := e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeScheduled}); err != nil {
		e.pool.Release(sel)
		return
	}

	e.mu.Lock()
	e.selections[id] = sel
	e.plans[id] = plan
	e.mu.Unlock()

	e.fiber.Enqueue(plan)
	e.auditAppend(ctx, id, map[string]interface{}{"scheduled_hops": len(plan.Hops), "origins": len(sel.Entries)})
}

// onHopDone reacts to each hop's broadcast outcome from the fiber.
func (e *Engine) onHopDone(plan *scheduler.ReleasePlan, hop *scheduler.Hop, handle chainfacade.BroadcastHandle, err error) {
	ctx := e.ctx
	id := plan.SessionID

	if errtax.IsFatal(err) {
		// Process-level fatal: log, flush, and stop rather than keep
		// mixing in an undefined state.
		e.logger.WithError(err).Error("engine: fatal system error, halting")
		e.Stop()
		return
	}

	if err != nil {
		// Retryable rejections were already consumed by the fiber's fee
		// bump budget; what reaches here is terminal.
		e.mu.Lock()
		sel := e.selections[id]
		e.mu.Unlock()
		if sel != nil {
			e.pool.Release(sel)
		}
		_, _ = e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeHopFailed, Reason: "broadcast_rejected", HopIndex: hop.Index})
		e.cleanupSession(id)
		return
	}

	_, _ = e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeHopSubmitted, HopIndex: hop.Index})
	e.auditAppend(ctx, id, map[string]interface{}{"hop": hop.Index, "txid": handle.TxID, "broadcast": "submitted"})

	go e.watchHopConfirmation(ctx, plan, hop, handle)
}

// watchHopConfirmation drains a submitted hop's confirmation stream until
// the hop reaches the currency's required depth (the adapters close the
// stream there), then completes the session once every hop has.
func (e *Engine) watchHopConfirmation(ctx context.Context, plan *scheduler.ReleasePlan, hop *scheduler.Hop, handle chainfacade.BroadcastHandle) {
	confs, err := e.registry.Confirmations(ctx, handle)
	if err != nil {
		return
	}
	required := e.cfg.Currencies[plan.Currency].ConfirmationsRequired

	var depth uint32
	var streamDone bool
	for !streamDone && (required == 0 || depth < required) {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-confs:
			if !ok {
				streamDone = true
				break
			}
			depth = c
		}
	}
	// A stream that closed before delivering a single confirmation never
	// confirmed the hop.
	if depth == 0 {
		return
	}

	hop.Status = scheduler.HopConfirmed

	e.mu.Lock()
	e.confirmed[plan.SessionID]++
	done := e.confirmed[plan.SessionID] == len(plan.Hops)
	sel := e.selections[plan.SessionID]
	e.mu.Unlock()

	if done {
		if sel != nil {
			e.pool.Spend(sel)
		}
		_, _ = e.sessions.Apply(ctx, plan.SessionID, session.Edge{Kind: session.EdgeHopConfirmed, HopIndex: hop.Index})
		e.cleanupSession(plan.SessionID)
	}
}

// payResidual releases the non-mixable residual directly to the session's
// change address.
func (e *Engine) payResidual(id string, sess session.Session, residual *pool.PooledAmount) {
	changeAddr := sess.RefundAddress
	if changeAddr == "" {
		changeAddr = sess.Outputs[len(sess.Outputs)-1].Address
	}
	req := chainfacade.BroadcastRequest{
		Currency:  chainfacade.Currency(sess.Currency),
		ToAddress: changeAddr,
		Amount:    residual.Amount,
	}
	result := errtax.ExecuteWithRetry(e.ctx, func(ctx context.Context) (interface{}, error) {
		return e.registry.BuildAndBroadcast(ctx, req)
	}, errtax.DefaultStrategy())
	if !result.Success {
		e.logger.WithError(result.Err).WithField("session_id", id).Error("engine: residual payout failed")
		return
	}
	e.auditAppend(e.ctx, id, map[string]interface{}{"residual_paid": residual.Amount, "to": changeAddr})
}

// refund pays the whole unreleased value back to the session's refund
// address and finishes the REFUNDING -> REFUNDED leg.
func (e *Engine) refund(id string) {
	ctx := e.ctx
	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return
	}
	if sess.Status != session.StatusRefunding {
		return
	}
	if sess.RefundAddress == "" {
		e.failSession(ctx, id, "no_refund_address")
		return
	}

	req := chainfacade.BroadcastRequest{
		Currency:  chainfacade.Currency(sess.Currency),
		ToAddress: sess.RefundAddress,
		Amount:    sess.PayoutAmount(),
	}
	result := errtax.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		return e.registry.BuildAndBroadcast(ctx, req)
	}, errtax.DefaultStrategy())
	if !result.Success {
		_, _ = e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeHopFailed, Reason: "refund_broadcast_failed"})
		return
	}

	handle, _ := result.Result.(chainfacade.BroadcastHandle)
	e.auditAppend(ctx, id, map[string]interface{}{"refund": sess.PayoutAmount(), "txid": handle.TxID})
	_, _ = e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeHopConfirmed})
	e.cleanupSession(id)
}

// onHealthTransition applies chain-health backpressure to the fiber:
// DEGRADED or FAILED pauses new submissions for the currency, recovery
// resumes them.
func (e *Engine) onHealthTransition(endpointID string, from, to health.Status) {
	switch to {
	case health.StatusDegraded, health.StatusFailed:
		e.fiber.Pause(endpointID)
		if e.logger != nil {
			e.logger.WithFields(map[string]interface{}{"endpoint": endpointID, "status": string(to)}).Warn("engine: pausing submissions on degraded chain health")
		}
	case health.StatusHealthy:
		e.fiber.Resume(endpointID)
	}
}

// sweepExpired expires sessions still waiting for a deposit past their
// deadline.
func (e *Engine) sweepExpired(ctx context.Context) {
	ids, err := e.sessions.List(ctx)
	if err != nil {
		return
	}
	now := time.Now()
	for _, id := range ids {
		view, err := e.sessions.Observe(ctx, id)
		if err != nil {
			continue
		}
		if view.Status == session.StatusAwaitingDeposit && now.After(view.ExpiresAt) {
			if _, err := e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeExpire, Reason: "deposit_window_elapsed"}); err == nil {
				e.mu.Lock()
				if cancelWatch, ok := e.watches[id]; ok {
					cancelWatch()
					delete(e.watches, id)
				}
				e.mu.Unlock()
			}
		}
	}
}

// recover replays persisted sessions after a restart: watches resume for
// sessions still awaiting funds, pooled sessions re-enter promotion, and
// scheduled plans are re-enqueued.
func (e *Engine) recover(ctx context.Context) error {
	ids, err := e.sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sess, err := e.sessions.Get(ctx, id)
		if err != nil {
			continue
		}
		switch sess.Status {
		case session.StatusAwaitingDeposit, session.StatusDepositDetected:
			e.startWatch(id)
		case session.StatusDepositConfirmed:
			e.absorb(ctx, id)
		case session.StatusPooled:
			// Re-absorbed value is already in the pool from the previous
			// run's persistence of pool state via plan reservations; the
			// promotion target is the denominated payout.
			go e.promote(id, e.denominatedTarget(sess))
		case session.StatusScheduled, session.StatusReleasing:
			if plan, err := e.loadPlan(ctx, id); err == nil {
				e.mu.Lock()
				e.plans[id] = plan
				e.mu.Unlock()
				e.fiber.Enqueue(plan)
			}
		case session.StatusRefunding:
			go e.refund(id)
		}
	}
	return nil
}

// denominatedTarget recomputes the ladder-decomposable mixing value for a
// session's payout: the residual below the smallest rung was paid out at
// absorb time, so what mixes is the payout rounded down to the ladder.
func (e *Engine) denominatedTarget(sess session.Session) int64 {
	return e.pool.DenominatedValue(sess.Currency, sess.PayoutAmount())
}

func (e *Engine) failSession(ctx context.Context, id, reason string) {
	_, _ = e.sessions.Apply(ctx, id, session.Edge{Kind: session.EdgeFail, Reason: reason})
	e.cleanupSession(id)
}

func (e *Engine) dropSelection(id string) {
	e.mu.Lock()
	delete(e.selections, id)
	e.mu.Unlock()
}

// cleanupSession drops a terminal session's in-memory bookkeeping so the
// engine's maps stay bounded by active sessions.
func (e *Engine) cleanupSession(id string) {
	e.mu.Lock()
	if cancelWatch, ok := e.watches[id]; ok {
		cancelWatch()
		delete(e.watches, id)
	}
	delete(e.plans, id)
	delete(e.confirmed, id)
	delete(e.selections, id)
	e.mu.Unlock()
}

func (e *Engine) persistPlan(ctx context.Context, plan *scheduler.ReleasePlan) error {
	raw, err := plan.Encode()
	if err != nil {
		return err
	}
	return e.backend.Save(ctx, planKey(plan.SessionID), raw)
}

func (e *Engine) loadPlan(ctx context.Context, id string) (*scheduler.ReleasePlan, error) {
	raw, err := e.backend.Load(ctx, planKey(id))
	if err != nil {
		return nil, err
	}
	return scheduler.DecodePlan(raw)
}

func planKey(id string) string { return "plan/" + id }

func (e *Engine) auditAppend(ctx context.Context, sessionID string, payload map[string]interface{}) {
	if e.auditLog == nil {
		return
	}
	if _, err := e.auditLog.Append(ctx, sessionID, audit.KindStateTransition, "info", "engine", "mix_progress", sessionID, payload); err != nil && e.logger != nil {
		e.logger.WithError(err).Error("engine: audit append failed")
	}
}
