// Package scheduler builds ReleasePlans from a reserved pool selection and
// drives a single cooperative fiber that fires each hop's withdrawal at its
// fire_at time, with jitter, fee-bump retries and per-currency backpressure.
package scheduler

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/internal/mixcore/chainfacade"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
)

// HopStatus is one hop's lifecycle state.
type HopStatus string

const (
	HopPending   HopStatus = "pending"
	HopFiring    HopStatus = "firing"
	HopSubmitted HopStatus = "submitted"
	HopConfirmed HopStatus = "confirmed"
	HopFailed    HopStatus = "failed"
	HopCancelled HopStatus = "cancelled"
)

// Hop is one scheduled output within a session's ReleasePlan.
type Hop struct {
	Index     int       `json:"index"`
	ToAddress string    `json:"to_address"`
	Amount    int64     `json:"amount"`
	FireAt    time.Time `json:"fire_at"`
	Nonce     [16]byte  `json:"nonce"`
	Status    HopStatus `json:"status"`
	FeeBumps  int       `json:"fee_bumps"`
}

// ReleasePlan is the ordered, timed schedule of a session's outputs. Once
// stored, only per-hop Status may change; the amounts and fire_at values
// are immutable.
type ReleasePlan struct {
	SessionID string `json:"session_id"`
	Currency  string `json:"currency"`
	Hops      []*Hop `json:"hops"`
	// Reservation references the reserved pool entries funding the plan;
	// adapters draw from it just-in-time at each hop's broadcast.
	Reservation []chainfacade.ReservedInput `json:"reservation,omitempty"`
}

// Total is the summed hop value.
func (p *ReleasePlan) Total() int64 {
	var total int64
	for _, h := range p.Hops {
		total += h.Amount
	}
	return total
}

// Encode serializes a plan for persistence.
func (p *ReleasePlan) Encode() ([]byte, error) { return json.Marshal(p) }

// DecodePlan restores a persisted plan.
func DecodePlan(raw []byte) (*ReleasePlan, error) {
	var p ReleasePlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("scheduler: corrupt persisted plan: %w", err)
	}
	return &p, nil
}

// OutputSpec is one payout target for plan construction: destination
// address, its share of the total in basis points, and an optional
// minimum extra delay folded into the hop's fire_at draw.
type OutputSpec struct {
	Address   string
	ShareBPS  int
	DelayHint time.Duration
}

// PlanParams configures timing-distribution draws for one plan.
type PlanParams struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	InterHopMean time.Duration // mean of the truncated exponential inter-hop delay
	JitterMax    time.Duration
}

// DefaultPlanParams matches typical mixing-delay ranges: a base delay
// between 10 minutes and 6 hours, inter-hop mean of 20 minutes, jitter up
// to 5 minutes.
func DefaultPlanParams() PlanParams {
	return PlanParams{
		MinDelay:     10 * time.Minute,
		MaxDelay:     6 * time.Hour,
		InterHopMean: 20 * time.Minute,
		JitterMax:    5 * time.Minute,
	}
}

// BuildPlan allocates totalAmount across the outputs by their basis-point
// shares (floor division, with the final hop absorbing the rounding
// remainder so the hop sum equals totalAmount exactly) and assigns
// monotone non-decreasing fire_at times from the configured
// distributions, resampling on any violation.
func BuildPlan(sessionID, currency string, outputs []OutputSpec, totalAmount int64, params PlanParams) (*ReleasePlan, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("scheduler: at least one output required")
	}

	hops := make([]*Hop, len(outputs))
	var allocated int64
	for i, out := range outputs {
		amt := totalAmount * int64(out.ShareBPS) / 10000
		if i == len(outputs)-1 {
			amt = totalAmount - allocated // remainder rounds onto the last hop
		}
		allocated += amt
		var nonce [16]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("scheduler: nonce entropy failure: %w", err)
		}
		hops[i] = &Hop{Index: i, ToAddress: out.Address, Amount: amt, Nonce: nonce, Status: HopPending}
	}

	if err := assignFireTimes(hops, outputs, params); err != nil {
		return nil, err
	}

	return &ReleasePlan{SessionID: sessionID, Currency: currency, Hops: hops}, nil
}

func assignFireTimes(hops []*Hop, outputs []OutputSpec, params PlanParams) error {
	const maxResamples = 20
	base := time.Now().Add(uniformDuration(params.MinDelay, params.MaxDelay))

	for attempt := 0; attempt < maxResamples; attempt++ {
		t := base
		ok := true
		for i, hop := range hops {
			if i > 0 {
				t = t.Add(truncatedExponential(params.InterHopMean))
			}
			fireAt := t.Add(uniformDuration(0, params.JitterMax)).Add(outputs[i].DelayHint)
			if i > 0 && fireAt.Before(hops[i-1].FireAt) {
				ok = false
				break
			}
			hop.FireAt = fireAt
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("scheduler: failed to draw monotone fire_at sequence after %d resamples", maxResamples)
}

func uniformDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}

// truncatedExponential draws from an exponential distribution with the
// given mean, truncated to [0, 4*mean] to bound tail delays.
func truncatedExponential(mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	max := 4 * mean
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return mean
		}
		u := float64(binary.BigEndian.Uint64(buf[:])%1_000_000_000) / 1_000_000_000
		if u <= 0 {
			continue
		}
		d := time.Duration(-math.Log(u) * float64(mean))
		if d <= max {
			return d
		}
	}
}

// heapItem orders pending hops by fire_at for the delay queue.
type heapItem struct {
	plan  *ReleasePlan
	hop   *Hop
	index int
}

type hopHeap []*heapItem

func (h hopHeap) Len() int           { return len(h) }
func (h hopHeap) Less(i, j int) bool { return h[i].hop.FireAt.Before(h[j].hop.FireAt) }
func (h hopHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *hopHeap) Push(x interface{}) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *hopHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// RetryPolicy bounds fee-bump retries on a rejected-but-retryable
// broadcast.
type RetryPolicy struct {
	MaxFeeBumps        int
	MaxFeeBumpMultiple float64
}

// DefaultRetryPolicy caps fee bumps at three attempts, each never exceeding
// twice the original fee rate hint.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxFeeBumps: 3, MaxFeeBumpMultiple: 2.0}
}

// Fiber is the single cooperative scheduler loop: it wakes on the
// earliest pending fire_at across all registered plans and fires due
// hops, applying per-currency backpressure from the shared health monitor
// and retrying rejected-but-retryable broadcasts with a bounded fee bump.
type Fiber struct {
	mu       sync.Mutex
	pending  hopHeap
	registry *chainfacade.Registry
	monitor  *health.Monitor
	retry    RetryPolicy
	logger   *logging.Logger

	pausedCurrencies map[string]bool
	onHopDone        func(plan *ReleasePlan, hop *Hop, handle chainfacade.BroadcastHandle, err error)
}

// NewFiber creates a Fiber bound to a chain facade registry and the
// shared health monitor that drives its backpressure pauses.
func NewFiber(registry *chainfacade.Registry, monitor *health.Monitor, retry RetryPolicy, logger *logging.Logger) *Fiber {
	f := &Fiber{
		registry:         registry,
		monitor:          monitor,
		retry:            retry,
		logger:           logger,
		pausedCurrencies: make(map[string]bool),
	}
	heap.Init(&f.pending)
	return f
}

// OnHopDone registers a callback invoked after each hop's terminal
// outcome (submitted, failed, or cancelled).
func (f *Fiber) OnHopDone(fn func(plan *ReleasePlan, hop *Hop, handle chainfacade.BroadcastHandle, err error)) {
	f.onHopDone = fn
}

// Enqueue registers every PENDING hop of plan onto the delay queue.
func (f *Fiber) Enqueue(plan *ReleasePlan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, hop := range plan.Hops {
		if hop.Status == HopPending {
			heap.Push(&f.pending, &heapItem{plan: plan, hop: hop})
		}
	}
}

// Pause suspends firing for currency, e.g. when its chain adapter's
// health has degraded past the backpressure threshold.
func (f *Fiber) Pause(currency string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pausedCurrencies[currency] = true
}

// Resume lifts a currency's backpressure pause.
func (f *Fiber) Resume(currency string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pausedCurrencies, currency)
}

// Cancel marks a still-pending hop cancelled; in-flight or confirmed hops
// cannot be cancelled.
func (f *Fiber) Cancel(plan *ReleasePlan, hopIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hopIndex < 0 || hopIndex >= len(plan.Hops) {
		return fmt.Errorf("scheduler: hop index %d out of range", hopIndex)
	}
	hop := plan.Hops[hopIndex]
	if hop.Status != HopPending {
		return fmt.Errorf("scheduler: hop %d is %s, not pending", hopIndex, hop.Status)
	}
	hop.Status = HopCancelled
	return nil
}

// Run drives the fiber until ctx is cancelled, waking on the earliest
// pending fire_at (or a 1s poll when the queue is empty, to notice newly
// enqueued hops and resumed currencies).
func (f *Fiber) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := f.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			f.fireDue(ctx)
		}
	}
}

func (f *Fiber) nextWait() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return time.Second
	}
	d := time.Until(f.pending[0].hop.FireAt)
	if d < 0 {
		d = 0
	}
	if d > time.Second {
		return time.Second // re-check at 1s granularity so Pause/Cancel take effect promptly
	}
	return d
}

func (f *Fiber) fireDue(ctx context.Context) {
	now := time.Now()
	var held []*heapItem
	for {
		f.mu.Lock()
		if len(f.pending) == 0 || f.pending[0].hop.FireAt.After(now) {
			for _, h := range held {
				heap.Push(&f.pending, h) // re-queue; backpressure holds it at its original fire_at
			}
			f.mu.Unlock()
			return
		}
		item := heap.Pop(&f.pending).(*heapItem)
		paused := f.pausedCurrencies[item.plan.Currency]
		f.mu.Unlock()

		if item.hop.Status == HopCancelled {
			continue
		}
		if paused {
			// Set aside until the scan ends so due hops of other currencies
			// still fire.
			held = append(held, item)
			continue
		}

		go f.fireHop(ctx, item.plan, item.hop)
	}
}

func (f *Fiber) fireHop(ctx context.Context, plan *ReleasePlan, hop *Hop) {
	hop.Status = HopFiring
	req := chainfacade.BroadcastRequest{
		Currency:  chainfacade.Currency(plan.Currency),
		Inputs:    plan.Reservation,
		ToAddress: hop.ToAddress,
		Amount:    hop.Amount,
		Nonce:     hop.Nonce,
	}

	handle, err := f.registry.BuildAndBroadcast(ctx, req)
	if err == nil {
		hop.Status = HopSubmitted
		if f.onHopDone != nil {
			f.onHopDone(plan, hop, handle, nil)
		}
		return
	}

	var chainErr *chainfacade.ChainError
	if ce, ok := err.(*chainfacade.ChainError); ok {
		chainErr = ce
	}
	if chainErr != nil && chainErr.Retryable() && hop.FeeBumps < f.retry.MaxFeeBumps {
		hop.FeeBumps++
		bumped := math.Min(1.0+0.5*float64(hop.FeeBumps), f.retry.MaxFeeBumpMultiple)
		req.FeeRateHint *= bumped
		f.mu.Lock()
		hop.Status = HopPending
		hop.FireAt = time.Now().Add(time.Duration(hop.FeeBumps) * 30 * time.Second)
		heap.Push(&f.pending, &heapItem{plan: plan, hop: hop})
		f.mu.Unlock()
		return
	}

	hop.Status = HopFailed
	if f.onHopDone != nil {
		f.onHopDone(plan, hop, handle, err)
	}
}
