// Package pool implements the multi-currency liquidity pool: it absorbs
// confirmed deposits as denomination-split PooledAmounts and selects,
// reserves and releases inventory for a session's withdrawal.
package pool

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/google/uuid"

	"github.com/r3e-network/mixcore/infrastructure/logging"
)

// EntryState is a PooledAmount's lifecycle substate.
type EntryState string

const (
	StateAvailable EntryState = "available"
	StateReserved  EntryState = "reserved"
	StateSpent     EntryState = "spent"
)

// PooledAmount is one unit of fungible inventory for a currency once a
// deposit is confirmed. OriginSessionID is kept only to enforce the
// non-self-mixing rule during selection and is otherwise opaque.
type PooledAmount struct {
	PoolEntryID       string
	Currency          string
	Amount            int64
	OriginSessionID   string
	AvailableAt       time.Time
	DenominationClass int64
	State             EntryState
	ReservedBySession string
	ReservedUntil     time.Time
	// NonMixable marks the sub-d1 residual of a deposit; it never enters
	// selection and is paid straight back to the session's change address.
	NonMixable bool
}

// ErrInsufficientAnonymity is returned when a selection cannot reach the
// anonymity floor of distinct origin sessions.
var ErrInsufficientAnonymity = fmt.Errorf("pool: insufficient anonymity set")

// ErrInsufficientInventory is returned when the pool lacks enough matching
// denomination entries to cover the requested amount.
var ErrInsufficientInventory = fmt.Errorf("pool: insufficient inventory")

// ErrAmountTooSmall is returned by Deposit when the amount is below the
// smallest denomination rung; the pool is left untouched.
var ErrAmountTooSmall = fmt.Errorf("pool: amount_too_small")

// Selection is a reserved multiset of PooledAmounts satisfying one
// session's withdrawal, plus the lease that must be renewed or released.
type Selection struct {
	SessionID    string
	Currency     string
	Entries      []*PooledAmount
	Total        int64
	LeaseExpires time.Time
}

// DepositResult is what a confirmed deposit became: the denominated
// mixable entries plus the sub-d1 residual (nil when the amount divides
// exactly).
type DepositResult struct {
	Entries  []*PooledAmount
	Residual *PooledAmount
}

// MixableTotal is the denominated value that entered the mixing inventory.
func (r *DepositResult) MixableTotal() int64 {
	var total int64
	for _, e := range r.Entries {
		total += e.Amount
	}
	return total
}

// DenominationLadder is the ordered set of standard denominations a
// currency's deposits are split into.
type DenominationLadder []int64

// Smallest returns the lowest rung.
func (d DenominationLadder) Smallest() int64 {
	s := d[0]
	for _, den := range d {
		if den < s {
			s = den
		}
	}
	return s
}

// LeaseStore mirrors reservation leases into a shared store so a restarted
// process (or a peer shard) observes them. Optional; the in-memory
// reservation state is authoritative within one process.
type LeaseStore interface {
	Acquire(entryID, sessionID string, ttl time.Duration) (bool, error)
	Release(entryID string) error
}

// Config tunes pool behavior.
type Config struct {
	LeaseTTL time.Duration
	KMin     int // anonymity floor: distinct origins required to promote a selection
	Shards   int // writer shards; currencies map onto shards by rendezvous hash
}

// DefaultConfig matches the mixing defaults: a five-minute reservation
// lease, a three-origin anonymity floor, four writer shards.
func DefaultConfig() Config {
	return Config{LeaseTTL: 5 * time.Minute, KMin: 3, Shards: 4}
}

// currencyShard holds a subset of currencies' inventory under one writer
// lock, so cross-currency operations rarely contend on one mutex.
type currencyShard struct {
	mu      sync.Mutex
	entries map[string]map[int64][]*PooledAmount // currency -> denomination class -> entries
}

// Pool is the liquidity pool and coin selector.
type Pool struct {
	cfg     Config
	logger  *logging.Logger
	ladders map[string]DenominationLadder
	leases  LeaseStore

	shards []*currencyShard
	rdv    *rendezvous.Rendezvous
	names  map[string]int
}

// New creates a Pool. ladders maps currency -> its denomination ladder.
func New(cfg Config, ladders map[string]DenominationLadder, logger *logging.Logger) *Pool {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.KMin <= 0 {
		cfg.KMin = 3
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}

	shardNames := make([]string, cfg.Shards)
	names := make(map[string]int, cfg.Shards)
	shards := make([]*currencyShard, cfg.Shards)
	for i := range shards {
		shardNames[i] = fmt.Sprintf("shard-%d", i)
		names[shardNames[i]] = i
		shards[i] = &currencyShard{entries: make(map[string]map[int64][]*PooledAmount)}
	}

	return &Pool{
		cfg:     cfg,
		logger:  logger,
		ladders: ladders,
		shards:  shards,
		rdv:     rendezvous.New(shardNames, xxhash.Sum64String),
		names:   names,
	}
}

// SetLeaseStore installs a shared lease store (e.g. Redis-backed) mirrored
// on every reservation and release.
func (p *Pool) SetLeaseStore(ls LeaseStore) { p.leases = ls }

// shardFor maps a currency onto its writer shard by rendezvous hash, so
// shard assignment stays stable as currencies are enabled and disabled.
func (p *Pool) shardFor(currency string) *currencyShard {
	return p.shards[p.names[p.rdv.Lookup(currency)]]
}

func (s *currencyShard) classes(currency string) map[int64][]*PooledAmount {
	m, ok := s.entries[currency]
	if !ok {
		m = make(map[int64][]*PooledAmount)
		s.entries[currency] = m
	}
	return m
}

// Deposit splits amount into standard denominations for currency and adds
// each piece to the pool, crediting originSessionID as the funds' opaque
// origin. Any sub-d1 residual becomes a single non-mixable entry the
// caller must pay back to the session's change address. Amounts below the
// smallest rung are rejected without touching the pool.
func (p *Pool) Deposit(currency, originSessionID string, amount int64) (*DepositResult, error) {
	ladder, ok := p.ladders[currency]
	if !ok || len(ladder) == 0 {
		return nil, fmt.Errorf("pool: no denomination ladder configured for %s", currency)
	}
	if amount < ladder.Smallest() {
		return nil, ErrAmountTooSmall
	}

	counts, residual := splitIntoDenominations(amount, ladder)
	shard := p.shardFor(currency)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	classes := shard.classes(currency)
	now := time.Now()
	result := &DepositResult{}
	for _, class := range ladderDescending(ladder) {
		for i := 0; i < counts[class]; i++ {
			entry := &PooledAmount{
				PoolEntryID:       uuid.NewString(),
				Currency:          currency,
				Amount:            class,
				OriginSessionID:   originSessionID,
				AvailableAt:       now,
				DenominationClass: class,
				State:             StateAvailable,
			}
			classes[class] = append(classes[class], entry)
			result.Entries = append(result.Entries, entry)
		}
	}
	if residual > 0 {
		result.Residual = &PooledAmount{
			PoolEntryID:     uuid.NewString(),
			Currency:        currency,
			Amount:          residual,
			OriginSessionID: originSessionID,
			AvailableAt:     now,
			State:           StateAvailable,
			NonMixable:      true,
		}
	}
	return result, nil
}

// splitIntoDenominations greedily assigns amount to denomination classes
// from the largest rung downward, returning per-class counts and the
// sub-smallest-rung residual.
func splitIntoDenominations(amount int64, ladder DenominationLadder) (map[int64]int, int64) {
	counts := make(map[int64]int)
	remaining := amount
	for _, den := range ladderDescending(ladder) {
		if den <= 0 {
			continue
		}
		n := int(remaining / den)
		if n > 0 {
			counts[den] += n
			remaining -= int64(n) * den
		}
	}
	return counts, remaining
}

func ladderDescending(ladder DenominationLadder) DenominationLadder {
	sorted := append(DenominationLadder{}, ladder...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return sorted
}

// DenominatedValue rounds amount down to the currency's ladder: the value
// that would enter the mixing inventory, excluding the sub-smallest-rung
// residual.
func (p *Pool) DenominatedValue(currency string, amount int64) int64 {
	ladder, ok := p.ladders[currency]
	if !ok {
		return 0
	}
	_, residual := splitIntoDenominations(amount, ladder)
	return amount - residual
}

// Select reserves entries covering amount for sessionID. The amount is
// decomposed down the currency's ladder exactly as deposits are, and the
// required count of each class is drawn oldest-first from entries whose
// origin is not sessionID itself. The union of selected entries must span
// at least KMin distinct origins. Amount must be ladder-decomposable
// (callers pass back MixableTotal-derived values, which always are).
func (p *Pool) Select(currency, sessionID string, amount int64) (*Selection, error) {
	ladder, ok := p.ladders[currency]
	if !ok {
		return nil, fmt.Errorf("pool: no denomination ladder configured for %s", currency)
	}
	counts, residual := splitIntoDenominations(amount, ladder)
	if residual != 0 {
		return nil, fmt.Errorf("pool: amount %d not decomposable on the %s ladder", amount, currency)
	}

	shard := p.shardFor(currency)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	classes := shard.classes(currency)
	now := time.Now()
	var picked []*PooledAmount
	origins := make(map[string]bool)
	var total int64

	for _, class := range ladderDescending(ladder) {
		need := counts[class]
		if need == 0 {
			continue
		}
		candidates := classes[class]
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].AvailableAt.Before(candidates[j].AvailableAt) })
		shuffleTiesAtSameAvailability(candidates)

		for _, e := range candidates {
			if need == 0 {
				break
			}
			if e.State != StateAvailable || e.NonMixable {
				continue
			}
			if e.OriginSessionID == sessionID {
				continue // non-self-mix rule: never select a session's own deposit
			}
			picked = append(picked, e)
			origins[e.OriginSessionID] = true
			total += e.Amount
			need--
		}
		if need > 0 {
			return nil, ErrInsufficientInventory
		}
	}

	if len(origins) < p.cfg.KMin {
		return nil, ErrInsufficientAnonymity
	}

	leaseUntil := now.Add(p.cfg.LeaseTTL)
	for _, e := range picked {
		e.State = StateReserved
		e.ReservedBySession = sessionID
		e.ReservedUntil = leaseUntil
		p.leaseAcquire(e.PoolEntryID, sessionID)
	}

	return &Selection{SessionID: sessionID, Currency: currency, Entries: picked, Total: total, LeaseExpires: leaseUntil}, nil
}

func (p *Pool) leaseAcquire(entryID, sessionID string) {
	if p.leases == nil {
		return
	}
	if _, err := p.leases.Acquire(entryID, sessionID, p.cfg.LeaseTTL); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("pool: shared lease acquire failed")
	}
}

func (p *Pool) leaseRelease(entryID string) {
	if p.leases == nil {
		return
	}
	if err := p.leases.Release(entryID); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("pool: shared lease release failed")
	}
}

// Release reverts a selection's entries back to AVAILABLE, used on
// scheduler failure or lease expiry.
func (p *Pool) Release(sel *Selection) {
	shard := p.shardFor(sel.Currency)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	for _, e := range sel.Entries {
		e.State = StateAvailable
		e.ReservedBySession = ""
		p.leaseRelease(e.PoolEntryID)
	}
}

// Spend marks a selection's entries permanently consumed once its
// withdrawal has confirmed.
func (p *Pool) Spend(sel *Selection) {
	shard := p.shardFor(sel.Currency)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	for _, e := range sel.Entries {
		e.State = StateSpent
		p.leaseRelease(e.PoolEntryID)
	}
}

// SweepExpiredLeases releases every RESERVED entry whose lease has
// expired back to AVAILABLE, run periodically by a governor timer.
func (p *Pool) SweepExpiredLeases() int {
	now := time.Now()
	released := 0
	for _, shard := range p.shards {
		shard.mu.Lock()
		for _, classes := range shard.entries {
			for _, entries := range classes {
				for _, e := range entries {
					if e.State == StateReserved && now.After(e.ReservedUntil) {
						e.State = StateAvailable
						e.ReservedBySession = ""
						p.leaseRelease(e.PoolEntryID)
						released++
					}
				}
			}
		}
		shard.mu.Unlock()
	}
	if released > 0 && p.logger != nil {
		p.logger.WithFields(map[string]interface{}{"released": released}).Info("pool: swept expired reservation leases")
	}
	return released
}

// DistinctOrigins reports how many distinct non-self origins currently
// have AVAILABLE mixable inventory for currency, letting a session
// waiting on the anonymity floor poll without attempting (and failing) a
// full Select.
func (p *Pool) DistinctOrigins(currency, excludeSessionID string) int {
	shard := p.shardFor(currency)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	origins := make(map[string]bool)
	for _, entries := range shard.classes(currency) {
		for _, e := range entries {
			if e.State == StateAvailable && !e.NonMixable && e.OriginSessionID != excludeSessionID {
				origins[e.OriginSessionID] = true
			}
		}
	}
	return len(origins)
}

// shuffleTiesAtSameAvailability randomizes the order of entries sharing an
// identical AvailableAt timestamp using CSPRNG draws, so selection among
// equally-old candidates doesn't always prefer the same slice position.
func shuffleTiesAtSameAvailability(entries []*PooledAmount) {
	start := 0
	for start < len(entries) {
		end := start + 1
		for end < len(entries) && entries[end].AvailableAt.Equal(entries[start].AvailableAt) {
			end++
		}
		for i := end - 1; i > start; i-- {
			j := start + int(cryptoRandN(int64(i-start+1)))
			entries[i], entries[j] = entries[j], entries[i]
		}
		start = end
	}
}

// cryptoRandN returns a uniform random int64 in [0, n).
func cryptoRandN(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Int64()
}
