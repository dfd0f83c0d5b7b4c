package governor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/metrics"
)

// TimerKind distinguishes recurring timers from one-shot timers in the
// registry.
type TimerKind string

const (
	TimerInterval TimerKind = "interval"
	TimerOneshot  TimerKind = "oneshot"
)

// timerEntry is the registry's bookkeeping for one timer handle.
type timerEntry struct {
	kind        TimerKind
	description string
	createdAt   time.Time
	stop        func()
}

// Thresholds configures the memory-pressure response.
type Thresholds struct {
	WarningFraction  float64 // e.g. 0.8
	CriticalFraction float64 // e.g. 0.9
	MonitorInterval  time.Duration
}

// DefaultThresholds mirrors the resource.{heap_warning, heap_critical,
// monitor_interval_s} defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningFraction: 0.8, CriticalFraction: 0.9, MonitorInterval: 30 * time.Second}
}

// Governor is the explicit, passed-in Core context value that owns the
// timer registry and the collection registry; there is no hidden
// process-wide state. Its Shutdown is the drop signal: all timers and collections are
// cleared.
type Governor struct {
	mu          sync.Mutex
	timers      map[string]*timerEntry
	collections map[string]Collection

	thresholds Thresholds
	logger     *logging.Logger
	metrics    *metrics.Metrics

	stopSampler chan struct{}
	samplerOnce sync.Once
}

// New creates a Governor. logger/metrics may be nil in tests.
func New(thresholds Thresholds, logger *logging.Logger, m *metrics.Metrics) *Governor {
	if thresholds.MonitorInterval <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Governor{
		timers:      make(map[string]*timerEntry),
		collections: make(map[string]Collection),
		thresholds:  thresholds,
		logger:      logger,
		metrics:     m,
		stopSampler: make(chan struct{}),
	}
}

// RegisterInterval registers a recurring timer under name and starts it
// immediately, ticking fn every interval until the Governor shuts down or
// UnregisterTimer(name) is called. Every long-lived timer MUST go through
// this path so shutdown can always account for it.
func (g *Governor) RegisterInterval(name, description string, interval time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(interval)

	g.mu.Lock()
	if existing, ok := g.timers[name]; ok {
		existing.stop()
	}
	g.timers[name] = &timerEntry{
		kind:        TimerInterval,
		description: description,
		createdAt:   time.Now(),
		stop: func() {
			ticker.Stop()
			cancel()
		},
	}
	g.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// RegisterOneshot registers and arms a one-shot timer under name.
func (g *Governor) RegisterOneshot(name, description string, delay time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.NewTimer(delay)

	g.mu.Lock()
	if existing, ok := g.timers[name]; ok {
		existing.stop()
	}
	g.timers[name] = &timerEntry{
		kind:        TimerOneshot,
		description: description,
		createdAt:   time.Now(),
		stop: func() {
			timer.Stop()
			cancel()
		},
	}
	g.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			g.UnregisterTimer(name)
		}
	}()
}

// UnregisterTimer stops and removes a timer from the registry.
func (g *Governor) UnregisterTimer(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.timers[name]; ok {
		e.stop()
		delete(g.timers, name)
	}
}

// TimerCount returns the number of registered timers.
func (g *Governor) TimerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// RegisterCollection adds a BoundedCollection to the collection registry so
// it participates in memory-pressure cleanup and shutdown.
func (g *Governor) RegisterCollection(name string, c Collection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collections[name] = c
}

// CollectionNames lists registered collection names, for status reporting.
func (g *Governor) CollectionNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.collections))
	for n := range g.collections {
		names = append(names, n)
	}
	return names
}

// StartMemorySampler begins the periodic memory sampler. It
// itself goes through RegisterInterval so it is visible in the registry and
// stopped uniformly on Shutdown.
func (g *Governor) StartMemorySampler() {
	g.RegisterInterval("governor.memory-sampler", "memory pressure sampler", g.thresholds.MonitorInterval, g.sampleOnce)
}

// sampleOnce measures system-wide used memory (gopsutil VirtualMemory), not
// the Go heap; the fraction is logged under heap_used_fraction.
func (g *Governor) sampleOnce(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		if g.logger != nil {
			g.logger.WithError(err).Warn("governor: memory sample failed")
		}
		return
	}

	fraction := vm.UsedPercent / 100.0

	switch {
	case fraction > g.thresholds.CriticalFraction:
		if g.logger != nil {
			g.logger.WithFields(map[string]interface{}{"heap_used_fraction": fraction}).Error("governor: emergency memory pressure")
		}
		g.emergencyCleanupAll()
	case fraction > g.thresholds.WarningFraction:
		if g.logger != nil {
			g.logger.WithFields(map[string]interface{}{"heap_used_fraction": fraction}).Warn("governor: memory warning")
		}
		g.cleanupAll()
	}
}

func (g *Governor) cleanupAll() {
	g.mu.Lock()
	cols := make([]Collection, 0, len(g.collections))
	for _, c := range g.collections {
		cols = append(cols, c)
	}
	g.mu.Unlock()

	for _, c := range cols {
		c.Cleanup()
	}
}

func (g *Governor) emergencyCleanupAll() {
	g.mu.Lock()
	cols := make([]Collection, 0, len(g.collections))
	for _, c := range g.collections {
		cols = append(cols, c)
	}
	g.mu.Unlock()

	for _, c := range cols {
		c.EmergencyCleanup()
	}
}

// Shutdown stops and removes every timer and clears every collection:
// after shutdown the timer registry is empty and all BoundedCollections
// report size = 0. The Governor holds no listeners, so none are detached.
func (g *Governor) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for name, t := range g.timers {
		t.stop()
		delete(g.timers, name)
	}
	for _, c := range g.collections {
		c.Clear()
	}
	g.collections = make(map[string]Collection)
}
