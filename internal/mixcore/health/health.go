// Package health implements the per-endpoint health signal and the
// connection failover and alert core: failover policies per request class,
// rule-based alerting with fingerprint dedup, cooldown, escalation and
// maintenance mode.
package health

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/mixcore/infrastructure/logging"
)

// Status is one of the four endpoint health states.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// Snapshot is the per-endpoint health snapshot. Each endpoint's
// Snapshot is writer-private to that endpoint's probe goroutine; readers
// see only Monitor.Snapshot's published copy.
type Snapshot struct {
	EndpointID          string
	Status              Status
	ConsecutiveFailures int
	EWMALatencyMS       float64
	LastOKAt            time.Time
}

// MonitorConfig tunes the EWMA and threshold behavior.
type MonitorConfig struct {
	Alpha            float64 // EWMA smoothing factor
	FailThreshold    int     // consecutive failures -> FAILED
	RecoverThreshold int     // consecutive successes -> HEALTHY
}

// DefaultMonitorConfig uses an EWMA alpha of 0.2.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Alpha: 0.2, FailThreshold: 3, RecoverThreshold: 2}
}

// Monitor tracks HealthSnapshots for a set of endpoints (chain adapters,
// transports). One Monitor instance is shared process-wide per currency/
// transport namespace, constructed explicitly and passed into components —
// no singleton.
type Monitor struct {
	mu        sync.RWMutex
	cfg       MonitorConfig
	snapshots map[string]*Snapshot
	streaks   map[string]int // positive = consecutive successes, negative = consecutive failures
	listeners []func(endpointID string, from, to Status)
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.2
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.RecoverThreshold <= 0 {
		cfg.RecoverThreshold = 2
	}
	return &Monitor{
		cfg:       cfg,
		snapshots: make(map[string]*Snapshot),
		streaks:   make(map[string]int),
	}
}

// OnTransition registers a callback invoked whenever an endpoint's Status
// changes, used by the failover policy and the alert manager.
func (m *Monitor) OnTransition(fn func(endpointID string, from, to Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// RecordSuccess records a successful probe/request with its latency.
func (m *Monitor) RecordSuccess(endpointID string, latency time.Duration) {
	m.mu.Lock()
	snap, from := m.getOrInit(endpointID)
	snap.ConsecutiveFailures = 0
	snap.LastOKAt = time.Now()
	latMS := float64(latency.Milliseconds())
	if snap.EWMALatencyMS == 0 {
		snap.EWMALatencyMS = latMS
	} else {
		snap.EWMALatencyMS = m.cfg.Alpha*latMS + (1-m.cfg.Alpha)*snap.EWMALatencyMS
	}

	if m.streaks[endpointID] < 0 {
		m.streaks[endpointID] = 0
	}
	m.streaks[endpointID]++
	if m.streaks[endpointID] >= m.cfg.RecoverThreshold {
		snap.Status = StatusHealthy
	} else if snap.Status == StatusFailed {
		snap.Status = StatusDegraded
	}
	to := snap.Status
	m.mu.Unlock()

	m.notify(endpointID, from, to)
}

// RecordFailure records a failed probe/request.
func (m *Monitor) RecordFailure(endpointID string) {
	m.mu.Lock()
	snap, from := m.getOrInit(endpointID)
	snap.ConsecutiveFailures++

	if m.streaks[endpointID] > 0 {
		m.streaks[endpointID] = 0
	}
	m.streaks[endpointID]--

	if snap.ConsecutiveFailures >= m.cfg.FailThreshold {
		snap.Status = StatusFailed
	} else if snap.Status == StatusHealthy {
		snap.Status = StatusDegraded
	}
	to := snap.Status
	m.mu.Unlock()

	m.notify(endpointID, from, to)
}

func (m *Monitor) getOrInit(endpointID string) (*Snapshot, Status) {
	snap, ok := m.snapshots[endpointID]
	if !ok {
		snap = &Snapshot{EndpointID: endpointID, Status: StatusUnknown}
		m.snapshots[endpointID] = snap
	}
	return snap, snap.Status
}

func (m *Monitor) notify(endpointID string, from, to Status) {
	if from == to {
		return
	}
	m.mu.RLock()
	listeners := append([]func(string, Status, Status){}, m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(endpointID, from, to)
	}
}

// Snapshot returns a copy of the endpoint's current published state.
func (m *Monitor) Snapshot(endpointID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if snap, ok := m.snapshots[endpointID]; ok {
		return *snap
	}
	return Snapshot{EndpointID: endpointID, Status: StatusUnknown}
}

// ---------------------------------------------------------------------------
// Failover policy
// ---------------------------------------------------------------------------

// RequestClass is one of the named outbound request classes.
type RequestClass string

const (
	ClassWeb        RequestClass = "web"
	ClassAPI        RequestClass = "api"
	ClassBlockchain RequestClass = "blockchain"
	ClassAdmin      RequestClass = "admin"
	ClassMonitoring RequestClass = "monitoring"
)

// FailoverPolicy is the per-class transport-selection policy.
type FailoverPolicy struct {
	Primary       string
	Fallback      string // "" (none) forces admin-class requests to error rather than degrade
	Timeout       time.Duration
	Retries       int
	AutoRecovery  bool
	RecoverAfterN int // consecutive HEALTHY probes required before restoring primary
}

// ErrAdminNoFallback is returned when an admin-class request's primary fails
// and the class has no fallback — admin MUST error rather than degrade.
var ErrAdminNoFallback = fmt.Errorf("health: admin-class request has no fallback and primary is unavailable")

// Failover selects which transport (primary or fallback) a request of class
// should use, given the Monitor's current view of primary's health.
type Failover struct {
	mu       sync.RWMutex
	monitor  *Monitor
	policies map[RequestClass]FailoverPolicy
	forced   map[RequestClass]bool // true once emergency-failover has force-switched this class
}

// NewFailover creates a Failover bound to monitor.
func NewFailover(monitor *Monitor) *Failover {
	return &Failover{monitor: monitor, policies: make(map[RequestClass]FailoverPolicy), forced: make(map[RequestClass]bool)}
}

// SetPolicy installs the policy for a request class.
func (f *Failover) SetPolicy(class RequestClass, policy FailoverPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[class] = policy
}

// Select returns the transport endpoint to use for class, or an error for
// admin-class requests whose primary is down with no fallback.
func (f *Failover) Select(class RequestClass) (string, error) {
	f.mu.RLock()
	policy, ok := f.policies[class]
	forced := f.forced[class]
	f.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("health: no failover policy for class %s", class)
	}

	primaryHealth := f.monitor.Snapshot(policy.Primary).Status
	primaryDown := primaryHealth == StatusFailed || primaryHealth == StatusDegraded

	if !forced && !primaryDown {
		return policy.Primary, nil
	}
	if policy.Fallback == "" {
		if class == ClassAdmin {
			return "", ErrAdminNoFallback
		}
		return policy.Primary, nil
	}
	return policy.Fallback, nil
}

// TriggerEmergencyFailover force-switches every non-admin class to its
// fallback when the primary cluster reports widespread failures.
func (f *Failover) TriggerEmergencyFailover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for class := range f.policies {
		if class == ClassAdmin {
			continue
		}
		f.forced[class] = true
	}
}

// ClearEmergencyFailover releases the forced-fallback state once recovery
// is confirmed.
func (f *Failover) ClearEmergencyFailover(class RequestClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced[class] = false
}

// ---------------------------------------------------------------------------
// Alert core
// ---------------------------------------------------------------------------

// AlertSeverity mirrors errtax.Severity but decoupled so health does not
// import the error-taxonomy package for a handful of string constants.
type AlertSeverity string

const (
	AlertInfo      AlertSeverity = "info"
	AlertWarning   AlertSeverity = "warning"
	AlertError     AlertSeverity = "error"
	AlertCritical  AlertSeverity = "critical"
	AlertEmergency AlertSeverity = "emergency"
)

// Rule describes when an alert fires and where it goes.
type Rule struct {
	ID         string
	Match      func(component, metric string, severity AlertSeverity) bool
	Severity   AlertSeverity
	Channels   []string
	Cooldown   time.Duration
	MaxPerHour int
	Escalation []string // channel names, applied in order after Δ_escalate
}

// Alert is one fired (and possibly escalated) alert instance.
type Alert struct {
	ID           string
	RuleID       string
	Fingerprint  string
	Title        string
	Source       string
	Severity     AlertSeverity
	Channels     []string
	CreatedAt    time.Time
	Acknowledged bool
	Resolved     bool
	Suppressed   bool
	EscalatedTo  int // index into Rule.Escalation already notified
}

func fingerprint(ruleID, title, source string) string {
	sum := sha256.Sum256([]byte(ruleID + "|" + title + "|" + source))
	return hex.EncodeToString(sum[:8])
}

// AlertManagerConfig tunes global alert behavior.
type AlertManagerConfig struct {
	EscalateAfter  time.Duration // Δ_escalate
	MaxEscalations int
	RateLimitBurst int // tokens per (category, source, hour) window
}

// suppression is one rule's temporary silence window.
type suppression struct {
	until  time.Time
	reason string
}

// AlertManager implements rule matching, fingerprint dedup, per-hour rate
// limiting, escalation and maintenance-mode suppression.
type AlertManager struct {
	mu              sync.Mutex
	cfg             AlertManagerConfig
	rules           []Rule
	active          map[string]*Alert // fingerprint -> alert
	limiters        map[string]*rate.Limiter
	suppressedRules map[string]suppression
	maintenanceMode bool
	maintenanceWhy  string
	logger          *logging.Logger
	notify          func(channel string, a *Alert)
}

// NewAlertManager creates an AlertManager. notify sends an alert to a
// channel (Slack, PagerDuty, ...); it is injected so tests can capture
// dispatches without a real transport.
func NewAlertManager(cfg AlertManagerConfig, logger *logging.Logger, notify func(channel string, a *Alert)) *AlertManager {
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 15 * time.Minute
	}
	if cfg.MaxEscalations <= 0 {
		cfg.MaxEscalations = 3
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	return &AlertManager{
		cfg:             cfg,
		active:          make(map[string]*Alert),
		limiters:        make(map[string]*rate.Limiter),
		suppressedRules: make(map[string]suppression),
		logger:          logger,
		notify:          notify,
	}
}

// AddRule registers an alert rule.
func (a *AlertManager) AddRule(r Rule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, r)
}

// Fire evaluates component/metric/severity against all rules and raises an
// alert for every match not currently within its cooldown window, honoring
// the per-(category,source,hour) rate limiter and maintenance-mode
// suppression. Emergency severity bypasses both cooldown and maintenance.
func (a *AlertManager) Fire(component, metric, source, title string, severity AlertSeverity) []*Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	var fired []*Alert
	for _, rule := range a.rules {
		if !rule.Match(component, metric, severity) {
			continue
		}

		fp := fingerprint(rule.ID, title, source)
		if existing, ok := a.active[fp]; ok && !existing.Resolved {
			if severity != AlertEmergency && time.Since(existing.CreatedAt) < rule.Cooldown {
				continue
			}
		}

		if severity != AlertEmergency {
			limiterKey := fmt.Sprintf("%s|%s|%d", component, source, time.Now().Hour())
			limiter, ok := a.limiters[limiterKey]
			if !ok {
				maxPerHour := rule.MaxPerHour
				if maxPerHour <= 0 {
					maxPerHour = a.cfg.RateLimitBurst
				}
				limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(maxPerHour)), maxPerHour)
				a.limiters[limiterKey] = limiter
			}
			if !limiter.Allow() {
				continue
			}
		}

		alert := &Alert{
			ID:          fp + "-" + time.Now().Format("150405.000"),
			RuleID:      rule.ID,
			Fingerprint: fp,
			Title:       title,
			Source:      source,
			Severity:    severity,
			Channels:    rule.Channels,
			CreatedAt:   time.Now(),
		}
		if (a.maintenanceMode || a.ruleSuppressed(rule.ID)) && severity != AlertEmergency {
			alert.Suppressed = true
		}
		a.active[fp] = alert
		fired = append(fired, alert)

		if !alert.Suppressed && a.notify != nil {
			for _, ch := range alert.Channels {
				a.notify(ch, alert)
			}
		}
	}
	return fired
}

// Escalate checks every active, unresolved alert of severity >= error and
// escalates to the next Rule.Escalation channel if it has been unresolved
// for longer than Δ_escalate, up to MaxEscalations. Intended to be driven by
// a periodic timer registered with the Governor.
func (a *AlertManager) Escalate(rules map[string]Rule) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, alert := range a.active {
		if alert.Resolved || alert.Acknowledged {
			continue
		}
		if alert.Severity != AlertError && alert.Severity != AlertCritical && alert.Severity != AlertEmergency {
			continue
		}
		if time.Since(alert.CreatedAt) < a.cfg.EscalateAfter {
			continue
		}
		rule, ok := rules[alert.RuleID]
		if !ok || alert.EscalatedTo >= len(rule.Escalation) || alert.EscalatedTo >= a.cfg.MaxEscalations {
			continue
		}
		channel := rule.Escalation[alert.EscalatedTo]
		alert.EscalatedTo++
		if a.notify != nil {
			a.notify(channel, alert)
		}
	}
}

// Acknowledge marks an alert acknowledged by actor.
func (a *AlertManager) Acknowledge(alertID, actor string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alert := range a.active {
		if alert.ID == alertID {
			alert.Acknowledged = true
			return true
		}
	}
	return false
}

// Resolve marks an alert resolved by actor.
func (a *AlertManager) Resolve(alertID, actor string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alert := range a.active {
		if alert.ID == alertID {
			alert.Resolved = true
			return true
		}
	}
	return false
}

// SetMaintenanceMode toggles maintenance mode. Turning it on suppresses all
// non-emergency alerts and marks existing actives as suppressed; turning it
// off does not un-suppress history, only future alerts.
func (a *AlertManager) SetMaintenanceMode(on bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maintenanceMode = on
	a.maintenanceWhy = reason
	if on {
		for _, alert := range a.active {
			if alert.Severity != AlertEmergency {
				alert.Suppressed = true
			}
		}
	}
}

// Suppress silences one rule for duration: matching alerts still dedupe
// and rate-limit but are created suppressed and never dispatched until
// the window lapses.
func (a *AlertManager) Suppress(ruleID string, duration time.Duration, reason string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.rules {
		if a.rules[i].ID == ruleID {
			a.suppressedRules[ruleID] = suppression{until: time.Now().Add(duration), reason: reason}
			for _, alert := range a.active {
				if alert.RuleID == ruleID && alert.Severity != AlertEmergency {
					alert.Suppressed = true
				}
			}
			return true
		}
	}
	return false
}

func (a *AlertManager) ruleSuppressed(ruleID string) bool {
	s, ok := a.suppressedRules[ruleID]
	if !ok {
		return false
	}
	if time.Now().After(s.until) {
		delete(a.suppressedRules, ruleID)
		return false
	}
	return true
}

// TestChannel sends a synthetic test alert through the notifier and
// reports whether a notifier is wired for dispatch.
func (a *AlertManager) TestChannel(channel string) bool {
	a.mu.Lock()
	notify := a.notify
	a.mu.Unlock()
	if notify == nil {
		return false
	}
	notify(channel, &Alert{
		ID:        "test-" + time.Now().Format("150405.000"),
		Title:     "test alert",
		Severity:  AlertInfo,
		Channels:  []string{channel},
		CreatedAt: time.Now(),
	})
	return true
}

// MaintenanceMode reports the current maintenance-mode state and reason.
func (a *AlertManager) MaintenanceMode() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maintenanceMode, a.maintenanceWhy
}

// Active returns a snapshot of all currently active (unresolved) alerts.
func (a *AlertManager) Active() []*Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Alert, 0, len(a.active))
	for _, alert := range a.active {
		if !alert.Resolved {
			out = append(out, alert)
		}
	}
	return out
}
