package health

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RulesByID snapshots the registered rules keyed by id, the shape
// Escalate consumes.
func (a *AlertManager) RulesByID() map[string]Rule {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Rule, len(a.rules))
	for _, r := range a.rules {
		out[r.ID] = r
	}
	return out
}

// EscalationRunner drives the periodic escalation sweep and scheduled
// maintenance windows on a cron scheduler.
type EscalationRunner struct {
	cron *cron.Cron
	am   *AlertManager
}

// NewEscalationRunner schedules the escalation sweep every interval.
func NewEscalationRunner(am *AlertManager, interval time.Duration) (*EscalationRunner, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		am.Escalate(am.RulesByID())
	})
	if err != nil {
		return nil, err
	}
	return &EscalationRunner{cron: c, am: am}, nil
}

// ScheduleMaintenance toggles maintenance mode on a cron expression, e.g.
// a nightly window.
func (r *EscalationRunner) ScheduleMaintenance(startSpec, endSpec, reason string) error {
	if _, err := r.cron.AddFunc(startSpec, func() {
		r.am.SetMaintenanceMode(true, reason)
	}); err != nil {
		return err
	}
	_, err := r.cron.AddFunc(endSpec, func() {
		r.am.SetMaintenanceMode(false, "")
	})
	return err
}

// Start begins the scheduler.
func (r *EscalationRunner) Start() { r.cron.Start() }

// Stop halts the scheduler, waiting for in-flight jobs.
func (r *EscalationRunner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
