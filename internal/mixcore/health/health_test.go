package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorTransitionsToFailedAfterThreshold(t *testing.T) {
	m := NewMonitor(MonitorConfig{Alpha: 0.2, FailThreshold: 3, RecoverThreshold: 2})
	m.RecordFailure("btc-1")
	m.RecordFailure("btc-1")
	// Only a HEALTHY endpoint degrades on a failure below the threshold; a
	// never-healthy one stays UNKNOWN until it reaches FAILED.
	require.Equal(t, StatusUnknown, m.Snapshot("btc-1").Status)
	m.RecordFailure("btc-1")
	require.Equal(t, StatusFailed, m.Snapshot("btc-1").Status)
}

func TestMonitorRecoversAfterThreshold(t *testing.T) {
	m := NewMonitor(DefaultMonitorConfig())
	for i := 0; i < 3; i++ {
		m.RecordFailure("eth-1")
	}
	require.Equal(t, StatusFailed, m.Snapshot("eth-1").Status)

	m.RecordSuccess("eth-1", 10*time.Millisecond)
	m.RecordSuccess("eth-1", 10*time.Millisecond)
	require.Equal(t, StatusHealthy, m.Snapshot("eth-1").Status)
}

func TestFailoverAdminClassErrorsWithoutFallback(t *testing.T) {
	m := NewMonitor(DefaultMonitorConfig())
	f := NewFailover(m)
	f.SetPolicy(ClassAdmin, FailoverPolicy{Primary: "admin-rpc", Fallback: ""})

	for i := 0; i < 3; i++ {
		m.RecordFailure("admin-rpc")
	}

	_, err := f.Select(ClassAdmin)
	require.ErrorIs(t, err, ErrAdminNoFallback)
}

func TestFailoverSwitchesOnPrimaryDown(t *testing.T) {
	m := NewMonitor(DefaultMonitorConfig())
	f := NewFailover(m)
	f.SetPolicy(ClassBlockchain, FailoverPolicy{Primary: "p", Fallback: "f"})

	ep, err := f.Select(ClassBlockchain)
	require.NoError(t, err)
	require.Equal(t, "p", ep)

	for i := 0; i < 3; i++ {
		m.RecordFailure("p")
	}
	ep, err = f.Select(ClassBlockchain)
	require.NoError(t, err)
	require.Equal(t, "f", ep)
}

func TestAlertManagerDedupsWithinCooldown(t *testing.T) {
	var dispatched []string
	am := NewAlertManager(AlertManagerConfig{}, nil, func(channel string, a *Alert) {
		dispatched = append(dispatched, a.ID)
	})
	am.AddRule(Rule{
		ID:         "chain-down",
		Match:      func(component, metric string, sev AlertSeverity) bool { return component == "chainfacade" },
		Severity:   AlertError,
		Channels:   []string{"ops"},
		Cooldown:   time.Hour,
		MaxPerHour: 100,
	})

	fired1 := am.Fire("chainfacade", "health", "btc-1", "endpoint down", AlertError)
	fired2 := am.Fire("chainfacade", "health", "btc-1", "endpoint down", AlertError)

	require.Len(t, fired1, 1)
	require.Len(t, fired2, 0, "second fire within cooldown should be suppressed")
	require.Len(t, dispatched, 1)
}

func TestAlertManagerMaintenanceModeSuppresses(t *testing.T) {
	var dispatched int
	am := NewAlertManager(AlertManagerConfig{}, nil, func(channel string, a *Alert) { dispatched++ })
	am.AddRule(Rule{
		ID:         "r1",
		Match:      func(c, m string, s AlertSeverity) bool { return true },
		Severity:   AlertWarning,
		Channels:   []string{"ops"},
		Cooldown:   time.Minute,
		MaxPerHour: 100,
	})
	am.SetMaintenanceMode(true, "deploy")

	fired := am.Fire("x", "y", "z", "title", AlertWarning)
	require.Len(t, fired, 1)
	require.True(t, fired[0].Suppressed)
	require.Equal(t, 0, dispatched)
}

func TestSuppressSilencesRuleForDuration(t *testing.T) {
	dispatched := 0
	am := NewAlertManager(AlertManagerConfig{}, nil, func(channel string, a *Alert) { dispatched++ })
	am.AddRule(Rule{
		ID:       "r1",
		Match:    func(component, metric string, severity AlertSeverity) bool { return true },
		Severity: AlertError,
		Channels: []string{"ops"},
	})

	require.True(t, am.Suppress("r1", time.Hour, "planned maintenance"))
	fired := am.Fire("pool", "inventory", "btc", "low inventory", AlertError)
	require.Len(t, fired, 1)
	require.True(t, fired[0].Suppressed)
	require.Equal(t, 0, dispatched)

	require.False(t, am.Suppress("nope", time.Hour, "unknown rule"))
}

func TestTestChannelReportsNotifierPresence(t *testing.T) {
	var gotChannel string
	am := NewAlertManager(AlertManagerConfig{}, nil, func(channel string, a *Alert) { gotChannel = channel })
	require.True(t, am.TestChannel("pagerduty"))
	require.Equal(t, "pagerduty", gotChannel)

	silent := NewAlertManager(AlertManagerConfig{}, nil, nil)
	require.False(t, silent.TestChannel("pagerduty"))
}
