package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/metrics"
	"github.com/r3e-network/mixcore/infrastructure/state"
	"github.com/r3e-network/mixcore/internal/mixcore/audit"
	"github.com/r3e-network/mixcore/internal/mixcore/chainfacade"
	"github.com/r3e-network/mixcore/internal/mixcore/engine"
	"github.com/r3e-network/mixcore/internal/mixcore/governor"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
	"github.com/r3e-network/mixcore/internal/mixcore/pool"
	"github.com/r3e-network/mixcore/internal/mixcore/scheduler"
	"github.com/r3e-network/mixcore/internal/mixcore/session"
	"github.com/r3e-network/mixcore/pkg/config"
)

type stubAdapter struct {
	currency chainfacade.Currency
}

func (s *stubAdapter) Currency() chainfacade.Currency { return s.currency }
func (s *stubAdapter) ProvisionDepositAddress(ctx context.Context) (string, string, error) {
	return "deposit-addr-1", "key-1", nil
}
func (s *stubAdapter) Watch(ctx context.Context, address string, expectedAmount int64) (<-chan chainfacade.DepositEvent, error) {
	return make(chan chainfacade.DepositEvent), nil
}
func (s *stubAdapter) BuildAndBroadcast(ctx context.Context, req chainfacade.BroadcastRequest) (chainfacade.BroadcastHandle, error) {
	return chainfacade.BroadcastHandle{Currency: req.Currency, Status: chainfacade.BroadcastSubmitted}, nil
}
func (s *stubAdapter) Confirmations(ctx context.Context, h chainfacade.BroadcastHandle) (<-chan uint32, error) {
	return make(chan uint32), nil
}
func (s *stubAdapter) ValidateAddress(address string) bool { return address != "" }
func (s *stubAdapter) Health() chainfacade.HealthReporter  { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *health.AlertManager) {
	t.Helper()

	backend := state.NewMemoryBackend(time.Minute)
	auditLog := audit.New(audit.NewStateBackend(backend))
	logger := logging.New("api-test", "error", "json")

	sessions := session.NewStore(backend, auditLog, nil, logger)
	ladders := map[string]pool.DenominationLadder{"BTC": {100000000, 10000000, 1000000}}
	liquidity := pool.New(pool.DefaultConfig(), ladders, logger)

	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	registry := chainfacade.NewRegistry(monitor)
	registry.Register(&stubAdapter{currency: "BTC"})

	fiber := scheduler.NewFiber(registry, monitor, scheduler.DefaultRetryPolicy(), logger)
	gov := governor.New(governor.DefaultThresholds(), logger, metrics.NewWithRegistry("api-test", prometheus.NewRegistry()))

	cfg := engine.DefaultConfig()
	cfg.Currencies = map[string]engine.CurrencyPolicy{"BTC": {ConfirmationsRequired: 2, MinAmount: 1000000, MaxAmount: 10000000000}}
	cfg.PlanParams = scheduler.PlanParams{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, InterHopMean: time.Millisecond, JitterMax: time.Millisecond}
	eng := engine.New(cfg, sessions, liquidity, fiber, registry, gov, auditLog, backend, logger)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))

	alerts := health.NewAlertManager(health.AlertManagerConfig{}, logger, nil)

	currencies := map[string]config.CurrencyConfig{
		"BTC": {MinAmount: 1000000, MaxAmount: 10000000000, ConfirmationsRequired: 2, Denominations: []int64{100000000, 10000000, 1000000}},
	}
	srv := NewServer(eng, registry, alerts, currencies, nil, gov, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		gov.Shutdown()
	})
	return ts, alerts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestCreateSessionReturnsDepositAddress(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]interface{}{
		"currency": "BTC",
		"amount":   30000000,
		"outputs":  []map[string]interface{}{{"address": "payout-X", "share_bps": 10000}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["session_id"])
	require.Equal(t, "deposit-addr-1", out["deposit_address"])
	require.NotEmpty(t, out["expires_at"])
}

func TestCreateSessionRejectsBadShareSum(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]interface{}{
		"currency": "BTC",
		"amount":   30000000,
		"outputs": []map[string]interface{}{
			{"address": "x", "share_bps": 7000},
			{"address": "y", "share_bps": 2000},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetSessionExposesCoarseState(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]interface{}{
		"currency": "BTC",
		"amount":   30000000,
		"outputs":  []map[string]interface{}{{"address": "payout-X", "share_bps": 10000}},
	})
	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	get, err := http.Get(ts.URL + "/v1/sessions/" + created["session_id"].(string))
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var view map[string]interface{}
	require.NoError(t, json.NewDecoder(get.Body).Decode(&view))
	require.Equal(t, "pending", view["status"])
	require.Equal(t, "awaiting_deposit", view["state"])
}

func TestGetSessionNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/sessions/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]interface{}{
		"currency": "BTC",
		"amount":   30000000,
		"outputs":  []map[string]interface{}{{"address": "payout-X", "share_bps": 10000}},
	})
	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/"+created["session_id"].(string), nil)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	require.Equal(t, http.StatusOK, del.StatusCode)
}

func TestListCurrencies(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/currencies")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Currencies []map[string]interface{} `json:"currencies"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Currencies, 1)
	require.Equal(t, "BTC", out.Currencies[0]["currency"])
}

func TestMaintenanceToggle(t *testing.T) {
	ts, alerts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/admin/maintenance", map[string]interface{}{"on": true, "reason": "upgrade"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	on, reason := alerts.MaintenanceMode()
	require.True(t, on)
	require.Equal(t, "upgrade", reason)
}
