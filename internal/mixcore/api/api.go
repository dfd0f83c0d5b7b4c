// Package api is the thin HTTP front door over the mixing core: the four
// session operations plus the operator surface (status, alerts,
// maintenance). It exposes coarse session state only; key material, pool
// composition and plan timing never leave the trust boundary.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/r3e-network/mixcore/infrastructure/httputil"
	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/metrics"
	"github.com/r3e-network/mixcore/infrastructure/middleware"
	"github.com/r3e-network/mixcore/infrastructure/service"
	"github.com/r3e-network/mixcore/internal/mixcore/chainfacade"
	"github.com/r3e-network/mixcore/internal/mixcore/engine"
	"github.com/r3e-network/mixcore/internal/mixcore/governor"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
	"github.com/r3e-network/mixcore/internal/mixcore/scheduler"
	"github.com/r3e-network/mixcore/internal/mixcore/session"
	"github.com/r3e-network/mixcore/pkg/config"
)

// Server serves the core API.
type Server struct {
	engine     *engine.Engine
	registry   *chainfacade.Registry
	alerts     *health.AlertManager
	currencies map[string]config.CurrencyConfig
	router     *mux.Router
	logger     *logging.Logger
	zlog       *zap.Logger
}

// NewServer builds the router with the shared middleware stack. gov, when
// non-nil, owns the rate limiter's periodic cleanup timer so the per-key
// limiter map stays bounded.
func NewServer(eng *engine.Engine, registry *chainfacade.Registry, alerts *health.AlertManager,
	currencies map[string]config.CurrencyConfig, m *metrics.Metrics, gov *governor.Governor, logger *logging.Logger) *Server {

	zlog, _ := zap.NewProduction()
	s := &Server{
		engine:     eng,
		registry:   registry,
		alerts:     alerts,
		currencies: currencies,
		router:     mux.NewRouter(),
		logger:     logger,
		zlog:       zlog,
	}
	limiter := s.registerRoutes(m)
	if gov != nil {
		gov.RegisterInterval("api-ratelimiter-cleanup", "prunes idle per-client rate limiters", 10*time.Minute, func(ctx context.Context) {
			limiter.Cleanup()
		})
	}
	return s
}

// Handler returns the fully-wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes(m *metrics.Metrics) *middleware.RateLimiter {
	r := s.router

	recovery := middleware.NewRecoveryMiddleware(s.logger)
	bodyLimit := middleware.NewBodyLimitMiddleware(1 << 20)
	limiter := middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(s.logger))
	security := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	cors := middleware.NewCORSMiddleware(nil)
	timeout := middleware.NewTimeoutMiddleware(30 * time.Second)
	validation := middleware.NewValidationMiddleware(middleware.DefaultValidationConfig())
	tracing := middleware.NewTracingMiddleware(s.logger)

	r.Use(recovery.Handler)
	r.Use(tracing.Handler)
	if m != nil {
		r.Use(middleware.MetricsMiddleware("mixcore-api", m))
	}
	r.Use(cors.Handler)
	r.Use(security.Handler)
	r.Use(validation.Handler)
	r.Use(bodyLimit.Handler)
	r.Use(limiter.Handler)
	r.Use(timeout.Handler)
	r.Use(s.requestTiming)

	r.HandleFunc("/v1/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}", s.handleCancelSession).Methods(http.MethodDelete)
	r.HandleFunc("/v1/currencies", s.handleListCurrencies).Methods(http.MethodGet)

	r.HandleFunc("/v1/admin/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/alerts", s.handleListAlerts).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/alerts/{id}/ack", s.handleAckAlert).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/maintenance", s.handleMaintenance).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/rules/{id}/suppress", s.handleSuppressRule).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/channels/{name}/test", s.handleTestChannel).Methods(http.MethodPost)

	r.HandleFunc("/health", middleware.LivenessHandler()).Methods(http.MethodGet)

	return limiter
}

// requestTiming records per-request latency on the low-overhead logger.
func (s *Server) requestTiming(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.zlog.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type createSessionInput struct {
	Currency      string              `json:"currency"`
	Amount        int64               `json:"amount"`
	FeeBPS        int                 `json:"fee_bps"`
	Outputs       []sessionOutputSpec `json:"outputs"`
	RefundAddress string              `json:"refund_address"`
}

type sessionOutputSpec struct {
	Address    string `json:"address"`
	ShareBPS   int    `json:"share_bps"`
	DelayHintS int    `json:"delay_hint_s"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var input createSessionInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	outputs := make([]session.Output, len(input.Outputs))
	for i, o := range input.Outputs {
		outputs[i] = session.Output{
			Address:   o.Address,
			ShareBPS:  o.ShareBPS,
			DelayHint: time.Duration(o.DelayHintS) * time.Second,
		}
	}

	view, err := s.engine.CreateSession(r.Context(), session.Request{
		Currency:       input.Currency,
		ExpectedAmount: input.Amount,
		FeeBPS:         input.FeeBPS,
		Outputs:        outputs,
		RefundAddress:  input.RefundAddress,
	})
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusUnprocessableEntity, "validation", sanitizeError(err), nil)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":      view.ID,
		"deposit_address": view.DepositAddress,
		"expires_at":      view.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.engine.Observe(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, "session not found")
		return
	}

	resp := map[string]interface{}{
		"state":                 string(view.Status),
		"status":                coarseStatus(view.Status),
		"deposit_confirmations": view.DepositConfirmations,
		"expires_at":            view.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if plan, ok := s.engine.Plan(id); ok {
		resp["hops_summary"] = summarizeHops(plan)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.engine.Cancel(r.Context(), id)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	case err == session.ErrTooLate:
		httputil.Conflict(w, "too_late")
	case strings.Contains(err.Error(), "not found"):
		httputil.NotFound(w, "session not found")
	default:
		httputil.InternalError(w, "cancel failed")
	}
}

func (s *Server) handleListCurrencies(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]interface{}, 0, len(s.currencies))
	for name, cur := range s.currencies {
		out = append(out, map[string]interface{}{
			"currency":               name,
			"min_amount":             cur.MinAmount,
			"max_amount":             cur.MaxAmount,
			"denominations":          cur.Denominations,
			"confirmations_required": cur.ConfirmationsRequired,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"currencies": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	monitor := s.registry.Health()
	endpoints := make(map[string]interface{})
	for _, c := range s.registry.Currencies() {
		snap := monitor.Snapshot(string(c))
		endpoints[string(c)] = map[string]interface{}{
			"status":               string(snap.Status),
			"consecutive_failures": snap.ConsecutiveFailures,
			"ewma_latency_ms":      snap.EWMALatencyMS,
			"last_ok_at":           snap.LastOKAt,
		}
	}
	maintenance, reason := s.alerts.MaintenanceMode()
	stats := service.NewStatsCollector().
		Add("endpoints", endpoints).
		Add("active_alerts", len(s.alerts.Active())).
		Add("maintenance_mode", maintenance).
		AddIf(maintenance, "maintenance_reason", reason).
		AddMap(middleware.RuntimeStats()).
		Build()
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"alerts": s.alerts.Active()})
}

type alertActionInput struct {
	Actor string `json:"actor"`
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	var input alertActionInput
	_ = httputil.DecodeJSON(r, &input)
	if s.alerts.Acknowledge(mux.Vars(r)["id"], input.Actor) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"result": "acknowledged"})
		return
	}
	httputil.NotFound(w, "alert not found")
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var input alertActionInput
	_ = httputil.DecodeJSON(r, &input)
	if s.alerts.Resolve(mux.Vars(r)["id"], input.Actor) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"result": "resolved"})
		return
	}
	httputil.NotFound(w, "alert not found")
}

type suppressInput struct {
	DurationS int    `json:"duration_s"`
	Reason    string `json:"reason"`
}

func (s *Server) handleSuppressRule(w http.ResponseWriter, r *http.Request) {
	var input suppressInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if input.DurationS <= 0 {
		httputil.BadRequest(w, "duration_s must be positive")
		return
	}
	if s.alerts.Suppress(mux.Vars(r)["id"], time.Duration(input.DurationS)*time.Second, input.Reason) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"result": "suppressed"})
		return
	}
	httputil.NotFound(w, "rule not found")
}

func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	ok := s.alerts.TestChannel(mux.Vars(r)["name"])
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"delivered": ok})
}

type maintenanceInput struct {
	On     bool   `json:"on"`
	Reason string `json:"reason"`
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var input maintenanceInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.alerts.SetMaintenanceMode(input.On, input.Reason)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"maintenance_mode": input.On})
}

// coarseStatus maps the internal lifecycle onto the four user-visible
// states.
func coarseStatus(st session.Status) string {
	switch st {
	case session.StatusCompleted:
		return "released"
	case session.StatusRefunded:
		return "refunded"
	case session.StatusFailed, session.StatusExpired, session.StatusCancelled:
		return "failed"
	default:
		return "pending"
	}
}

func summarizeHops(plan *scheduler.ReleasePlan) map[string]int {
	summary := make(map[string]int)
	for _, hop := range plan.Hops {
		summary[string(hop.Status)]++
	}
	return summary
}

// sanitizeError keeps internal detail inside the trust boundary: only the
// text before the first colon leaves the API, except for validation
// messages (prefix "validation", or mentioning share, amount, address or
// currency), which are returned whole.
func sanitizeError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, ':'); i > 0 {
		prefix := msg[:i]
		if prefix == "validation" || strings.Contains(msg, "share") || strings.Contains(msg, "amount") || strings.Contains(msg, "address") || strings.Contains(msg, "currency") {
			return msg
		}
		return prefix
	}
	return msg
}
