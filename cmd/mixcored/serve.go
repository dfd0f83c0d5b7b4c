package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/metrics"
	"github.com/r3e-network/mixcore/infrastructure/middleware"
	"github.com/r3e-network/mixcore/infrastructure/service"
	"github.com/r3e-network/mixcore/infrastructure/state"
	"github.com/r3e-network/mixcore/internal/mixcore/api"
	"github.com/r3e-network/mixcore/internal/mixcore/audit"
	"github.com/r3e-network/mixcore/internal/mixcore/chainfacade"
	"github.com/r3e-network/mixcore/internal/mixcore/engine"
	"github.com/r3e-network/mixcore/internal/mixcore/governor"
	"github.com/r3e-network/mixcore/internal/mixcore/health"
	"github.com/r3e-network/mixcore/internal/mixcore/pool"
	"github.com/r3e-network/mixcore/internal/mixcore/scheduler"
	"github.com/r3e-network/mixcore/internal/mixcore/session"
	"github.com/r3e-network/mixcore/internal/storage"
	"github.com/r3e-network/mixcore/pkg/config"
	"github.com/r3e-network/mixcore/pkg/logger"
)

const version = "1.0.0"

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfg *config.Config
	var err error
	if strings.TrimSpace(*configPath) != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixcored: load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "mixcored: %v\n", err)
		return 1
	}

	cliLog := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
	log := logging.New("mixcored", cfg.Logging.Level, cfg.Logging.Format)

	core, err := buildCore(cfg, log)
	if err != nil {
		cliLog.Errorf("startup failed: %v", err)
		return 1
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.engine.Start(rootCtx); err != nil {
		cliLog.Errorf("engine start failed: %v", err)
		return 1
	}
	core.governor.StartMemorySampler()

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           core.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(srv, 30*time.Second)
	shutdown.OnShutdown(func() {
		core.probes.SetReady(false)
		core.engine.Stop()
		core.escalation.Stop()
		core.governor.Shutdown()
		cancel()
	})
	shutdown.ListenForSignals()

	cliLog.Infof("mixcored %s listening on %s", version, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cliLog.Errorf("server failed: %v", err)
		return 1
	}
	shutdown.Wait()
	return 0
}

// core bundles everything serve owns.
type core struct {
	engine     *engine.Engine
	governor   *governor.Governor
	handler    http.Handler
	probes     *service.ProbeManager
	escalation *health.EscalationRunner
}

// buildCore assembles the component graph from configuration: no process
// globals, every component handed its collaborators explicitly; dropping
// the returned struct (after Stop/Shutdown) is the shutdown signal.
func buildCore(cfg *config.Config, log *logging.Logger) (*core, error) {
	m := metrics.New("mixcore")

	// Persistence: SQL-backed when configured, in-memory otherwise.
	var backend state.PersistenceBackend
	var auditBackend audit.Backend
	var vault session.Vault
	if cfg.Storage.StorageURL != "" {
		db, err := sql.Open(cfg.Storage.Driver, cfg.Storage.StorageURL)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		zlog := zerolog.New(os.Stderr).With().Timestamp().Str("component", "storage").Logger()
		store, err := storage.New(db, []byte(cfg.Storage.MasterKey), zlog)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(context.Background()); err != nil {
			return nil, err
		}
		backend, auditBackend, vault = store, store, store
	} else {
		log.WithFields(map[string]interface{}{"storage": "memory"}).Warn("no storage_url configured; state will not survive restarts")
		mem := state.NewMemoryBackend(time.Minute)
		backend = mem
		auditBackend = audit.NewStateBackend(mem)
	}

	auditLog := audit.New(auditBackend)
	sessions := session.NewStore(backend, auditLog, vault, log)

	monitor := health.NewMonitor(health.DefaultMonitorConfig())
	registry := chainfacade.NewRegistry(monitor)

	ladders := make(map[string]pool.DenominationLadder, len(cfg.Currencies))
	policies := make(map[string]engine.CurrencyPolicy, len(cfg.Currencies))
	for name, cur := range cfg.Currencies {
		ladders[name] = pool.DenominationLadder(cur.Denominations)
		policies[name] = engine.CurrencyPolicy{
			ConfirmationsRequired: cur.ConfirmationsRequired,
			MinAmount:             cur.MinAmount,
			MaxAmount:             cur.MaxAmount,
		}
		adapter, err := buildAdapter(name, cur, monitor, log)
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.KMin = cfg.Mixing.KMin
	poolCfg.LeaseTTL = cfg.Mixing.LeaseTTL()
	liquidity := pool.New(poolCfg, ladders, log)

	fiber := scheduler.NewFiber(registry, monitor, scheduler.RetryPolicy{
		MaxFeeBumps:        cfg.Mixing.RetryBudget,
		MaxFeeBumpMultiple: 2.0,
	}, log)

	gov := governor.New(governor.Thresholds{
		WarningFraction:  cfg.Resource.HeapWarning,
		CriticalFraction: cfg.Resource.HeapCritical,
		MonitorInterval:  time.Duration(cfg.Resource.MonitorIntervalS) * time.Second,
	}, log, m)

	engCfg := engine.DefaultConfig()
	engCfg.Currencies = policies
	engCfg.PlanParams = scheduler.PlanParams{
		MinDelay:     cfg.Mixing.MinDelay(),
		MaxDelay:     cfg.Mixing.MaxDelay(),
		InterHopMean: cfg.Mixing.InterHopMean(),
		JitterMax:    cfg.Mixing.JitterMax(),
	}
	eng := engine.New(engCfg, sessions, liquidity, fiber, registry, gov, auditLog, backend, log)

	escalateAfter := 15 * time.Minute
	if len(cfg.Alerts.EscalationTimeouts) > 0 {
		escalateAfter = time.Duration(cfg.Alerts.EscalationTimeouts[0]) * time.Second
	}
	alerts := health.NewAlertManager(health.AlertManagerConfig{
		EscalateAfter:  escalateAfter,
		RateLimitBurst: cfg.Alerts.MaxPerHour,
	}, log, nil)
	if cfg.Alerts.MaintenanceMode {
		alerts.SetMaintenanceMode(true, "enabled at startup")
	}
	alerts.AddRule(health.Rule{
		ID: "chain-endpoint-failed",
		Match: func(component, metric string, severity health.AlertSeverity) bool {
			return component == "chainfacade" && metric == "endpoint_health"
		},
		Severity:   health.AlertError,
		Channels:   cfg.Alerts.Channels,
		Cooldown:   time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
		MaxPerHour: cfg.Alerts.MaxPerHour,
		Escalation: cfg.Alerts.Channels,
	})
	monitor.OnTransition(func(endpointID string, from, to health.Status) {
		if to == health.StatusFailed {
			alerts.Fire("chainfacade", "endpoint_health", endpointID,
				fmt.Sprintf("chain endpoint %s reported FAILED", endpointID), health.AlertError)
		}
	})
	escalation, err := health.NewEscalationRunner(alerts, time.Minute)
	if err != nil {
		return nil, err
	}
	escalation.Start()

	apiServer := api.NewServer(eng, registry, alerts, cfg.Currencies, m, gov, log)

	// Operator probes and deep health on the same mux.
	probes := service.NewProbeManager(10 * time.Second)
	probes.SetReady(true)
	checker := service.NewDeepHealthChecker(5 * time.Second)
	started := time.Now()
	rootMux := http.NewServeMux()
	rootMux.Handle("/", apiServer.Handler())
	probes.RegisterProbeRoutes(rootMux)
	rootMux.HandleFunc("/health/deep", service.DeepHealthHandler(checker, "mixcore", version, false, func() time.Duration {
		return time.Since(started)
	}))

	return &core{
		engine:     eng,
		governor:   gov,
		handler:    rootMux,
		probes:     probes,
		escalation: escalation,
	}, nil
}

// buildAdapter instantiates the capability variant configured for a
// currency.
func buildAdapter(name string, cur config.CurrencyConfig, monitor *health.Monitor, log *logging.Logger) (chainfacade.ChainAdapter, error) {
	endpoints := strings.Split(cur.Endpoint, ",")
	client, err := chainfacade.NewPooledRPCClient(endpoints, 30*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("currency %s: %w", name, err)
	}

	switch cur.Kind {
	case "utxo", "":
		// Push-based deposit sightings when the node exposes a websocket
		// subscription; the adapter falls back to polling if the dial
		// fails.
		listener := chainfacade.NewDepositListener(endpoints[0], log)
		if err := listener.Connect(context.Background()); err != nil {
			log.WithError(err).WithFields(map[string]interface{}{"currency": name}).Warn("deposit subscription unavailable, polling instead")
			listener = nil
		}
		return chainfacade.NewUTXOChainAdapter(chainfacade.UTXOConfig{
			Currency:              chainfacade.Currency(name),
			Client:                client,
			ConfirmationsRequired: cur.ConfirmationsRequired,
			Listener:              listener,
		}, monitor), nil
	case "account":
		return chainfacade.NewAccountChainAdapter(chainfacade.AccountConfig{
			Currency:           chainfacade.Currency(name),
			Client:             client,
			ConfirmationBlocks: int(cur.ConfirmationsRequired),
		}, monitor), nil
	case "account_shielded":
		return chainfacade.NewShieldedChainAdapter(chainfacade.AccountConfig{
			Currency:           chainfacade.Currency(name),
			Client:             client,
			ConfirmationBlocks: int(cur.ConfirmationsRequired),
		}, monitor), nil
	case "high_throughput":
		return chainfacade.NewHighThroughputChainAdapter(chainfacade.HighThroughputConfig{
			Currency: chainfacade.Currency(name),
			Client:   client,
		}, monitor), nil
	default:
		return nil, fmt.Errorf("currency %s: unknown adapter kind %q", name, cur.Kind)
	}
}
