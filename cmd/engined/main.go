package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"compensa/api"
	"compensa/auth"
	"compensa/chain"
	"compensa/config"
	"compensa/db"
	"compensa/engine"
	"compensa/event"
	"compensa/external"
	"compensa/ledger"
	"compensa/match"
	"compensa/metrics"
	"compensa/rules"
	"compensa/settle"
	"compensa/viability"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		log.Error("database url is required (config [database].url or DATABASE_URL)")
		os.Exit(1)
	}
	if cfg.Auth.JWTKey == "" {
		log.Error("jwt key is required (config [auth].jwt_key or COMPENSA_JWT_KEY)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		log.Error("bootstrap database pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	table, err := loadRules(cfg.Engine.RulesPath)
	if err != nil {
		log.Error("load conversion table", "err", err)
		os.Exit(1)
	}
	log.Info("conversion table loaded", "version", table.Version())

	profiles, err := loadProfiles(cfg.Engine.ProfilesPath)
	if err != nil {
		log.Error("load risk profiles", "err", err)
		os.Exit(1)
	}

	scorer := viability.NewScorer(profiles, viability.Costs{
		Operational: cfg.Engine.OperationalCost,
		GovFees:     cfg.Engine.GovFees,
	})

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector())
	m := metrics.New(prom)

	recorder := event.NewRecorder(event.NewPGOutbox(pool, log))

	registry := ledger.NewRegistry()
	store := ledger.NewPGStore(pool)

	gov, anchor := externalClients(cfg.External, log)

	orch := settle.NewOrchestrator(registry, store, settle.NewPGStore(pool), scorer,
		gov, anchor, recorder, m, log, settle.Config{
			ViabilityThreshold: cfg.Engine.ViabilityThreshold,
			LockRetries:        cfg.Engine.LockRetries,
			LockRetryDelay:     cfg.Engine.LockRetryDelay.Duration,
			ExternalTimeout:    cfg.External.Timeout.Duration,
		})

	finder := match.NewFinder(table, scorer, cfg.Engine.MinAmount)
	builder := chain.NewBuilder(table, scorer, cfg.Engine.MinAmount, cfg.Engine.Epsilon, log)

	eng := engine.New(store, registry, finder, builder, orch, m, log, engine.Config{
		MaxDepth:  cfg.Engine.MaxDepth,
		MaxChains: cfg.Engine.MaxChains,
	})

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTKey, cfg.Auth.TokenTTL.Duration)

	server := api.NewServer(log, authSvc, eng, orch, recorder, prom)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info("engine listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
}

// loadRules falls back to the identity-only table when no file is configured:
// same tax type, same sphere, factor 1.0.
func loadRules(path string) (*rules.Table, error) {
	if path == "" {
		return rules.NewTable("builtin-identity", nil)
	}
	return rules.LoadFile(path)
}

func loadProfiles(path string) (viability.Profiles, error) {
	if path == "" {
		return viability.Profiles{
			Reliability:        map[string]float64{},
			JurisdictionRisk:   map[string]float64{},
			DefaultReliability: 0.5,
			DefaultRisk:        0.5,
		}, nil
	}
	return viability.LoadProfiles(path)
}

// externalClients picks HTTP clients when endpoints are configured and
// deterministic local doubles otherwise, so the engine runs end to end in
// development without the government registry or the ledger gateway.
func externalClients(cfg config.External, log *slog.Logger) (settle.GovRegistry, settle.LedgerAnchor) {
	var gov settle.GovRegistry
	if cfg.GovRegistryURL != "" {
		gov = external.NewHTTPGovRegistry(cfg.GovRegistryURL, cfg.GovAPIKey, cfg.Timeout.Duration)
	} else {
		log.Warn("gov registry url not set, using local double")
		gov = external.NewStaticGovRegistry()
	}

	var anchor settle.LedgerAnchor
	if cfg.AnchorURL != "" {
		anchor = external.NewHTTPLedgerAnchor(cfg.AnchorURL, cfg.AnchorAPIKey, cfg.Timeout.Duration)
	} else {
		log.Warn("ledger anchor url not set, using local double")
		anchor = external.NewStaticLedgerAnchor()
	}
	return gov, anchor
}
