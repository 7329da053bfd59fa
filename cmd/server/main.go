// Package main runs the bounty layer API server: the REST and streaming
// API plus the background reconciliation services.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/braintheria/bounty_layer/internal/app"
	"github.com/braintheria/bounty_layer/internal/app/httpapi"
	"github.com/braintheria/bounty_layer/internal/app/metrics"
	"github.com/braintheria/bounty_layer/internal/app/services/questions"
	"github.com/braintheria/bounty_layer/internal/app/storage/postgres"
	"github.com/braintheria/bounty_layer/internal/chain"
	"github.com/braintheria/bounty_layer/internal/config"
	"github.com/braintheria/bounty_layer/internal/middleware"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	log := logger.NewDefault("server")

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	stores, closeDB, err := buildStores(cfg, log)
	if err != nil {
		log.WithError(err).Error("storage initialisation failed")
		os.Exit(1)
	}
	defer closeDB()

	opts, err := buildOptions(cfg, log)
	if err != nil {
		log.WithError(err).Error("dependency initialisation failed")
		os.Exit(1)
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		log.WithError(err).Error("application initialisation failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("service startup failed")
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", httpapi.NewHandler(application))

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, log)
	limiter.StartCleanup(10 * time.Minute)
	cors := middleware.NewCORSMiddleware([]string{"*"})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      cors.Handler(limiter.Handler(metrics.Middleware(mux))),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("listening")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown incomplete")
	}
}

// buildStores opens Postgres when a DSN is configured, falling back to the
// in-memory store otherwise.
func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}
	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	store := postgres.New(db)
	return app.Stores{
		Users:      store,
		Questions:  store,
		Answers:    store,
		Ledger:     store,
		Intents:    store,
		Acceptance: store,
	}, func() { db.Close() }, nil
}

func buildOptions(cfg *config.Config, log *logger.Logger) (app.Options, error) {
	opts := app.Options{
		SweepSchedule:    cfg.Bounty.SweepSchedule,
		RecoveryInterval: cfg.Bounty.RecoveryInterval,
	}

	minBounty, err := app.ParseAmount(cfg.Bounty.MinAmount)
	if err != nil {
		return opts, err
	}
	maxBounty, err := app.ParseAmount(cfg.Bounty.MaxAmount)
	if err != nil {
		return opts, err
	}
	opts.Limits = questions.Limits{
		MinBounty:      minBounty,
		MaxBounty:      maxBounty,
		Confirmations:  cfg.Chain.Confirmations,
		DeadlineWindow: cfg.Bounty.DeadlineWindow,
		TokenAddress:   cfg.Bounty.TokenAddress,
	}

	if cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(chain.Config{
			RPCURL:          cfg.Chain.RPCURL,
			PrivateKey:      cfg.Chain.PrivateKey,
			ContractAddress: cfg.Chain.ContractAddress,
			ChainID:         cfg.Chain.ChainID,
			GasLimit:        cfg.Chain.GasLimit,
			ConfirmTimeout:  cfg.Chain.ConfirmTimeout,
			PollInterval:    cfg.Chain.PollInterval,
		}, log)
		if err != nil {
			return opts, err
		}
		opts.Escrow = client
	}

	if cfg.Redis.Addr != "" {
		opts.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return opts, nil
}
