package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	httpapi "github.com/satp-gateway/satp-gateway/internal/api/http"
	appAudit "github.com/satp-gateway/satp-gateway/internal/application/audit"
	"github.com/satp-gateway/satp-gateway/internal/application/dispatcher"
	"github.com/satp-gateway/satp-gateway/internal/application/policy"
	"github.com/satp-gateway/satp-gateway/internal/application/retry"
	"github.com/satp-gateway/satp-gateway/internal/application/transfer"
	"github.com/satp-gateway/satp-gateway/internal/config"
	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
	"github.com/satp-gateway/satp-gateway/internal/domain/session"
	"github.com/satp-gateway/satp-gateway/internal/infrastructure/evm"
	"github.com/satp-gateway/satp-gateway/internal/infrastructure/keystore"
	"github.com/satp-gateway/satp-gateway/internal/infrastructure/postgres"
	"github.com/satp-gateway/satp-gateway/internal/infrastructure/redisstore"
	"github.com/satp-gateway/satp-gateway/internal/infrastructure/sse"
	"github.com/satp-gateway/satp-gateway/internal/migrations"
	"github.com/satp-gateway/satp-gateway/internal/simnet"
	"github.com/satp-gateway/satp-gateway/internal/simnet/state"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	var sessionRepo session.Repository = postgres.NewSessionRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool)

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sessionRepo = redisstore.NewCachedRepository(sessionRepo, redisstore.NewCache(client, time.Hour))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("session cache enabled")
	}

	// ledger connectors
	keyStore, err := keystore.NewFromEnv()
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}
	ledgers := ledger.NewRegistry()
	for _, opts := range cfg.Networks {
		adapter, err := buildAdapter(opts, logger)
		if err != nil {
			log.Fatalf("network %s: %v", opts.NetworkID, err)
		}
		if err := ledgers.Register(adapter); err != nil {
			log.Fatalf("network %s: %v", opts.NetworkID, err)
		}
	}

	// infrastructure
	sseHub := sse.NewHub()

	// services
	auditSvc := appAudit.NewService(auditRepo, cfg.AuditSigningKey, logger)
	backoff := retry.ExponentialBackoff{BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}
	machine := transfer.NewStateMachine(sessionRepo, ledgers, backoff, keyStore, sseHub, logger)
	manager := transfer.NewManager(sessionRepo, machine, auditSvc, logger)

	admission, err := policy.NewEngine(cfg.AdmissionRules, logger)
	if err != nil {
		log.Fatalf("admission rules error: %v", err)
	}
	dispatcherSvc := dispatcher.NewService(manager, ledgers, admission, dispatcher.Defaults{
		MaxRetries: cfg.DefaultMaxRetries,
		MaxTimeout: cfg.DefaultMaxTimeout,
	}, logger)

	// resume sessions interrupted by the previous run
	recovered, err := manager.Recover(ctx)
	if err != nil {
		log.Fatalf("recovery error: %v", err)
	}
	if recovered > 0 {
		logger.Info().Int("sessions", recovered).Msg("recovery started")
	}

	// API server
	apiServer := httpapi.NewServer(dispatcherSvc, manager, auditSvc, sessionRepo, ledgers, sseHub)

	// No write timeout: the SSE stream holds its response open.
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("gateway started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	sseHub.Close()
}

// buildAdapter instantiates the connector for one configured network.
func buildAdapter(opts ledger.ConnectorOptions, logger zerolog.Logger) (ledger.Adapter, error) {
	switch opts.Kind {
	case ledger.KindEVM:
		return evm.NewAdapter(opts.NetworkID, *opts.EVM, logger)
	case ledger.KindSimnet:
		if opts.Simnet.Endpoint != "" {
			return simnet.NewAdapter(opts.NetworkID, simnet.NewClient(opts.Simnet.Endpoint)), nil
		}
		return simnet.NewAdapter(opts.NetworkID, simnet.NewLocalBackend(state.NewMachine())), nil
	default:
		return nil, opts.Validate()
	}
}
