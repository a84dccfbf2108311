package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-router/internal/api"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/connectors"
	"github.com/xela07ax/spaceai-agent-router/internal/engine"
	"github.com/xela07ax/spaceai-agent-router/internal/identity"
	"github.com/xela07ax/spaceai-agent-router/internal/infra"
	"github.com/xela07ax/spaceai-agent-router/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
	"github.com/xela07ax/spaceai-agent-router/internal/repository/postgres"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var autoMigrate bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply database migrations before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC execution gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := infra.NewLogger(cfg.Logger)
		defer func() { _ = logger.Sync() }()

		// Background listeners stop on SIGINT/SIGTERM.
		appCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(appCtx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Auth
	if len(cfg.Auth.PublicKey) == 0 {
		return errors.New("auth.public_key_path or AUTH_PUBLIC_KEY_DATA is required")
	}
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return err
	}
	validator := auth.NewBaseValidator(pubKey)

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Persistence: Postgres when configured, memory otherwise.
	var (
		persister policy.Persister = policy.NopPersister{}
		storage   audit.Storage
		events    api.EventLister
	)
	if cfg.Database.URL != "" {
		pool, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		if autoMigrate {
			n, err := postgres.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Int("count", n))
		}
		persister = postgres.NewPolicyRepo(pool)
		eventRepo := postgres.NewEventRepo(pool)
		storage, events = eventRepo, eventRepo
	} else {
		logger.Warn("database.url is empty: policies and events are kept in memory only")
		mem := audit.NewMemory()
		storage, events = mem, mem
	}

	journal := audit.NewJournal(storage, logger, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval)
	journal.ObserveBuffer(func(n int) { metrics.AuditBufferFill.Set(float64(n)) })
	journal.Start()
	defer journal.Stop()

	// 4. Registries: remote over gRPC, or in-process.
	var (
		resolver   identity.Resolver
		reputation engine.ReputationRegistry
		validation engine.ValidationRegistry
	)
	if cfg.Registry.Addr != "" {
		conn, err := grpc.NewClient(cfg.Registry.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect to registries: %w", err)
		}
		defer conn.Close()
		remote := connectors.NewGRPCRegistry(conn, cfg.Registry.Timeout)
		resolver, reputation, validation = remote, remote, remote
	} else {
		local := identity.NewRegistry()
		if err := seedIdentity(cfg.Registry.Strategies, local); err != nil {
			return err
		}
		mock := &connectors.MockRegistry{MaxLatency: 50 * time.Millisecond}
		resolver, reputation, validation = local, mock, mock
	}

	guard := engine.NewRegistryGuard(reputation, validation, engine.GuardSettings{
		RatePerSecond:       cfg.Registry.RatePerSecond,
		Burst:               cfg.Registry.Burst,
		Attempts:            cfg.Registry.Attempts,
		CallTimeout:         cfg.Registry.Timeout,
		OpenTimeout:         cfg.Registry.CBTimeout,
		ConsecutiveFailures: cfg.Registry.CBFailureThreshold,
	}, metrics)
	outbox := engine.NewOutbox(guard, guard, cfg.Engine.OutboxLimit, metrics, logger)
	go outbox.Run(ctx, cfg.Engine.OutboxInterval)

	// 5. Policy store and authorizations, cold start from the persister.
	catalog := policy.NewCatalog(time.Now)
	if cfg.Engine.TemplatesFile != "" {
		n, err := catalog.LoadFile(cfg.Engine.TemplatesFile)
		if err != nil {
			return err
		}
		logger.Info("templates loaded", zap.Int("count", n), zap.String("file", cfg.Engine.TemplatesFile))
	}
	store := policy.NewStore(resolver, catalog, logger, policy.WithPersister(persister), policy.WithEmitter(journal))
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	grants := policy.NewAuthorizations(persister, logger)
	if err := grants.Load(ctx); err != nil {
		return fmt.Errorf("load authorizations: %w", err)
	}

	// 6. Venue
	oracle := venue.NewStaticOracle(cfg.Engine.OracleMaxAge, time.Now)
	ledger := venue.NewLedger(oracle, cfg.Engine.LiquidationThresholdBps)
	if err := seedVenue(ctx, cfg.Engine, oracle, ledger); err != nil {
		return err
	}

	// 7. Policy signals and the writer lease between instances.
	deps := engine.Deps{
		Resolver: resolver,
		Policies: store,
		Grants:   grants,
		Venue:    ledger,
		Outbox:   outbox,
		Emitter:  journal,
		Metrics:  metrics,
		Logger:   logger,
	}
	var (
		signals *engine.PolicySignals
		lease   *engine.WriterLease
	)
	if cfg.Redis.Addr != "" {
		// Followers reload from Postgres; there is nothing to share without it.
		if cfg.Database.URL == "" {
			return errors.New("redis.addr requires database.url")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()

		signals = engine.NewPolicySignals(rdb, store, logger)
		if err := signals.Warmup(ctx); err != nil {
			logger.Warn("policy signal warm-up failed", zap.Error(err))
		}
		if err := signals.Init(ctx); err != nil {
			return fmt.Errorf("failed to init policy signals: %w", err)
		}
		lease = engine.NewWriterLease(rdb, infra.RedisKeyWriterLease, cfg.Engine.WriterLeaseTTL, logger)
		deps.Signals, deps.Lease = signals, lease
	}

	router := engine.NewRouter(deps)
	if signals != nil {
		go signals.Listen(ctx, router)
		go lease.Run(ctx, router.TakeOver)
	}

	// 8. HTTP
	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewServer(api.Deps{
			Router:    router,
			Venue:     ledger,
			Events:    events,
			Validator: validator,
			Gatherer:  reg,
			Logger:    logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server started", zap.String("addr", srv.Addr), zap.String("gateway", router.ID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// 9. gRPC
	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator)))
		engine.RegisterRouterServer(grpcSrv, engine.NewGRPCGatewayServer(router))
		go func() {
			logger.Info("gRPC server started", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	// 10. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("router stopping...")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	// Last chance for queued registry submissions.
	outbox.Flush(shutdownCtx)
	logger.Info("router exited properly")
	return nil
}
