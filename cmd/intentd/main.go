package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/intentguard/internal/audit"
	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/engine"
	"github.com/xela07ax/intentguard/internal/envelope"
	"github.com/xela07ax/intentguard/internal/facts"
	"github.com/xela07ax/intentguard/internal/infra"
	"github.com/xela07ax/intentguard/internal/infra/auth"
	"github.com/xela07ax/intentguard/internal/policy"
	"github.com/xela07ax/intentguard/internal/program"
	"github.com/xela07ax/intentguard/internal/repository/postgres"
	"github.com/xela07ax/intentguard/internal/store"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("intentd failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 3. Хранилище инстансов (+ Postgres для аудита, если настроен)
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		p, err := postgres.NewPool(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer p.Close()
		if err := postgres.EnsureSchema(appCtx, p); err != nil {
			return err
		}
		pool = p
	}

	var rdb redis.UniversalClient
	if cfg.Engine.Store == infra.StoreRedis || (cfg.Engine.Store == infra.StorePostgres && cfg.Engine.ConfigCache) {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	st, err := buildStore(appCtx, cfg, pool, rdb, logger)
	if err != nil {
		return err
	}

	// 4. Аудит: Postgres пачками или zap как запасной вариант
	var auditStorage audit.Storage = audit.NewLogStorage(logger)
	if pool != nil {
		auditStorage = postgres.NewAuditRepo(pool)
	}
	journal := audit.NewJournal(auditStorage, audit.JournalConfig{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, metrics.AuditBufferFill, logger)
	journal.Start()
	defer journal.Stop()

	// 5. Чтение фактов: ethclient -> лимитер/ретраи/Circuit Breaker -> провайдер
	var caller facts.Caller = facts.NoBackend{}
	var clock facts.Clock = facts.SystemClock{}
	if cfg.Engine.RPCURL != "" {
		client, err := ethclient.DialContext(appCtx, cfg.Engine.RPCURL)
		if err != nil {
			return fmt.Errorf("rpc dial: %w", err)
		}
		defer client.Close()

		rel := facts.DefaultReliabilityConfig()
		rel.RatePerSecond = cfg.Engine.RPCRatePerSecond
		rel.Burst = cfg.Engine.RPCBurst
		rel.Attempts = cfg.Engine.RPCAttempts
		rel.ReadTimeout = cfg.Engine.ReadTimeout
		rel.ThrottleDelay = cfg.Engine.RPCThrottleDelay
		rel.TripAfter = cfg.Engine.CBTripAfter
		rel.OpenTimeout = cfg.Engine.CBTimeout
		rel.HalfOpenReqs = cfg.Engine.CBMaxRequests
		caller = facts.NewReliableCaller(client, rel, metrics, logger)

		if cfg.Engine.Clock == infra.ClockChain {
			clock = facts.NewChainClock(client, cfg.Engine.ReadTimeout)
		}
	} else {
		logger.Warn("engine.rpc_url is empty: every fact-reading check will fail")
	}

	extra, err := facts.ParseAllowlist(cfg.Engine.StaticCallAllowlist)
	if err != nil {
		return err
	}
	factory := facts.NewFactory(caller, facts.Options{
		GasCap:         cfg.Engine.GasCap,
		MaxReturnBytes: cfg.Engine.MaxReturnBytes,
		Extra:          extra,
		Observer:       metrics,
	})

	// 6. Ядро: верификатор конвертов + модуль политики
	if !common.IsHexAddress(cfg.Engine.VerifyingContract) {
		return errors.New("engine.verifying_contract must be a hex address")
	}
	verifier := envelope.NewVerifier(envelope.Domain{
		Name:              cfg.Engine.DomainName,
		Version:           cfg.Engine.DomainVersion,
		ChainID:           big.NewInt(cfg.Engine.ChainID),
		VerifyingContract: common.HexToAddress(cfg.Engine.VerifyingContract),
	})
	module := policy.New(st, verifier,
		func(ic domain.InstanceConfig) program.Facts { return factory.ForInstance(ic) },
		policy.Options{
			Limits: program.Limits{
				MaxChecks:       cfg.Engine.MaxChecks,
				MaxProgramBytes: cfg.Engine.MaxProgramBytes,
				MaxArgsBytes:    cfg.Engine.MaxStaticCallArgs,
			},
			Clock:          clock,
			VerdictTimeout: cfg.Engine.VerdictTimeout,
			Auditor:        journal,
			Recorder:       metrics,
			Logger:         logger,
		})

	// 7. Периметр: RS256 токены аккаунтов
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	validator := auth.NewBaseValidator(pubKey)

	bodyLimit := engine.BodyLimit(cfg.Engine.MaxProgramBytes, cfg.Engine.MaxCallDataBytes)
	gateway := engine.NewGateway(module, validator, logger).WithBodyLimit(bodyLimit)
	if pool != nil {
		gateway.WithAuditReader(postgres.NewAuditRepo(pool))
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gateway,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger)),
		grpc.MaxRecvMsgSize(int(bodyLimit)),
	)
	engine.RegisterPolicyServiceServer(grpcSrv, engine.NewGRPCPolicyServer(module, logger))

	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		logger.Info("gRPC server started", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		logger.Info("intentd started", zap.String("addr", srv.Addr), zap.String("store", cfg.Engine.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// 8. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("intentd stopping...")
	case err := <-errCh:
		logger.Error("server failed, stopping", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("intentd exited properly")
	return nil
}

// buildStore выбирает бэкенд и при необходимости оборачивает его кэшем конфигов.
func buildStore(ctx context.Context, cfg *infra.Config, pool *pgxpool.Pool, rdb redis.UniversalClient, logger *zap.Logger) (store.Store, error) {
	var base store.Store
	switch cfg.Engine.Store {
	case infra.StoreMemory:
		return store.NewMemoryStore(), nil
	case infra.StoreRedis:
		base = store.NewRedisStore(rdb)
	case infra.StorePostgres:
		if pool == nil {
			return nil, errors.New("postgres store requires database.url")
		}
		base = postgres.NewInstanceRepo(pool)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Engine.Store)
	}
	if !cfg.Engine.ConfigCache {
		return base, nil
	}
	cached := store.NewCachedStore(base, rdb, logger)
	if rdb != nil {
		go cached.Listen(ctx)
	}
	return cached, nil
}
