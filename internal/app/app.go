package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/luonghoangminh88-hub/smsflex/internal/api"
	healthcheck "github.com/luonghoangminh88-hub/smsflex/internal/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/outbox"
	"github.com/luonghoangminh88-hub/smsflex/internal/tracing"
	"github.com/luonghoangminh88-hub/smsflex/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "smsflex",
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: cfg.TracingSampleRatio,
	}, logger.WithField("component", "tracing"))
	if err != nil {
		return err
	}
	defer tracing.Shutdown(shutdownTracing, logger)

	storage, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	registry, err := initProviders(cfg, logger)
	if err != nil {
		return err
	}
	deps, err := NewDependencies(cfg, storage, registry, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var background sync.WaitGroup

	// Брокер опционален: без него события копятся в outbox.
	publishers, err := initOutboxPublishers(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("outbox broker unavailable, continuing without publisher")
	}
	defer publishers.close()
	if publishers != nil {
		worker := outbox.NewWorker(storage.outboxRepo, publishers.primary,
			outbox.WithLogger(logger.WithFields(log.Fields{"component": "outbox-worker", "broker": publishers.broker})),
			outbox.WithDLQPublisher(publishers.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		background.Add(1)
		go func() {
			defer background.Done()
			worker.Run(runCtx)
		}()
	}

	scheduler, err := initScheduler(cfg, deps, storage, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	syncer := healthcheck.NewServingSyncer(healthServer, deps.Aggregator, registry, storage.prefsRepo, logger.WithField("component", "grpc-health-sync"))
	background.Add(1)
	go func() {
		defer background.Done()
		syncer.Run(runCtx, cfg.HealthSyncInterval)
	}()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("providers", healthcheck.NewProviderChecker(deps.Aggregator, registry, storage.prefsRepo))
	if storage.storageChecker != nil {
		healthHandler.RegisterChecker("storage", storage.storageChecker)
	}
	if storage.redisChecker != nil {
		healthHandler.RegisterChecker("redis", storage.redisChecker)
	}
	metricsSrv := startMetricsServer(runCtx, cfg.MetricsAddr, logger, healthHandler)

	apiHandler := api.NewHandler(deps.Coordinator, deps.Aggregator, registry, storage.prefsRepo, storage.balanceRepo, logger.WithField("component", "http-api"))
	router := api.NewRouter(apiHandler, api.RouterConfig{
		Auth:           api.AuthConfig{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer},
		AllowedOrigins: splitList(cfg.AllowedOrigins),
		RequestTimeout: cfg.RequestTimeout,
		AdminToken:     cfg.AdminToken,
	}, logger.WithField("component", "http-api"))
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		cancel()
		scheduler.Stop(context.Background())
		return err
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		cancel()
		scheduler.Stop(context.Background())
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC server listening on %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.Infof("HTTP API listening on %s", httpLis.Addr())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping servers")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthServer.Shutdown()
	shutdownHTTP(httpSrv, logger)
	stopGRPC(grpcServer, logger)
	shutdownHTTP(metricsSrv, logger)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	scheduler.Stop(stopCtx)
	stopCancel()
	background.Wait()

	return runErr
}

// stopGRPC останавливает gRPC-сервер, дожидаясь активных вызовов не дольше shutdownTimeout.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing grpc server stop")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("metrics available at %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
