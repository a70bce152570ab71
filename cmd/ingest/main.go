package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/db"
	internalhealth "github.com/austindbirch/harbor_sink/internal/health"
	"github.com/austindbirch/harbor_sink/internal/ingest"
	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/metrics"
	"github.com/austindbirch/harbor_sink/internal/store"
	"github.com/austindbirch/harbor_sink/internal/tracing"
)

// newMux mounts the ingest API next to health and metrics.
func newMux(api http.Handler, reg *prometheus.Registry, pinger internalhealth.Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", internalhealth.HTTPHandler(pinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", api)
	return mux
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New("harborsink-ingest")

	shutdown, err := tracing.InitTracing(ctx, "harborsink-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Delivery log, read only here; the worker writes it
	var (
		pinger internalhealth.Pinger
		lister ingest.DeliveryLister
	)
	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN(), 4)
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		st := store.New(pool)
		if err := st.Migrate(ctx); err != nil {
			logger.Plain().WithError(err).Fatal("delivery log migration failed")
		}
		pinger = pool
		lister = st
	}

	// NSQ producer
	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	svc := ingest.NewService(prod, cfg.NSQ.RecordsTopic, lister, logger)

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	lis, err := net.Listen("tcp", cfg.Ingest.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("grpc listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.Ingest.GRPCPort).Info("ingest gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("ingest gRPC server stopped")
		}
	}()

	// HTTP API, health and metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	httpSrv := &http.Server{
		Addr:              cfg.Ingest.HTTPPort,
		Handler:           newMux(svc.Handler(cfg.Ingest.MaxBodyBytes), reg, pinger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("ingest HTTP server failed")
		}
	}()

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Plain().WithFields(map[string]any{
		"topic":        cfg.NSQ.RecordsTopic,
		"delivery_log": cfg.DB.Enabled,
	}).Info("ingest service started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down ingest service")
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("ingest service stopped")
}
