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
	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/metrics"
	"github.com/austindbirch/harbor_sink/internal/queue"
	"github.com/austindbirch/harbor_sink/internal/sink"
	"github.com/austindbirch/harbor_sink/internal/store"
	"github.com/austindbirch/harbor_sink/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New("harborsink-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "harborsink-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	sender, err := sink.New(cfg.Sink, sink.WithLogger(logger))
	if err != nil {
		logger.Plain().WithError(err).WithField("sink", cfg.Sink.Redacted()).Fatal("invalid sink configuration")
	}

	h := &handler{
		ctx:      ctx,
		sender:   sender,
		dlqTopic: cfg.NSQ.DLQTopic,
		logger:   logger,
	}

	// Delivery log
	var pinger internalhealth.Pinger
	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.Worker.Concurrency+2))
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		st := store.New(pool)
		if err := st.Migrate(ctx); err != nil {
			logger.Plain().WithError(err).Fatal("delivery log migration failed")
		}
		h.recorder = st
		pinger = pool
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", internalhealth.HTTPHandler(pinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	lis, err := net.Listen("tcp", cfg.Worker.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("grpc listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.Worker.GRPCPort).Info("worker gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("worker gRPC server stopped")
		}
	}()

	// DLQ producer
	if cfg.Worker.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
		h.dlq = producer
	}

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.RecordsTopic, cfg.NSQ.SinkChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(h, max(cfg.Worker.Concurrency, 1))

	// Start backlog monitoring
	mon := &queue.Monitor{
		NsqdHTTPAddr: cfg.NSQ.NsqdHTTPAddr,
		Topic:        cfg.NSQ.RecordsTopic,
		Channel:      cfg.NSQ.SinkChannel,
		Logger:       logger,
	}
	go mon.Run(ctx, cfg.Worker.StatsEvery)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Plain().WithFields(map[string]any{
		"topic":       cfg.NSQ.RecordsTopic,
		"channel":     cfg.NSQ.SinkChannel,
		"concurrency": cfg.Worker.Concurrency,
		"sink":        cfg.Sink.Redacted(),
	}).Info("worker service started")

	// Graceful stop: cancelling ctx interrupts senders that are backing off,
	// which requeue their records.
	<-ctx.Done()

	logger.Plain().Info("Shutting down worker service")
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	consumer.Stop()
	<-consumer.StopChan
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
