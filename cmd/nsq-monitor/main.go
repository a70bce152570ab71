package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/metrics"
	"github.com/austindbirch/harbor_sink/internal/queue"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New("harborsink-nsq-monitor")
	port := os.Getenv("NSQ_MONITOR_PORT")
	if port == "" {
		port = ":8084"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.QueueBacklog, metrics.ChannelDepth, metrics.ChannelInFlight)

	mon := &queue.Monitor{
		NsqdHTTPAddr: cfg.NSQ.NsqdHTTPAddr,
		Topic:        cfg.NSQ.RecordsTopic,
		Channel:      cfg.NSQ.SinkChannel,
		Logger:       logger,
	}
	go mon.Run(ctx, cfg.Worker.StatsEvery)

	srv := &http.Server{Addr: port, Handler: newMux(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":     port,
		"nsqd":     cfg.NSQ.NsqdHTTPAddr,
		"topic":    cfg.NSQ.RecordsTopic,
		"interval": cfg.Worker.StatsEvery.String(),
	}).Info("NSQ monitor starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
	}
	logger.Plain().Info("NSQ monitor stopped")
}

func newMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}
