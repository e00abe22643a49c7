// gatewayd is the mining-proxy gateway process: it loads configuration,
// wires the AccountDirectory, scheduler, acceptor, and metrics exporter, and
// runs them under the supervisor until a shutdown signal arrives. Grounded
// on the teacher's cmd/karoo/main.go (flag parsing, loadConfig, signal
// handling, pprof import, graceful-shutdown sleep).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrabelo/minerbroker/internal/acceptor"
	"github.com/carlosrabelo/minerbroker/internal/config"
	"github.com/carlosrabelo/minerbroker/internal/directory"
	"github.com/carlosrabelo/minerbroker/internal/metrics"
	"github.com/carlosrabelo/minerbroker/internal/ratelimit"
	"github.com/carlosrabelo/minerbroker/internal/scheduler"
	"github.com/carlosrabelo/minerbroker/internal/supervisor"
	"github.com/carlosrabelo/minerbroker/pkg/logger"
)

func main() {
	cfgFile := flag.String("config", "./config/config.json", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("gatewayd v0.0.1")
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)
	dir := directory.NewHTTPDirectory(directory.Config{
		BaseURL:    cfg.APIURL,
		MaxRetries: cfg.DirectoryMaxRetries,
	})
	limiter := ratelimit.NewLimiter(&cfg.RateLimit)

	sched := scheduler.New(scheduler.Config{
		Permits:        cfg.Scheduler.Permits,
		HighBudget:     cfg.Scheduler.HighBudget,
		HighQueueDepth: cfg.Scheduler.HighQueueDepth,
		NormQueueDepth: cfg.Scheduler.NormQueueDepth,
		Socks:          cfg.Socks,
		Limiter:        limiter,
	}, dir, metricsCollector)

	accept := acceptor.New(cfg.Listen(), sched, metricsCollector, limiter)

	sup := supervisor.New(supervisor.Config{
		ReportInterval: time.Duration(cfg.Metrics.ReportIntervalSeconds) * time.Second,
	}, accept, sched, metricsCollector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	<-sigCh
	logger.Info("gatewayd: shutting down...")
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("gatewayd: supervisor did not stop within grace period")
	}

	time.Sleep(2 * time.Second)
	logger.Info("gatewayd: shutdown complete")
}
