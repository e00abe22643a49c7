// Package supervisor starts the acceptor, the scheduler, and the telemetry
// task as siblings under a root cancellation token, joining with "any
// sibling terminating cancels the root" (§4.8). Grounded on the teacher's
// cmd/karoo/main.go goroutine-fan-out-then-signal-wait shutdown shape,
// promoted to its own tested package the way the teacher itself promotes
// cross-cutting concerns (metrics, vardiff) out of main.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/carlosrabelo/minerbroker/internal/acceptor"
	"github.com/carlosrabelo/minerbroker/internal/metrics"
	"github.com/carlosrabelo/minerbroker/internal/scheduler"
	"github.com/carlosrabelo/minerbroker/pkg/logger"
)

// Config configures the Supervisor's telemetry reporting cadence.
type Config struct {
	ReportInterval time.Duration
}

// Supervisor owns the acceptor, scheduler, and telemetry siblings.
type Supervisor struct {
	cfg      Config
	acceptor *acceptor.Server
	sched    *scheduler.Scheduler
	metrics  *metrics.Collector
}

// New builds a Supervisor from its already-constructed siblings.
func New(cfg Config, a *acceptor.Server, sched *scheduler.Scheduler, metricsCollector *metrics.Collector) *Supervisor {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, acceptor: a, sched: sched, metrics: metricsCollector}
}

// Run starts every sibling and blocks until root is cancelled or any
// sibling terminates (which cancels root in turn). Every sibling is
// awaited before Run returns; sibling errors are logged, never escalated.
func (s *Supervisor) Run(root context.Context) {
	ctx, cancel := context.WithCancel(root)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.acceptor.Run(ctx); err != nil {
			logger.Error("supervisor: acceptor exited: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		s.sched.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		s.runTelemetry(ctx)
	}()

	wg.Wait()
	logger.Info("supervisor: all siblings stopped")
}

// runTelemetry periodically logs the metrics snapshot (§6's atomic
// counters: total/succeeded/failed/in-flight/connections).
func (s *Supervisor) runTelemetry(ctx context.Context) {
	if s.metrics == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.metrics.Snapshot()
			logger.Info("telemetry: jobs=%d succeeded=%d failed=%d in_flight_cpu=%d connections=%d",
				snap.TotalJobs, snap.JobsSucceeded, snap.JobsFailed, snap.InFlightCPU, snap.TotalConn)
		}
	}
}
