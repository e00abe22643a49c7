// Package acceptor implements AcceptorServer: the TCP listener, accept
// loop, and per-connection cancellation-token registry (§4.7). Grounded on
// the teacher's proxy.AcceptLoop (listener, accept loop, per-client
// bookkeeping) generalized to hold cancellation tokens instead of the
// teacher's flat client set, since this broker needs the cancellation tree
// of §5 the teacher's simpler design does not.
package acceptor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/carlosrabelo/minerbroker/internal/conn"
	"github.com/carlosrabelo/minerbroker/internal/metrics"
	"github.com/carlosrabelo/minerbroker/internal/ratelimit"
	"github.com/carlosrabelo/minerbroker/internal/scheduler"
	"github.com/carlosrabelo/minerbroker/pkg/logger"
)

// entry records one live connection's cancellation token, keyed by ConnId.
type entry struct {
	cancel context.CancelFunc
}

// Server binds a listener and fans out accepted connections to
// conn.Handler instances, each under its own child cancellation token.
type Server struct {
	listenAddr string
	sched      *scheduler.Scheduler
	metrics    *metrics.Collector
	limiter    *ratelimit.Limiter

	nextConnID atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]entry
}

// New builds a Server listening on listenAddr.
func New(listenAddr string, sched *scheduler.Scheduler, metricsCollector *metrics.Collector, limiter *ratelimit.Limiter) *Server {
	if limiter == nil {
		limiter = ratelimit.NewLimiter(nil)
	}
	return &Server{
		listenAddr: listenAddr,
		sched:      sched,
		metrics:    metricsCollector,
		limiter:    limiter,
		conns:      make(map[uint64]entry),
	}
}

// Run binds the listener and accepts connections until ctx (the root
// shutdown token, or a supervisor-scoped child of it) is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	logger.Info("acceptor: listening on %s", s.listenAddr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("acceptor: accept error: %v", err)
			continue
		}

		if !s.limiter.AllowConnection(c.RemoteAddr()) {
			logger.Warn("acceptor: rejecting %s: rate limit exceeded", c.RemoteAddr())
			_ = c.Close()
			continue
		}

		connID := s.nextConnID.Add(1)
		connCtx, cancel := context.WithCancel(ctx)

		s.mu.Lock()
		s.conns[connID] = entry{cancel: cancel}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordConnection()
		}

		h := conn.New(c, s.sched, s.metrics)
		go func() {
			defer func() {
				cancel()
				s.limiter.ReleaseConnection(c.RemoteAddr())
				s.mu.Lock()
				delete(s.conns, connID)
				s.mu.Unlock()
			}()
			h.Run(connCtx)
		}()
	}
}

// ActiveConnections reports the number of connections currently tracked.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
