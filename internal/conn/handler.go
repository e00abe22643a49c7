// Package conn implements ConnectionHandler: owns one downstream socket,
// parses lines, dispatches JobRequests to the scheduler's priority queues,
// and forwards pool-originated lines back to the miner. Grounded on the
// teacher's proxy.ClientLoop (bufio.Scanner read loop, read-deadline
// handling) and AcceptLoop's per-client bookkeeping style, restructured
// around JobRequest dispatch instead of the teacher's direct in-loop
// routing.
package conn

import (
	"context"
	"net"
	"sync"

	"github.com/carlosrabelo/minerbroker/internal/metrics"
	"github.com/carlosrabelo/minerbroker/internal/scheduler"
	"github.com/carlosrabelo/minerbroker/internal/session"
	"github.com/carlosrabelo/minerbroker/internal/stratum"
	"github.com/carlosrabelo/minerbroker/pkg/logger"
)

// MinerRxDepth is the pool->miner channel depth named in §5 (12).
const MinerRxDepth = 12

// ReadBufBytes is the per-connection scanner buffer size.
const ReadBufBytes = 4096

// Handler owns one downstream socket for the lifetime of one connection.
type Handler struct {
	conn   net.Conn
	sched  *scheduler.Scheduler
	metric *metrics.Collector

	session *session.Session
	minerRx chan string

	writeMu sync.Mutex
}

// New builds a Handler for an accepted connection. sched is the shared
// scheduler; metricsCollector records per-outcome telemetry. The reply
// waiter (awaitAndReply) is the only place job outcomes are recorded: it's
// the only code that actually observes whether a reply arrived, whether
// the write succeeded, or whether cancellation fired first, so it's the
// only code that can report the real outcome rather than guess one.
func New(c net.Conn, sched *scheduler.Scheduler, metricsCollector *metrics.Collector) *Handler {
	minerRx := make(chan string, MinerRxDepth)
	return &Handler{
		conn:    c,
		sched:   sched,
		metric:  metricsCollector,
		session: session.New(c.RemoteAddr().String(), minerRx),
		minerRx: minerRx,
	}
}

// Session returns the handler's session.
func (h *Handler) Session() *session.Session {
	return h.session
}

// Run drives the read loop and the pool->miner forwarder until ctx
// (the acceptor's per-connection token, a child of the root token, I6) is
// cancelled or the socket closes.
func (h *Handler) Run(ctx context.Context) {
	defer h.conn.Close()

	go h.forwardPoolToMiner(ctx)

	fr := stratum.NewFrameReader(h.conn, ReadBufBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := fr.ReadLine()
		if err != nil {
			// A read error (including a clean 0-byte close) ends the
			// session per §4.3.
			return
		}
		if line == "" {
			continue
		}
		h.handleLine(ctx, line)
	}
}

func (h *Handler) handleLine(ctx context.Context, line string) {
	cmd := stratum.ParseLine(line)

	if cmd.Kind == stratum.KindUnknown {
		logger.Warn("conn: unrecognized line from %s: %q", h.session.RemoteAddr(), line)
		h.writeLine("BAD COMMAND")
		return
	}

	job := scheduler.JobRequest{
		Session: h.session,
		Cmd:     cmd,
		ConnCtx: ctx,
		Reply:   make(chan scheduler.ProxyMessage, 1),
	}

	switch cmd.Kind {
	case stratum.KindPing:
		job.Kind = scheduler.JobPing
		go h.awaitAndReply(ctx, job)
		h.sched.EnqueueNorm(job)
	case stratum.KindSubmit:
		job.Kind = scheduler.JobSubmit
		go h.awaitAndReply(ctx, job)
		h.sched.EnqueueHigh(job)
	case stratum.KindAuthorize:
		job.Kind = scheduler.JobAuthorize
		go h.awaitAndReply(ctx, job)
		h.sched.EnqueueHigh(job)
	case stratum.KindSubscribe:
		job.Kind = scheduler.JobSubscribe
		go h.awaitAndReply(ctx, job)
		h.sched.EnqueueHigh(job)
	}
}

// awaitAndReply is the reply waiter task: it awaits the one-shot reply (or
// cancellation), writes the resulting ProxyMessage to the socket, and
// records the outcome it actually observed, per the outcome table in
// §4.3. Recording here (rather than when the scheduler hands off the
// message) is required for correctness: a cancelled waiter can race a
// already-buffered reply in Go's select, and only the branch that
// actually fires reflects what happened to the socket.
func (h *Handler) awaitAndReply(ctx context.Context, job scheduler.JobRequest) {
	select {
	case msg, ok := <-job.Reply:
		if !ok {
			h.recordOutcome(metrics.NoReply) // reply channel dropped: no write
			return
		}
		switch msg.Kind {
		case scheduler.Response, scheduler.Request:
			if err := h.writeRaw(msg.Line); err != nil {
				logger.Error("conn: write to %s failed: %v", h.session.RemoteAddr(), err)
				h.recordOutcome(metrics.IoError)
				return
			}
			h.recordOutcome(metrics.Replied)
		case scheduler.Wait, scheduler.Err:
			h.recordOutcome(metrics.NoReply)
		}
	case <-ctx.Done():
		// Cancelled: no write, per §5 cancellation semantics.
		logger.Debug("conn: dropping reply for %s: connection cancelled", h.session.RemoteAddr())
		h.recordOutcome(metrics.Cancelled)
	}
}

func (h *Handler) recordOutcome(o metrics.JobOutcome) {
	if h.metric != nil {
		h.metric.RecordJobOutcome(o)
	}
}

// forwardPoolToMiner drains the session's pool->miner channel and writes
// each line verbatim to the socket, exiting on cancellation or channel
// close.
func (h *Handler) forwardPoolToMiner(ctx context.Context) {
	for {
		select {
		case line, ok := <-h.minerRx:
			if !ok {
				return
			}
			if err := h.writeLine(line); err != nil {
				logger.Error("conn: forwarding to %s failed: %v", h.session.RemoteAddr(), err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) writeLine(line string) error {
	return h.writeRaw(line + "\n")
}

func (h *Handler) writeRaw(data string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err := h.conn.Write([]byte(data))
	return err
}
