// Package poolclient implements the outbound TCP connection to one pool
// address for one miner session: a writer task draining a bounded
// miner->pool channel and a reader task pushing lines onto the session's
// pool->miner channel. Grounded on the teacher's internal/connection.Upstream
// (Dial/Close/SendRaw) and internal/proxysocks (optional SOCKS5 dialing),
// restructured for this broker's 1:1 session:PoolClient binding (I1) instead
// of the teacher's shared N:1 upstream.
package poolclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/carlosrabelo/minerbroker/internal/stratum"
	"github.com/carlosrabelo/minerbroker/pkg/apperr"
	"github.com/carlosrabelo/minerbroker/pkg/logger"
)

// DialTimeout is the fatal construction timeout for the pool TCP connect
// (§4.4, §5).
const DialTimeout = 3 * time.Second

// MinerToPoolDepth and PoolToMinerDepth are the bounded-channel depths named
// in §5's queue table.
const (
	MinerToPoolDepth = 32
	PoolToMinerDepth = 12
)

// SocksConfig optionally routes the pool dial through a SOCKS5 proxy,
// folding in the teacher's proxysocks.Config shape so golang.org/x/net stays
// wired even though this broker's PoolClient is otherwise a from-scratch
// component.
type SocksConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
}

func (c SocksConfig) dialer() (proxy.Dialer, error) {
	direct := &net.Dialer{Timeout: DialTimeout}
	if !c.Enabled {
		return direct, nil
	}
	addr := net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
	var auth *proxy.Auth
	if c.Username != "" {
		auth = &proxy.Auth{User: c.Username, Password: c.Password}
	}
	return proxy.SOCKS5("tcp", addr, auth, direct)
}

// PoolClient is one outbound connection to one pool address, bound to
// exactly one session's pool->miner channel.
type PoolClient struct {
	conn net.Conn
	ctx  context.Context
	stop context.CancelFunc

	minerToPool chan string
}

// Dial establishes the TCP connection under DialTimeout and starts the
// writer/reader tasks. ctx is a child of the owning session's cancellation
// token (I6); upToMiner is the session's pool->miner sender.
func Dial(ctx context.Context, addr string, socks SocksConfig, upToMiner chan<- string) (*PoolClient, error) {
	dialer, err := socks.dialer()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, "building pool dialer", err)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, DialTimeout)
	defer cancelDial()

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := dialer.Dial("tcp", addr)
		done <- result{c, err}
	}()

	var conn net.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return nil, apperr.Wrap(apperr.CodeIO, "dialing pool "+addr, r.err)
		}
		conn = r.conn
	case <-dialCtx.Done():
		return nil, apperr.Wrap(apperr.CodeIO, "dialing pool "+addr+" timed out", dialCtx.Err())
	}

	pcCtx, stop := context.WithCancel(ctx)
	pc := &PoolClient{
		conn:        conn,
		ctx:         pcCtx,
		stop:        stop,
		minerToPool: make(chan string, MinerToPoolDepth),
	}

	go pc.writeLoop()
	go pc.readLoop(upToMiner)

	return pc, nil
}

// MinerChannelWriter returns the send-only miner->pool channel the
// scheduler uses to push pool-bound messages.
func (pc *PoolClient) MinerChannelWriter() chan<- string {
	return pc.minerToPool
}

func (pc *PoolClient) writeLoop() {
	bw := bufio.NewWriter(pc.conn)
	for {
		select {
		case <-pc.ctx.Done():
			return
		case line, ok := <-pc.minerToPool:
			if !ok {
				return
			}
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			if _, err := bw.WriteString(line); err != nil {
				logger.Error("poolclient: write failed: %v", err)
				return
			}
			if err := bw.Flush(); err != nil {
				logger.Error("poolclient: flush failed: %v", err)
				return
			}
		}
	}
}

func (pc *PoolClient) readLoop(upToMiner chan<- string) {
	fr := stratum.NewFrameReader(pc.conn, 4096)
	for {
		line, err := fr.ReadLine()
		if err != nil {
			return
		}
		select {
		case upToMiner <- line:
		case <-pc.ctx.Done():
			return
		default:
			// up_to_miner full or miner gone: log and keep draining the
			// socket per §4.4 ("draining is optional; implementations may
			// choose to exit" — we choose to keep draining).
			logger.Warn("poolclient: pool->miner channel full, dropping line")
		}
	}
}

// Shutdown aborts both the writer and reader tasks and closes the socket.
func (pc *PoolClient) Shutdown() {
	pc.stop()
	_ = pc.conn.Close()
}
