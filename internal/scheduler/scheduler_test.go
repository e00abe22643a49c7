package scheduler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/carlosrabelo/minerbroker/internal/directory"
	"github.com/carlosrabelo/minerbroker/internal/ratelimit"
	"github.com/carlosrabelo/minerbroker/internal/session"
	"github.com/carlosrabelo/minerbroker/internal/stratum"
)

type fakeDirectory struct {
	resp directory.ApiResponse
	err  error
}

func (f *fakeDirectory) Lookup(ctx context.Context, workerFullName string) (directory.ApiResponse, error) {
	return f.resp, f.err
}

func newTestScheduler(dir directory.AccountDirectory) *Scheduler {
	return New(Config{Permits: 2, HighBudget: 4, HighQueueDepth: 256, NormQueueDepth: 256}, dir, nil)
}

func newJob(kind JobKind, sess *session.Session, cmd stratum.Command) JobRequest {
	return JobRequest{
		Kind:    kind,
		Session: sess,
		Cmd:     cmd,
		ConnCtx: context.Background(),
		Reply:   make(chan ProxyMessage, 1),
	}
}

func TestPingRoundTrip(t *testing.T) {
	s := newTestScheduler(&fakeDirectory{})
	sess := session.New("127.0.0.1:1", make(chan string, 12))
	j := newJob(JobPing, sess, stratum.Command{Kind: stratum.KindPing})

	s.handlePing(j)
	msg := <-j.Reply
	if msg.Kind != Response || msg.Line != "OK\n" {
		t.Fatalf("ping reply = %+v, want Response(OK)", msg)
	}
}

func TestSubscribeBeforeAuthorizeIsBuffered(t *testing.T) {
	s := newTestScheduler(&fakeDirectory{})
	sess := session.New("127.0.0.1:1", make(chan string, 12))
	cmd := stratum.ParseLine(`{"id":1,"method":"mining.subscribe","params":["cgminer/4.10.0"]}`)
	j := newJob(JobSubscribe, sess, cmd)

	s.handleSubscribe(j)
	msg := <-j.Reply
	if msg.Kind != Wait {
		t.Fatalf("subscribe-before-authorize reply = %+v, want Wait", msg)
	}
	if _, ok := sess.TakePendingSubscribe(); !ok {
		t.Fatal("expected pending_subscribe to be set")
	}
}

func TestAuthorizeThenPendingSubscribeFlush(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan string, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fr := stratum.NewFrameReader(conn, 4096)
		for {
			line, err := fr.ReadLine()
			if err != nil {
				return
			}
			received <- line
		}
	}()

	dir := &fakeDirectory{resp: directory.ApiResponse{
		Found: true,
		Info: directory.SubAccountInfo{
			PoolTarget:     ln.Addr().String(),
			SubAccountName: "acc",
		},
	}}
	s := newTestScheduler(dir)
	sess := session.New("127.0.0.1:1", make(chan string, 12))
	sess.SetPendingSubscribe(`{"id":1,"method":"mining.subscribe","params":["cgminer/4.10.0"]}`)

	cmd := stratum.ParseLine(`{"id":2,"method":"mining.authorize","params":["acc.worker1","x"]}`)
	j := newJob(JobAuthorize, sess, cmd)
	s.handleAuthorize(j)

	<-j.Reply

	if !sess.Authorized() {
		t.Fatal("expected authorized = true")
	}
	if _, ok := sess.TakePendingSubscribe(); ok {
		t.Fatal("expected pending_subscribe cleared")
	}
	if sess.WorkerName() != "acc" {
		t.Fatalf("WorkerName() = %q", sess.WorkerName())
	}

	first := <-received
	second := <-received
	if first != `{"id":1,"method":"mining.subscribe","params":["cgminer/4.10.0"]}` {
		t.Fatalf("first line to pool = %q, want flushed subscribe", first)
	}
	if second != `{"id":2,"method":"mining.authorize","params":["acc.worker1","x"]}` {
		t.Fatalf("second line to pool = %q, want authorize", second)
	}
}

func TestDirectoryNotFoundLeavesUnauthorized(t *testing.T) {
	dir := &fakeDirectory{resp: directory.ApiResponse{Found: false, Error: "not found"}}
	s := newTestScheduler(dir)
	sess := session.New("127.0.0.1:1", make(chan string, 12))

	cmd := stratum.ParseLine(`{"id":2,"method":"mining.authorize","params":["ghost.worker1"]}`)
	j := newJob(JobAuthorize, sess, cmd)
	s.handleAuthorize(j)

	msg := <-j.Reply
	if msg.Kind != Err {
		t.Fatalf("reply kind = %v, want Err", msg.Kind)
	}
	if sess.Authorized() {
		t.Fatal("expected session to remain unauthorized")
	}
}

func TestSubmitUnderLoadRespectsPermitCount(t *testing.T) {
	s := newTestScheduler(&fakeDirectory{})
	sess := session.New("127.0.0.1:1", make(chan string, 12))

	const n = 5
	replies := make(chan ProxyMessage, n)
	for i := 0; i < n; i++ {
		cmd := stratum.ParseLine(`{"id":1,"method":"mining.submit","params":["w","job1","ex2","nt","nc"]}`)
		j := newJob(JobSubmit, sess, cmd)
		go func() {
			s.handleSubmit(j)
			replies <- <-j.Reply
		}()
	}

	for i := 0; i < n; i++ {
		select {
		case msg := <-replies:
			if msg.Kind != Response || msg.Line != "OK\n" {
				t.Fatalf("submit reply = %+v, want Response(OK)", msg)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for submit replies")
		}
	}
	if sess.ShareCount() != n {
		t.Fatalf("ShareCount() = %d, want %d", sess.ShareCount(), n)
	}
}

// TestRunDoesNotSerializeSubmits is a regression test for handleSubmit
// previously blocking the scheduler's single dispatch goroutine on its
// own spawned worker: a ping enqueued right after a slow-to-complete
// submit must still get a reply promptly instead of waiting for the
// submit's full submitSimulationDelay.
func TestRunDoesNotSerializeSubmits(t *testing.T) {
	s := newTestScheduler(&fakeDirectory{})
	sess := session.New("127.0.0.1:1", make(chan string, 12))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	submitCmd := stratum.ParseLine(`{"id":1,"method":"mining.submit","params":["w","job1","ex2","nt","nc"]}`)
	submitJob := newJob(JobSubmit, sess, submitCmd)
	s.EnqueueHigh(submitJob)

	pingJob := newJob(JobPing, sess, stratum.Command{Kind: stratum.KindPing})
	s.EnqueueHigh(pingJob)

	select {
	case msg := <-pingJob.Reply:
		if msg.Kind != Response || msg.Line != "OK\n" {
			t.Fatalf("ping reply = %+v, want Response(OK)", msg)
		}
	case <-time.After(submitSimulationDelay / 2):
		t.Fatal("ping was starved behind an in-flight submit: Run() is serializing submits")
	}

	<-submitJob.Reply
}

// TestAuthorizeFailureFeedsLimiter ensures a not-found directory lookup is
// reported to the configured rate limiter, so repeated bad worker names
// eventually get banned.
func TestAuthorizeFailureFeedsLimiter(t *testing.T) {
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:                       true,
		MaxAuthorizeFailuresPerMinute: 2,
		BanDurationSeconds:            60,
	})
	dir := &fakeDirectory{resp: directory.ApiResponse{Found: false, Error: "not found"}}
	s := New(Config{Permits: 2, HighBudget: 4, HighQueueDepth: 256, NormQueueDepth: 256, Limiter: limiter}, dir, nil)
	sess := session.New("127.0.0.1:2", make(chan string, 12))

	for i := 0; i < 2; i++ {
		cmd := stratum.ParseLine(`{"id":2,"method":"mining.authorize","params":["ghost.worker1"]}`)
		j := newJob(JobAuthorize, sess, cmd)
		s.handleAuthorize(j)
		<-j.Reply
	}

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	if limiter.AllowConnection(addr) {
		t.Fatal("expected 127.0.0.1 to be banned after repeated authorize failures")
	}
}

func TestPriorityStarvationBound(t *testing.T) {
	s := newTestScheduler(&fakeDirectory{})
	sess := session.New("127.0.0.1:1", make(chan string, 12))

	normDone := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 100; i++ {
		j := newJob(JobPing, sess, stratum.Command{Kind: stratum.KindPing})
		s.EnqueueHigh(j)
	}
	normJob := newJob(JobPing, sess, stratum.Command{Kind: stratum.KindPing})
	s.EnqueueNorm(normJob)

	go func() {
		<-normJob.Reply
		close(normDone)
	}()

	select {
	case <-normDone:
	case <-time.After(3 * time.Second):
		t.Fatal("norm job starved")
	}
}
