package conn

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/carlosrabelo/minerbroker/internal/directory"
	"github.com/carlosrabelo/minerbroker/internal/scheduler"
)

type noopDirectory struct{}

func (noopDirectory) Lookup(ctx context.Context, workerFullName string) (directory.ApiResponse, error) {
	return directory.ApiResponse{}, nil
}

func startHandler(t *testing.T) (client net.Conn, stop func()) {
	t.Helper()
	server, client := net.Pipe()

	sched := scheduler.New(scheduler.Config{Permits: 2, HighBudget: 4, HighQueueDepth: 64, NormQueueDepth: 64}, noopDirectory{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	h := New(server, sched, nil)
	go h.Run(ctx)

	return client, func() {
		cancel()
		_ = client.Close()
	}
}

func TestPingRoundTripE2E(t *testing.T) {
	client, stop := startHandler(t)
	defer stop()

	_, _ = client.Write([]byte("PING\n"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "OK\n" {
		t.Fatalf("reply = %q, want %q", line, "OK\n")
	}
}

func TestBadCommandKeepsConnectionOpen(t *testing.T) {
	client, stop := startHandler(t)
	defer stop()

	_, _ = client.Write([]byte("not json\n"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "BAD COMMAND\n" {
		t.Fatalf("reply = %q, want %q", line, "BAD COMMAND\n")
	}

	// Connection must remain open: a second valid command still works.
	_, _ = client.Write([]byte("PING\n"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line2, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString (second): %v", err)
	}
	if line2 != "OK\n" {
		t.Fatalf("second reply = %q, want %q", line2, "OK\n")
	}
}

func TestSubscribeBeforeAuthorizeProducesNoReply(t *testing.T) {
	client, stop := startHandler(t)
	defer stop()

	_, _ = client.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["cgminer/4.10.0"]}` + "\n"))

	// No bytes should arrive for this request; confirm by racing a PING
	// that must reply OK\n as the only line delivered.
	_, _ = client.Write([]byte("PING\n"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "OK\n" {
		t.Fatalf("first observed reply = %q, want %q (subscribe should have produced no bytes)", line, "OK\n")
	}
}
