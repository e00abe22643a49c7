package poolclient

import (
	"context"
	"net"
	"testing"
	"time"
)

func startEchoPool(t *testing.T) (addr string, received chan string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	received = make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			received <- string(buf[:n])
			_, _ = conn.Write([]byte("notify-line\n"))
		}
	}()
	return ln.Addr().String(), received, func() { _ = ln.Close() }
}

func TestDialAndRoundTrip(t *testing.T) {
	addr, received, stop := startEchoPool(t)
	defer stop()

	upToMiner := make(chan string, PoolToMinerDepth)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pc, err := Dial(ctx, addr, SocksConfig{}, upToMiner)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer pc.Shutdown()

	pc.MinerChannelWriter() <- "hello\n"

	select {
	case got := <-received:
		if got != "hello\n" {
			t.Fatalf("pool received %q, want %q", got, "hello\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool to receive line")
	}

	select {
	case line := <-upToMiner:
		if line != "notify-line" {
			t.Fatalf("upToMiner received %q, want %q", line, "notify-line")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool->miner forward")
	}
}

func TestDialTimeoutOnUnroutableAddress(t *testing.T) {
	upToMiner := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, "10.255.255.1:1", SocksConfig{}, upToMiner)
	if err == nil {
		t.Fatal("expected dial to an unroutable address to fail")
	}
}
