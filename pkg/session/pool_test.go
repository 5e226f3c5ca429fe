package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/telebrowse/telebrowse/internal/testutil"
	"github.com/telebrowse/telebrowse/pkg/sshx"
	"github.com/telebrowse/telebrowse/pkg/util"
)

func TestPoolGetReuses(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	p := NewPool(PoolOptions{})
	t.Cleanup(p.Close)

	a, err := p.Get(context.Background(), "dev", sshConfig(srv))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !a.IsConnected() {
		t.Fatal("transport not connected")
	}
	b, err := p.Get(context.Background(), "dev", sshConfig(srv))
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if a != b {
		t.Error("second Get returned a different transport")
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, want 1", p.Len())
	}
}

func TestPoolBounded(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	p := NewPool(PoolOptions{MaxConnections: 1})
	t.Cleanup(p.Close)

	if _, err := p.Get(context.Background(), "one", sshConfig(srv)); err != nil {
		t.Fatalf("Get: %v", err)
	}
	_, err := p.Get(context.Background(), "two", sshConfig(srv))
	if !errors.Is(err, util.Coded(util.CodeConnection)) {
		t.Fatalf("Get over capacity: %v, want connection error", err)
	}
}

func TestPoolDialFailureDropsEntry(t *testing.T) {
	p := NewPool(PoolOptions{ReconnectAttempts: -1})
	t.Cleanup(p.Close)

	cfg := sshx.Config{
		Host:           "127.0.0.1",
		Port:           1,
		User:           "nobody",
		AuthKind:       "password",
		Password:       "x",
		ConnectTimeout: 500 * time.Millisecond,
	}
	if _, err := p.Get(context.Background(), "dead", cfg); err == nil {
		t.Fatal("Get against dead port succeeded")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after failed dial, want 0", p.Len())
	}
}

func TestPoolIdleSweepAndReconnect(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	p := NewPool(PoolOptions{IdleTimeout: time.Minute, ReconnectDelay: 10 * time.Millisecond})
	t.Cleanup(p.Close)

	tr, err := p.Get(context.Background(), "dev", sshConfig(srv))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	p.sweepOnce(time.Now().Add(2 * time.Minute))
	deadline := time.Now().Add(2 * time.Second)
	for tr.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.IsConnected() {
		t.Fatal("idle transport still connected after sweep")
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, swept entry should stay pooled", p.Len())
	}

	// Next Get reconnects in place.
	again, err := p.Get(context.Background(), "dev", sshConfig(srv))
	if err != nil {
		t.Fatalf("Get after sweep: %v", err)
	}
	if again != tr {
		t.Error("reconnect replaced the pooled transport")
	}
	if !again.IsConnected() {
		t.Error("transport not reconnected")
	}
}

func TestPoolRemoveAndClose(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	p := NewPool(PoolOptions{})

	tr, err := p.Get(context.Background(), "dev", sshConfig(srv))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Remove("dev")
	if p.Len() != 0 {
		t.Errorf("Len = %d after Remove", p.Len())
	}
	if tr.IsConnected() {
		t.Error("removed transport still connected")
	}

	p.Close()
	p.Close() // idempotent
	if _, err := p.Get(context.Background(), "dev", sshConfig(srv)); !errors.Is(err, util.Coded(util.CodeNotConnected)) {
		t.Errorf("Get after Close: %v, want not-connected", err)
	}
}
