package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telebrowse/telebrowse/internal/testutil"
	"github.com/telebrowse/telebrowse/pkg/util"
)

func connectedClient(t *testing.T, d *testutil.DevTools) *Client {
	t.Helper()
	c := New(Config{Port: d.Port})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestConnectAndSend(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("Browser.getVersion", map[string]string{"product": "Chrome/126.0.0.0"})

	c := connectedClient(t, d)
	if !c.Connected() {
		t.Fatal("not connected")
	}
	// Connect again is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	raw, err := c.Send(context.Background(), "Browser.getVersion", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var out struct {
		Product string `json:"product"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Product != "Chrome/126.0.0.0" {
		t.Errorf("product = %q", out.Product)
	}
}

func TestConnectViaTargetList(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.OmitVersionWS = true

	c := connectedClient(t, d)
	if _, err := c.Send(context.Background(), "Page.enable", nil); err != nil {
		t.Fatalf("Send after list-based connect: %v", err)
	}
}

func TestConnectNoTarget(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.OmitVersionWS = true
	d.ServePage = false

	c := New(Config{Port: d.Port})
	err := c.Connect(context.Background())
	if !errors.Is(err, util.Coded(util.CodeCDPNoTarget)) {
		t.Fatalf("Connect: %v, want cdp/no-target", err)
	}
}

func TestConnectRefused(t *testing.T) {
	// Nothing listens on port 1. A refused dial is a connection failure,
	// not a timeout.
	c := New(Config{Port: 1, ConnectTimeout: 300 * time.Millisecond})
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded against dead port")
	}
	if !errors.Is(err, util.Coded(util.CodeConnection)) {
		t.Errorf("error code = %s, want connection", util.CodeOf(err))
	}
}

func TestConnectTimeout(t *testing.T) {
	d := testutil.StartDevTools(t)

	// A budget nothing can meet; the deadline path keeps the timeout code.
	c := New(Config{Port: d.Port, ConnectTimeout: time.Nanosecond})
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded inside an impossible budget")
	}
	if !errors.Is(err, util.Coded(util.CodeCDPTimeout)) {
		t.Errorf("error code = %s, want cdp/timeout", util.CodeOf(err))
	}
}

func TestProtocolError(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.Handle("Page.navigate", func(json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32000, Message: "Cannot navigate to invalid URL"}
	})

	c := connectedClient(t, d)
	_, err := c.Send(context.Background(), "Page.navigate", map[string]string{"url": "::"})
	if !errors.Is(err, util.Coded(util.CodeCDPProtocol)) {
		t.Fatalf("Send: %v, want cdp/protocol", err)
	}
}

func TestEventDispatchAndUnsubscribe(t *testing.T) {
	d := testutil.StartDevTools(t)
	c := connectedClient(t, d)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 8)
	unsub := c.Subscribe(func(method string, params json.RawMessage) {
		mu.Lock()
		got = append(got, method)
		mu.Unlock()
		done <- struct{}{}
	})

	d.Emit("Page.loadEventFired", map[string]float64{"timestamp": 1})
	<-done
	d.Emit("Network.requestWillBeSent", map[string]string{"requestId": "1"})
	<-done

	mu.Lock()
	if len(got) != 2 || got[0] != "Page.loadEventFired" || got[1] != "Network.requestWillBeSent" {
		t.Errorf("events = %v", got)
	}
	mu.Unlock()

	unsub()
	d.Emit("Page.loadEventFired", nil)
	// Give a removed handler a chance to misfire.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(got) != 2 {
		t.Errorf("handler fired after unsubscribe: %v", got)
	}
	mu.Unlock()
}

func TestTransportLossFailsInFlightWaiters(t *testing.T) {
	d := testutil.StartDevTools(t)
	block := make(chan struct{})
	d.Handle("Page.navigate", func(json.RawMessage) (interface{}, *testutil.RPCError) {
		<-block // hold the response until the connection dies
		return map[string]string{}, nil
	})
	defer close(block)

	c := connectedClient(t, d)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"})
		errCh <- err
	}()

	// Let the request hit the wire, then kill the socket.
	time.Sleep(100 * time.Millisecond)
	d.CloseConns()

	select {
	case err := <-errCh:
		if !errors.Is(err, util.Coded(util.CodeCDPClosed)) {
			t.Errorf("in-flight Send: %v, want cdp/transport-closed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight Send never resolved")
	}

	// Subsequent sends fail immediately with the same code.
	_, err := c.Send(context.Background(), "Page.enable", nil)
	if !errors.Is(err, util.Coded(util.CodeCDPClosed)) {
		t.Errorf("Send after loss: %v, want cdp/transport-closed", err)
	}
	if c.Connected() {
		t.Error("client still reports connected after loss")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	d := testutil.StartDevTools(t)
	c := connectedClient(t, d)
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
}

func TestRewriteHost(t *testing.T) {
	tests := []struct {
		wsURL string
		host  string
		want  string
	}{
		{"ws://localhost:9222/devtools/browser/x", "10.0.0.5", "ws://10.0.0.5:9222/devtools/browser/x"},
		{"ws://127.0.0.1:9222/devtools/browser/x", "10.0.0.5", "ws://10.0.0.5:9222/devtools/browser/x"},
		{"ws://localhost:9222/devtools/browser/x", "127.0.0.1", "ws://localhost:9222/devtools/browser/x"},
		{"ws://10.1.1.1:9222/devtools/browser/x", "10.0.0.5", "ws://10.1.1.1:9222/devtools/browser/x"},
		{"ws://localhost/devtools", "10.0.0.5", "ws://10.0.0.5/devtools"},
	}
	for _, tt := range tests {
		if got := rewriteHost(tt.wsURL, tt.host); got != tt.want {
			t.Errorf("rewriteHost(%q, %q) = %q, want %q", tt.wsURL, tt.host, got, tt.want)
		}
	}
}
