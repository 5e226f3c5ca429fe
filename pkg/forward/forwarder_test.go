package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/telebrowse/telebrowse/internal/testutil"
	"github.com/telebrowse/telebrowse/pkg/sshx"
)

func connectedTransport(t *testing.T) *sshx.Transport {
	t.Helper()
	srv := testutil.StartSSHServer(t)
	tr := sshx.New(sshx.Config{
		Host:     "127.0.0.1",
		Port:     srv.Port,
		User:     testutil.TestUser,
		AuthKind: "password",
		Password: testutil.TestPassword,
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { tr.Disconnect() })
	return tr
}

func TestLocalForwardProxiesHTTP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello from the far side")
	}))
	defer backend.Close()
	backendPort := backend.Listener.Addr().(*net.TCPAddr).Port

	f := New(connectedTransport(t))
	rule, err := f.StartLocal("127.0.0.1", 0, "127.0.0.1", backendPort)
	if err != nil {
		t.Fatalf("StartLocal: %v", err)
	}
	defer f.StopAll()

	if rule.State != StateActive {
		t.Errorf("rule state = %s, want active", rule.State)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", rule.LocalPort))
	if err != nil {
		t.Fatalf("GET through forward: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello from the far side" {
		t.Errorf("body = %q", body)
	}
}

func TestLocalForwardByteFidelity(t *testing.T) {
	// Echo endpoint reachable from the "remote" side.
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()

	f := New(connectedTransport(t))
	rule, err := f.StartLocal("127.0.0.1", 0, "127.0.0.1", echo.Addr().(*net.TCPAddr).Port)
	if err != nil {
		t.Fatal(err)
	}
	defer f.StopAll()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", rule.LocalPort))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.Write(payload)
	}()
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	wg.Wait()
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d differs: %d != %d", i, got[i], payload[i])
		}
	}
}

func TestChannelOpenFailureEmitsEventAndListenerSurvives(t *testing.T) {
	// Point the forward at a port nobody listens on remotely.
	closedPort := func() int {
		ln, _ := net.Listen("tcp", "127.0.0.1:0")
		p := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		return p
	}()

	f := New(connectedTransport(t))
	events := make(chan Event, 4)
	f.Subscribe(func(ev Event) { events <- ev })

	rule, err := f.StartLocal("127.0.0.1", 0, "127.0.0.1", closedPort)
	if err != nil {
		t.Fatal(err)
	}
	defer f.StopAll()

	dial := func() {
		c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", rule.LocalPort))
		if err != nil {
			t.Fatalf("dial listener: %v", err)
		}
		// The far end will close once the channel open fails.
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		io.ReadAll(c)
		c.Close()
	}

	dial()
	select {
	case ev := <-events:
		if ev.RuleID != rule.ID || ev.Err == nil {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no forward error event")
	}

	// The listener must still accept after a failed channel open.
	dial()
	if got := len(f.List()); got != 1 {
		t.Errorf("rules after failures = %d, want 1", got)
	}
}

func TestStopDrainsPairs(t *testing.T) {
	hold := make(chan struct{})
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	go func() {
		for {
			c, err := backend.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				<-hold
				c.Close()
			}(c)
		}
	}()
	defer close(hold)

	f := New(connectedTransport(t))
	rule, err := f.StartLocal("127.0.0.1", 0, "127.0.0.1", backend.Addr().(*net.TCPAddr).Port)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", rule.LocalPort))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return f.ActiveConns(rule.ID) == 1 })

	if err := f.Stop(rule.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.ActiveConns(rule.ID); got != 0 {
		t.Errorf("active conns after stop = %d", got)
	}
	if got := len(f.List()); got != 0 {
		t.Errorf("rules after stop = %d", got)
	}
	// The pair's local socket is dead.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("read on stopped pair succeeded")
	}

	// Stop is idempotent.
	if err := f.Stop(rule.ID); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

type fakeTransport struct {
	listener net.Listener
}

func (f *fakeTransport) OpenChannelFrom(src net.Addr, host string, port int) (net.Conn, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) ListenRemote(host string, port int) (net.Listener, error) {
	return f.listener, nil
}

func TestRemoteForward(t *testing.T) {
	// Stand-in for the remote sshd's listener.
	remoteLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "local destination")
	}))
	defer dest.Close()
	destPort := dest.Listener.Addr().(*net.TCPAddr).Port

	f := New(&fakeTransport{listener: remoteLn})
	rule, err := f.StartRemote("0.0.0.0", 8080, "127.0.0.1", destPort)
	if err != nil {
		t.Fatalf("StartRemote: %v", err)
	}
	defer f.StopAll()
	if rule.Kind != "remote" {
		t.Errorf("rule kind = %s", rule.Kind)
	}

	resp, err := http.Get("http://" + remoteLn.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET via remote forward: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "local destination" {
		t.Errorf("body = %q", body)
	}
}

func TestRemoteForwardRejectsConflatedEndpoints(t *testing.T) {
	f := New(&fakeTransport{})
	if _, err := f.StartRemote("127.0.0.1", 9000, "127.0.0.1", 9000); err == nil {
		t.Error("StartRemote with identical endpoints succeeded")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
