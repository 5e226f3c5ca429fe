// Package sshx wraps golang.org/x/crypto/ssh with the connection lifecycle
// telebrowse needs: password or key auth, connect timeouts, keepalive
// supervision, serialized remote exec, and direct-tcpip channel opens.
package sshx

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/telebrowse/telebrowse/pkg/util"
)

// State is the transport connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventKind tags transport lifecycle events.
type EventKind int

const (
	EventReady EventKind = iota
	EventClose
	EventError
	EventTimeout
)

// Event is a transport lifecycle notification.
type Event struct {
	Kind EventKind
	Err  error
}

// Config describes how to reach and authenticate to the remote host.
type Config struct {
	Host     string
	Port     int
	User     string
	AuthKind string // "password" or "privateKey"
	Password string
	// KeyPath is the private key path for key auth; "~" is expanded.
	KeyPath    string
	Passphrase string

	ConnectTimeout    time.Duration // default 10s
	KeepaliveInterval time.Duration // default 5s
	KeepaliveMax      int           // default 3 missed replies

	// HostKeyCallback defaults to accepting any host key. Interactive use
	// drives throwaway automation hosts; pass a real callback for anything
	// else.
	HostKeyCallback ssh.HostKeyCallback
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Port == 0 {
		out.Port = 22
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.KeepaliveInterval == 0 {
		out.KeepaliveInterval = 5 * time.Second
	}
	if out.KeepaliveMax == 0 {
		out.KeepaliveMax = 3
	}
	if out.HostKeyCallback == nil {
		out.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return out
}

// ExecResult is the outcome of a remote command. A nonzero ExitCode is not a
// transport error; callers decide whether it matters.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Err converts a nonzero exit into a coded exec error, nil otherwise.
func (r ExecResult) Err(cmd string) error {
	if r.ExitCode == 0 {
		return nil
	}
	return &util.ExecError{Command: cmd, ExitCode: r.ExitCode, Stderr: strings.TrimSpace(r.Stderr)}
}

// Transport is an authenticated SSH connection to one remote host.
// Connect and Disconnect are idempotent; Exec calls are serialized.
type Transport struct {
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	state  State
	client *ssh.Client
	done   chan struct{}

	execMu sync.Mutex

	subMu sync.Mutex
	subs  []func(Event)
}

// New creates a transport for the given config. No network activity happens
// until Connect.
func New(cfg Config) *Transport {
	return &Transport{
		cfg: cfg.withDefaults(),
		log: util.WithComponent("ssh").WithField("host", cfg.Host),
	}
}

// Subscribe registers a synchronous listener for transport events.
func (t *Transport) Subscribe(fn func(Event)) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subs = append(t.subs, fn)
}

func (t *Transport) emit(ev Event) {
	t.subMu.Lock()
	subs := make([]func(Event), len(t.subs))
	copy(subs, t.subs)
	t.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether the transport is usable.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// Connect dials and authenticates. Calling Connect on an already connected
// transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	// Auth material is validated before any network activity so an
	// encrypted key without a passphrase fails fast.
	auth, err := t.authMethods()
	if err != nil {
		t.setDisconnected()
		return err
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: t.cfg.HostKeyCallback,
		Timeout:         t.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.setDisconnected()
		cerr := classify(err, addr)
		t.emit(Event{Kind: EventError, Err: cerr})
		return cerr
	}
	if err := conn.SetDeadline(time.Now().Add(t.cfg.ConnectTimeout)); err != nil {
		conn.Close()
		t.setDisconnected()
		return classify(err, addr)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		t.setDisconnected()
		cerr := classify(err, addr)
		t.emit(Event{Kind: EventError, Err: cerr})
		return cerr
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(cc, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.state = StateConnected
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.keepalive(client, done)
	go t.watchClose(client, done)

	t.log.Info("connected")
	t.emit(Event{Kind: EventReady})
	return nil
}

func (t *Transport) setDisconnected() {
	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
}

// Disconnect closes the connection and every channel opened through it.
// Disconnecting an idle transport is a no-op.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	done := t.done
	t.client = nil
	t.done = nil
	wasConnected := t.state == StateConnected
	t.state = StateDisconnected
	t.mu.Unlock()

	if !wasConnected {
		return nil
	}
	if done != nil {
		close(done)
	}
	if client != nil {
		client.Close()
	}
	t.log.Info("disconnected")
	t.emit(Event{Kind: EventClose})
	return nil
}

// watchClose observes the underlying connection dying out from under us
// (network drop, remote close) and flips the state.
func (t *Transport) watchClose(client *ssh.Client, done chan struct{}) {
	err := client.Wait()
	select {
	case <-done:
		return // deliberate disconnect already handled
	default:
	}

	t.mu.Lock()
	if t.client == client {
		t.client = nil
		t.state = StateDisconnected
		if t.done != nil {
			close(t.done)
			t.done = nil
		}
	}
	t.mu.Unlock()

	t.log.WithError(err).Warn("connection lost")
	if err != nil {
		t.emit(Event{Kind: EventError, Err: classify(err, t.cfg.Host)})
	}
	t.emit(Event{Kind: EventClose})
}

// keepalive sends openssh keepalive requests; after KeepaliveMax consecutive
// failures the connection is declared lost and torn down.
func (t *Transport) keepalive(client *ssh.Client, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				missed = 0
				continue
			}
			missed++
			if missed < t.cfg.KeepaliveMax {
				continue
			}
			t.log.Warnf("keepalive failed %d times, closing", missed)
			t.emit(Event{Kind: EventTimeout, Err: util.E(util.CodeTimeout, "keepalive lost after %d probes", missed)})
			t.Disconnect()
			return
		}
	}
}

func (t *Transport) currentClient() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected || t.client == nil {
		return nil, util.E(util.CodeNotConnected, "transport to %s is not connected", t.cfg.Host)
	}
	return t.client, nil
}

// Exec runs a command on the remote host and returns its output and exit
// code. Concurrent calls are serialized. A zero timeout means no bound.
func (t *Transport) Exec(cmd string, timeout time.Duration) (ExecResult, error) {
	client, err := t.currentClient()
	if err != nil {
		return ExecResult{}, err
	}

	t.execMu.Lock()
	defer t.execMu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, util.WrapE(util.CodeConnection, err, "open exec session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return ExecResult{}, util.WrapE(util.CodeConnection, err, "start %q", cmd)
	}
	go func() { runErr <- session.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case err = <-runErr:
	case <-timer:
		session.Close()
		return ExecResult{}, util.E(util.CodeTimeout, "exec %q timed out after %s", cmd, timeout)
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, util.WrapE(util.CodeConnection, err, "exec %q", cmd)
	}
	return res, nil
}

// OpenChannel opens a direct-tcpip channel to host:port as seen from the
// remote side.
func (t *Transport) OpenChannel(host string, port int) (net.Conn, error) {
	client, err := t.currentClient()
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, util.WrapE(util.CodeConnection, err, "open channel to %s:%d", host, port)
	}
	return conn, nil
}

// OpenChannelFrom opens a direct-tcpip channel carrying the originating
// peer's address as the source tuple of the SSH request.
func (t *Transport) OpenChannelFrom(src net.Addr, host string, port int) (net.Conn, error) {
	client, err := t.currentClient()
	if err != nil {
		return nil, err
	}
	laddr, ok := src.(*net.TCPAddr)
	if !ok {
		return t.OpenChannel(host, port)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		// Let the remote side resolve the name instead.
		return t.OpenChannel(host, port)
	}
	conn, err := client.DialTCP("tcp", laddr, &net.TCPAddr{IP: ips[0], Port: port})
	if err != nil {
		return nil, util.WrapE(util.CodeConnection, err, "open channel to %s:%d", host, port)
	}
	return conn, nil
}

// ListenRemote asks the remote sshd to listen on host:port and returns a
// listener whose Accept yields tunneled connections.
func (t *Transport) ListenRemote(host string, port int) (net.Listener, error) {
	client, err := t.currentClient()
	if err != nil {
		return nil, err
	}
	ln, err := client.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, util.WrapE(util.CodePortForward, err, "remote listen on %s:%d", host, port)
	}
	return ln, nil
}

// classify maps raw transport errors onto the stable code families.
func classify(err error, target string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no supported methods remain"):
		return util.WrapE(util.CodeAuth, err, "authentication to %s failed", target)
	case isTimeout(err), strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return util.WrapE(util.CodeTimeout, err, "connection to %s timed out", target)
	default:
		return util.WrapE(util.CodeConnection, err, "connection to %s failed", target)
	}
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}
