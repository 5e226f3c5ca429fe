// Package session composes the SSH transport, remote browser, port forward
// and CDP connection into one atomic session with ordered startup,
// reverse-order teardown and live state broadcast.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/browser"
	"github.com/telebrowse/telebrowse/pkg/cdp"
	"github.com/telebrowse/telebrowse/pkg/forward"
	"github.com/telebrowse/telebrowse/pkg/netrec"
	"github.com/telebrowse/telebrowse/pkg/page"
	"github.com/telebrowse/telebrowse/pkg/sshx"
	"github.com/telebrowse/telebrowse/pkg/util"
)

// Axis values. Each axis is a small independent enum; the session is ready
// when all four sit at their terminal positive value.
const (
	SSHDisconnected = "disconnected"
	SSHConnecting   = "connecting"
	SSHConnected    = "connected"

	ForwardInactive = "inactive"
	ForwardActive   = "active"

	BrowserStopped  = "stopped"
	BrowserStarting = "starting"
	BrowserRunning  = "running"

	CDPDisconnected = "disconnected"
	CDPConnecting   = "connecting"
	CDPConnected    = "connected"
)

// State is the full four-axis tuple. Every state change carries the whole
// tuple, never a delta.
type State struct {
	SSH         string `json:"ssh"`
	PortForward string `json:"portForward"`
	Browser     string `json:"browser"`
	CDP         string `json:"cdp"`
}

func initialState() State {
	return State{
		SSH:         SSHDisconnected,
		PortForward: ForwardInactive,
		Browser:     BrowserStopped,
		CDP:         CDPDisconnected,
	}
}

// Ready reports whether every axis is at its terminal positive value.
func (s State) Ready() bool {
	return s.SSH == SSHConnected &&
		s.PortForward == ForwardActive &&
		s.Browser == BrowserRunning &&
		s.CDP == CDPConnected
}

// EventKind tags a session event.
type EventKind string

const (
	EventStateChange EventKind = "state:change"
	EventError       EventKind = "error"
	EventReady       EventKind = "ready"
	EventClosed      EventKind = "closed"
)

// Event is delivered to subscribers in emission order.
type Event struct {
	Kind  EventKind
	State State
	Err   error
}

// Options configures one session start.
type Options struct {
	SSH     sshx.Config
	Browser browser.Options

	// LocalHost/LocalPort is the local end of the forward; RemotePort is
	// the remote debugging port to reach. LocalPort 0 binds an ephemeral
	// port; RemotePort 0 takes the browser's debug port.
	LocalHost  string
	LocalPort  int
	RemotePort int

	// BrowserReadyTimeout bounds the wait for the debugging endpoint to
	// answer through the forward.
	BrowserReadyTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.LocalHost == "" {
		out.LocalHost = "127.0.0.1"
	}
	if out.RemotePort == 0 {
		if out.Browser.DebugPort != 0 {
			out.RemotePort = out.Browser.DebugPort
		} else {
			out.RemotePort = 9222
		}
	}
	if out.BrowserReadyTimeout == 0 {
		out.BrowserReadyTimeout = 10 * time.Second
	}
	return out
}

// Session is the orchestrator. At most one start or stop runs at a time and
// at most one session is active per Session value.
type Session struct {
	log *logrus.Entry

	mu     sync.Mutex
	busy   bool
	active bool
	state  State
	undo   []func()

	transport *sshx.Transport
	forwarder *forward.Forwarder
	remote    *browser.Remote
	client    *cdp.Client
	page      *page.Page
	recorder  *netrec.Recorder
	rule      forward.Rule
	browserPI browser.Info

	emitMu sync.Mutex
	subMu  sync.Mutex
	subs   []func(Event)
}

// New returns an inactive session.
func New() *Session {
	return &Session{
		log:   util.WithComponent("session"),
		state: initialState(),
	}
}

// Subscribe registers a synchronous event listener.
func (s *Session) Subscribe(fn func(Event)) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

// emit serializes delivery so no observer sees two in-flight emissions.
func (s *Session) emit(ev Event) {
	s.subMu.Lock()
	subs := make([]func(Event), len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// setState applies mutate to the tuple and broadcasts the result.
func (s *Session) setState(mutate func(*State)) {
	s.mu.Lock()
	mutate(&s.state)
	snapshot := s.state
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChange, State: snapshot})
}

// State returns the current tuple.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether the session is fully up.
func (s *Session) IsReady() bool {
	return s.State().Ready()
}

// Active reports whether a session currently owns resources.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Page returns the page adapter of the active session.
func (s *Session) Page() (*page.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.page == nil {
		return nil, util.E(util.CodeNotActive, "no active session")
	}
	return s.page, nil
}

// Recorder returns the network recorder of the active session.
func (s *Session) Recorder() (*netrec.Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.recorder == nil {
		return nil, util.E(util.CodeNotActive, "no active session")
	}
	return s.recorder, nil
}

// Browser returns launch info for the active session's browser.
func (s *Session) Browser() (browser.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return browser.Info{}, util.E(util.CodeNotActive, "no active session")
	}
	return s.browserPI, nil
}

// beginStart claims the single start/stop slot for a start.
func (s *Session) beginStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.active {
		return util.E(util.CodeAlreadyActive, "session already active")
	}
	s.busy = true
	return nil
}

// beginStop claims the slot for a stop.
func (s *Session) beginStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || !s.active {
		return util.E(util.CodeNotActive, "no active session")
	}
	s.busy = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// pushUndo records one acquired resource for reverse-order release.
func (s *Session) pushUndo(fn func()) {
	s.mu.Lock()
	s.undo = append(s.undo, fn)
	s.mu.Unlock()
}

// unwind pops and runs the whole undo stack in reverse. Teardown errors are
// swallowed inside each entry; teardown must not abort teardown.
func (s *Session) unwind() {
	s.mu.Lock()
	undo := s.undo
	s.undo = nil
	s.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// Start brings the session up in strict order: SSH, browser launch, port
// forward, debug endpoint ready, CDP connect. Any failure unwinds what was
// started and surfaces session/start-failed wrapping the cause.
func (s *Session) Start(ctx context.Context, opts Options) error {
	if err := s.beginStart(); err != nil {
		return err
	}
	defer s.end()

	o := opts.withDefaults()
	if err := s.startLocked(ctx, o); err != nil {
		s.unwind()
		s.resetComponents()
		s.setState(func(st *State) { *st = initialState() })
		wrapped := util.WrapE(util.CodeStartFailed, err, "session start failed")
		s.emit(Event{Kind: EventError, State: s.State(), Err: wrapped})
		return wrapped
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.emit(Event{Kind: EventReady, State: s.State()})
	s.log.Info("session ready")
	return nil
}

func (s *Session) startLocked(ctx context.Context, o Options) error {
	// 1. SSH transport.
	s.setState(func(st *State) { st.SSH = SSHConnecting })
	transport := sshx.New(o.SSH)
	if err := transport.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()
	s.pushUndo(func() { transport.Disconnect() })
	s.setState(func(st *State) { st.SSH = SSHConnected })

	// 2. Remote browser process.
	s.setState(func(st *State) { st.Browser = BrowserStarting })
	remote := browser.New(transport)
	info, err := remote.Launch(o.Browser)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.remote = remote
	s.browserPI = info
	s.mu.Unlock()
	s.pushUndo(func() { remote.Cleanup() })

	// 3. Local forward to the remote debug port.
	fwd := forward.New(transport)
	rule, err := fwd.StartLocal(o.LocalHost, o.LocalPort, "127.0.0.1", o.RemotePort)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.forwarder = fwd
	s.rule = rule
	s.mu.Unlock()
	s.pushUndo(fwd.StopAll)
	s.setState(func(st *State) { st.PortForward = ForwardActive })

	// The browser counts as running once its endpoint answers through the
	// forward, not merely once the process exists.
	base := fmt.Sprintf("http://%s:%d", o.LocalHost, rule.LocalPort)
	ver, err := remote.WaitReady(base, o.BrowserReadyTimeout)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.browserPI.Version = ver
	s.mu.Unlock()
	s.setState(func(st *State) { st.Browser = BrowserRunning })

	// 4. CDP over the forwarded port.
	s.setState(func(st *State) { st.CDP = CDPConnecting })
	client := cdp.New(cdp.Config{Host: o.LocalHost, Port: rule.LocalPort})
	if err := client.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.pushUndo(func() { client.Disconnect() })

	pg, err := page.New(ctx, client)
	if err != nil {
		return err
	}
	rec := netrec.New(client)
	s.mu.Lock()
	s.page = pg
	s.recorder = rec
	s.mu.Unlock()
	s.pushUndo(rec.Close)
	s.setState(func(st *State) { st.CDP = CDPConnected })

	return nil
}

// Stop tears the session down in strict reverse order. Each step swallows
// its own errors. After completion every axis is back at its initial value
// and closed is emitted.
func (s *Session) Stop() error {
	if err := s.beginStop(); err != nil {
		return err
	}
	defer s.end()

	s.unwind()
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.resetComponents()
	s.setState(func(st *State) { *st = initialState() })
	s.emit(Event{Kind: EventClosed, State: s.State()})
	s.log.Info("session closed")
	return nil
}

func (s *Session) resetComponents() {
	s.mu.Lock()
	s.transport = nil
	s.forwarder = nil
	s.remote = nil
	s.client = nil
	s.page = nil
	s.recorder = nil
	s.rule = forward.Rule{}
	s.browserPI = browser.Info{}
	s.mu.Unlock()
}
