// Package forward implements SSH-backed TCP port forwarding: a local
// listener whose accepted connections are proxied over direct-tcpip channels,
// and the symmetric remote-listen variant.
package forward

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/util"
)

// RuleState is the lifecycle state of one forward rule.
type RuleState string

const (
	StateInactive RuleState = "inactive"
	StateActive   RuleState = "active"
	StateError    RuleState = "error"
)

// Rule describes one forward. For local rules LocalHost/LocalPort is the
// listening socket; for remote rules it is the remote listening socket and
// RemoteHost/RemotePort is the dial destination.
type Rule struct {
	ID         string
	Kind       string // "local" or "remote"
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
	State      RuleState
}

// Event reports a per-connection failure. The listener survives; failures
// are events, not errors.
type Event struct {
	RuleID string
	Err    error
}

// Transport is the slice of sshx.Transport the forwarder needs.
type Transport interface {
	OpenChannelFrom(src net.Addr, host string, port int) (net.Conn, error)
	ListenRemote(host string, port int) (net.Listener, error)
}

// Forwarder owns a set of forward rules over one SSH transport.
type Forwarder struct {
	transport Transport
	log       *logrus.Entry

	mu     sync.Mutex
	nextID int
	rules  map[string]*activeRule

	subMu sync.Mutex
	subs  []func(Event)
}

type activeRule struct {
	rule     Rule
	listener net.Listener
	dial     func(src net.Addr) (net.Conn, error)

	mu     sync.Mutex
	closed bool
	pairs  map[*pair]struct{}
	wg     sync.WaitGroup
}

type pair struct {
	a, b net.Conn
	once sync.Once
}

func (p *pair) closeBoth() {
	p.once.Do(func() {
		p.a.Close()
		p.b.Close()
	})
}

// New creates a forwarder over the given transport.
func New(t Transport) *Forwarder {
	return &Forwarder{
		transport: t,
		log:       util.WithComponent("forward"),
		rules:     make(map[string]*activeRule),
	}
}

// Subscribe registers a synchronous listener for per-connection errors.
func (f *Forwarder) Subscribe(fn func(Event)) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	f.subs = append(f.subs, fn)
}

func (f *Forwarder) emit(ev Event) {
	f.subMu.Lock()
	subs := make([]func(Event), len(f.subs))
	copy(subs, f.subs)
	f.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// StartLocal binds localHost:localPort and proxies each accepted connection
// to remoteHost:remotePort through the SSH transport.
func (f *Forwarder) StartLocal(localHost string, localPort int, remoteHost string, remotePort int) (Rule, error) {
	addr := net.JoinHostPort(localHost, fmt.Sprintf("%d", localPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Rule{}, util.WrapE(util.CodePortForward, err, "listen on %s", addr)
	}

	rule := Rule{
		Kind:       "local",
		LocalHost:  localHost,
		LocalPort:  ln.Addr().(*net.TCPAddr).Port,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		State:      StateActive,
	}
	ar := &activeRule{
		rule:     rule,
		listener: ln,
		pairs:    make(map[*pair]struct{}),
		dial: func(src net.Addr) (net.Conn, error) {
			return f.transport.OpenChannelFrom(src, remoteHost, remotePort)
		},
	}
	f.register(ar)
	f.log.WithFields(logrus.Fields{
		"rule":   ar.rule.ID,
		"local":  addr,
		"remote": fmt.Sprintf("%s:%d", remoteHost, remotePort),
	}).Info("local forward started")

	ar.wg.Add(1)
	go f.acceptLoop(ar, func(c net.Conn) net.Addr { return c.RemoteAddr() })
	return ar.rule, nil
}

// StartRemote asks the remote side to listen on remoteListenHost:remoteListenPort
// and proxies each inbound connection to destHost:destPort dialed locally.
// The two endpoint pairs are deliberately named to keep callers from
// conflating the listening side with the destination side.
func (f *Forwarder) StartRemote(remoteListenHost string, remoteListenPort int, destHost string, destPort int) (Rule, error) {
	if remoteListenPort == destPort && remoteListenHost == destHost {
		return Rule{}, util.NewValidationError("destHost", "remote listen endpoint equals destination endpoint")
	}
	ln, err := f.transport.ListenRemote(remoteListenHost, remoteListenPort)
	if err != nil {
		return Rule{}, err
	}

	rule := Rule{
		Kind:       "remote",
		LocalHost:  remoteListenHost,
		LocalPort:  remoteListenPort,
		RemoteHost: destHost,
		RemotePort: destPort,
		State:      StateActive,
	}
	ar := &activeRule{
		rule:     rule,
		listener: ln,
		pairs:    make(map[*pair]struct{}),
		dial: func(net.Addr) (net.Conn, error) {
			return net.Dial("tcp", net.JoinHostPort(destHost, fmt.Sprintf("%d", destPort)))
		},
	}
	f.register(ar)
	f.log.WithFields(logrus.Fields{
		"rule":   ar.rule.ID,
		"listen": fmt.Sprintf("%s:%d", remoteListenHost, remoteListenPort),
		"dest":   fmt.Sprintf("%s:%d", destHost, destPort),
	}).Info("remote forward started")

	ar.wg.Add(1)
	go f.acceptLoop(ar, func(c net.Conn) net.Addr { return c.RemoteAddr() })
	return ar.rule, nil
}

func (f *Forwarder) register(ar *activeRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ar.rule.ID = fmt.Sprintf("fwd-%d", f.nextID)
	f.rules[ar.rule.ID] = ar
}

func (f *Forwarder) acceptLoop(ar *activeRule, srcOf func(net.Conn) net.Addr) {
	defer ar.wg.Done()
	for {
		conn, err := ar.listener.Accept()
		if err != nil {
			return
		}
		upstream, err := ar.dial(srcOf(conn))
		if err != nil {
			// One failed connection must not take the listener down.
			conn.Close()
			f.emit(Event{RuleID: ar.rule.ID, Err: util.WrapE(util.CodePortForward, err, "open channel for %s", conn.RemoteAddr())})
			continue
		}
		p := &pair{a: conn, b: upstream}
		if !ar.addPair(p) {
			p.closeBoth()
			return
		}
		ar.wg.Add(1)
		go f.runPair(ar, p)
	}
}

func (ar *activeRule) addPair(p *pair) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.closed {
		return false
	}
	ar.pairs[p] = struct{}{}
	return true
}

func (ar *activeRule) removePair(p *pair) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	delete(ar.pairs, p)
}

// runPair copies bytes in both directions until either side closes, then
// closes both ends before removing the pair, so no byte moves after the
// pair has left the active set.
func (f *Forwarder) runPair(ar *activeRule, p *pair) {
	defer ar.wg.Done()

	var copiers sync.WaitGroup
	copiers.Add(2)
	go func() {
		defer copiers.Done()
		io.Copy(p.b, p.a)
		p.closeBoth()
	}()
	go func() {
		defer copiers.Done()
		io.Copy(p.a, p.b)
		p.closeBoth()
	}()
	copiers.Wait()
	ar.removePair(p)
}

// Stop destroys every active pair of the rule, closes its listener, and
// removes it. Stopping an unknown rule is a no-op.
func (f *Forwarder) Stop(ruleID string) error {
	f.mu.Lock()
	ar, ok := f.rules[ruleID]
	delete(f.rules, ruleID)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	f.stopRule(ar)
	return nil
}

func (f *Forwarder) stopRule(ar *activeRule) {
	ar.mu.Lock()
	ar.closed = true
	pairs := make([]*pair, 0, len(ar.pairs))
	for p := range ar.pairs {
		pairs = append(pairs, p)
	}
	ar.mu.Unlock()

	for _, p := range pairs {
		p.closeBoth()
	}
	ar.listener.Close()
	ar.wg.Wait()
	f.log.WithField("rule", ar.rule.ID).Info("forward stopped")
}

// StopAll stops every rule.
func (f *Forwarder) StopAll() {
	f.mu.Lock()
	rules := make([]*activeRule, 0, len(f.rules))
	for _, ar := range f.rules {
		rules = append(rules, ar)
	}
	f.rules = make(map[string]*activeRule)
	f.mu.Unlock()

	for _, ar := range rules {
		f.stopRule(ar)
	}
}

// List returns a snapshot of all rules.
func (f *Forwarder) List() []Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Rule, 0, len(f.rules))
	for _, ar := range f.rules {
		out = append(out, ar.rule)
	}
	return out
}

// ActiveConns returns the number of live pairs on a rule.
func (f *Forwarder) ActiveConns(ruleID string) int {
	f.mu.Lock()
	ar, ok := f.rules[ruleID]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return len(ar.pairs)
}
