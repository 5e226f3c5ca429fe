package session

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/sshx"
	"github.com/telebrowse/telebrowse/pkg/util"
)

const sweepInterval = 30 * time.Second

// PoolOptions bounds the connection pool. Zero values take the defaults.
type PoolOptions struct {
	MaxConnections    int           // default 10
	IdleTimeout       time.Duration // default 5m; 0 keeps the default, negative disables sweeping
	ReconnectAttempts int           // default 3; negative disables reconnect
	ReconnectDelay    time.Duration // default 5s, grows per attempt
}

func (o *PoolOptions) withDefaults() PoolOptions {
	out := *o
	if out.MaxConnections == 0 {
		out.MaxConnections = 10
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 5 * time.Minute
	}
	if out.ReconnectAttempts == 0 {
		out.ReconnectAttempts = 3
	}
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = 5 * time.Second
	}
	return out
}

type poolEntry struct {
	transport *sshx.Transport
	cfg       sshx.Config
	lastUsed  time.Time
}

// Pool caches SSH transports by key, disconnecting idle ones in the
// background and reconnecting dropped ones on demand.
type Pool struct {
	opts PoolOptions
	log  *logrus.Entry

	mu      sync.Mutex
	entries map[string]*poolEntry
	done    chan struct{}
	closed  bool
}

// NewPool starts the idle sweeper and returns the pool.
func NewPool(opts PoolOptions) *Pool {
	p := &Pool{
		opts:    opts.withDefaults(),
		log:     util.WithComponent("pool"),
		entries: make(map[string]*poolEntry),
		done:    make(chan struct{}),
	}
	if p.opts.IdleTimeout > 0 {
		go p.sweep()
	}
	return p
}

// Get returns a connected transport for key, dialing or reconnecting as
// needed. The entry's idle clock resets on every Get.
func (p *Pool) Get(ctx context.Context, key string, cfg sshx.Config) (*sshx.Transport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, util.E(util.CodeNotConnected, "connection pool closed")
	}
	e, ok := p.entries[key]
	if !ok {
		if len(p.entries) >= p.opts.MaxConnections {
			p.mu.Unlock()
			return nil, util.E(util.CodeConnection, "connection pool full (%d)", p.opts.MaxConnections)
		}
		e = &poolEntry{transport: sshx.New(cfg), cfg: cfg}
		p.entries[key] = e
	}
	e.lastUsed = time.Now()
	transport := e.transport
	p.mu.Unlock()

	if transport.IsConnected() {
		return transport, nil
	}
	if err := p.connect(ctx, key, transport); err != nil {
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
		return nil, err
	}
	return transport, nil
}

// connect dials with bounded retries and growing delay.
func (p *Pool) connect(ctx context.Context, key string, t *sshx.Transport) error {
	attempts := p.opts.ReconnectAttempts
	if attempts < 0 {
		attempts = 0
	}
	b := &backoff.Backoff{
		Min:    p.opts.ReconnectDelay,
		Max:    p.opts.ReconnectDelay * 8,
		Factor: 2,
		Jitter: false,
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = t.Connect(ctx); err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}
		delay := b.Duration()
		p.log.WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt + 1,
			"delay":   delay,
		}).WithError(err).Warn("reconnect failed, retrying")
		select {
		case <-ctx.Done():
			return util.WrapE(util.CodeTimeout, ctx.Err(), "reconnect %s", key)
		case <-p.done:
			return util.E(util.CodeNotConnected, "connection pool closed")
		case <-time.After(delay):
		}
	}
}

// Remove disconnects and forgets one entry.
func (p *Pool) Remove(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()
	if ok {
		e.transport.Disconnect()
	}
}

// Len returns the number of pooled entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the sweeper and disconnects everything.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, e := range entries {
		e.transport.Disconnect()
	}
}

func (p *Pool) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweepOnce(time.Now())
		}
	}
}

// sweepOnce disconnects entries idle past the timeout. They stay pooled so
// a later Get can reconnect them.
func (p *Pool) sweepOnce(now time.Time) {
	p.mu.Lock()
	var idle []*poolEntry
	for key, e := range p.entries {
		if now.Sub(e.lastUsed) >= p.opts.IdleTimeout && e.transport.IsConnected() {
			p.log.WithField("key", key).Info("disconnecting idle connection")
			idle = append(idle, e)
		}
	}
	p.mu.Unlock()
	for _, e := range idle {
		e.transport.Disconnect()
	}
}
