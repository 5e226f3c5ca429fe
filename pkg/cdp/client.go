// Package cdp speaks the Chrome DevTools Protocol over a single WebSocket:
// request/response correlation by monotonically increasing id, and fan-out of
// unsolicited events by method name.
package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/util"
)

// Config locates the DevTools endpoint, normally the local end of the port
// forward.
type Config struct {
	Host string // default 127.0.0.1
	Port int
	// TargetID pins an explicit page target; empty selects automatically.
	TargetID       string
	ConnectTimeout time.Duration // default 5s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 5 * time.Second
	}
	return out
}

// EventHandler receives unsolicited protocol events.
type EventHandler func(method string, params json.RawMessage)

// message is the CDP wire frame, both directions.
type message struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocolError  `json:"error,omitempty"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Client is a CDP connection to one browser target. Safe for concurrent use;
// responses and events are delivered in arrival order by a single read loop.
type Client struct {
	cfg Config
	log *logrus.Entry

	nextID uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	done      chan struct{}
	waiters   map[uint64]chan response

	writeMu sync.Mutex

	subMu   sync.Mutex
	nextSub int
	subs    map[int]EventHandler
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     util.WithComponent("cdp"),
		waiters: make(map[uint64]chan response),
		subs:    make(map[int]EventHandler),
	}
}

// Connect resolves a target and dials its WebSocket. Connecting an already
// connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wsURL, err := resolveTarget(c.cfg)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if dialCtx.Err() != nil {
			return util.WrapE(util.CodeCDPTimeout, err, "connect to %s timed out after %s", wsURL, c.cfg.ConnectTimeout)
		}
		return util.WrapE(util.CodeConnection, err, "connect to %s", wsURL)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)

	c.log.WithField("url", wsURL).Info("connected")
	return nil
}

// Connected reports whether the WebSocket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the WebSocket and fails every in-flight request.
// Idempotent.
func (c *Client) Disconnect() error {
	c.shutdown(nil)
	return nil
}

// shutdown tears the connection down once; cause is recorded for logs only —
// waiters always fail with the stable transport-closed code.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	close(c.done)
	waiters := c.waiters
	c.waiters = make(map[uint64]chan response)
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	err := util.E(util.CodeCDPClosed, "cdp transport closed")
	for _, ch := range waiters {
		ch <- response{err: err}
	}

	if cause != nil {
		c.log.WithError(cause).Debug("transport closed")
	} else {
		c.log.Debug("disconnected")
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("undecodable frame")
			continue
		}
		switch {
		case msg.ID != 0:
			c.deliver(msg)
		case msg.Method != "":
			c.dispatch(msg.Method, msg.Params)
		}
	}
}

func (c *Client) deliver(msg message) {
	c.mu.Lock()
	ch, ok := c.waiters[msg.ID]
	if ok {
		delete(c.waiters, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		ch <- response{err: util.E(util.CodeCDPProtocol, "%s (%d)", msg.Error.Message, msg.Error.Code)}
		return
	}
	ch <- response{result: msg.Result}
}

// dispatch runs subscribers synchronously so events stay serialized with
// responses.
func (c *Client) dispatch(method string, params json.RawMessage) {
	c.subMu.Lock()
	handlers := make([]EventHandler, 0, len(c.subs))
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	// Map order is random; deliver in registration order.
	sortInts(ids)
	for _, id := range ids {
		handlers = append(handlers, c.subs[id])
	}
	c.subMu.Unlock()
	for _, fn := range handlers {
		fn(method, params)
	}
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

// Subscribe registers an event handler and returns its removal function.
// Handlers must not block; they run on the read loop.
func (c *Client) Subscribe(fn EventHandler) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Send issues one request and waits for its response. params may be nil.
func (c *Client) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, util.E(util.CodeCDPClosed, "cdp transport closed")
	}
	conn := c.conn
	done := c.done
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan response, 1)
	c.waiters[id] = ch
	c.mu.Unlock()

	msg := message{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.dropWaiter(id)
			return nil, util.WrapE(util.CodeCDPProtocol, err, "encode params for %s", method)
		}
		msg.Params = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		c.dropWaiter(id)
		return nil, util.WrapE(util.CodeCDPProtocol, err, "encode %s", method)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropWaiter(id)
		c.shutdown(err)
		return nil, util.E(util.CodeCDPClosed, "cdp transport closed")
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, util.WrapE(util.CodeOf(resp.err), resp.err, "%s failed", method)
		}
		return resp.result, nil
	case <-done:
		return nil, util.E(util.CodeCDPClosed, "cdp transport closed")
	case <-ctx.Done():
		c.dropWaiter(id)
		return nil, util.WrapE(util.CodeCDPTimeout, ctx.Err(), "%s", method)
	}
}

func (c *Client) dropWaiter(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}
