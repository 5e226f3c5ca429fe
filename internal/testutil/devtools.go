package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// RPCError mirrors a CDP error reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MethodHandler produces the result (or error) for one CDP method call.
type MethodHandler func(params json.RawMessage) (interface{}, *RPCError)

// DevTools is a fake Chrome DevTools endpoint: the HTTP discovery surface
// (/json/version, /json/list) plus a WebSocket speaking enough CDP for
// tests. Methods without a registered handler answer an empty object.
type DevTools struct {
	Port    int
	Version string

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]MethodHandler
	conns    map[*wsConn]struct{}

	// ServePage controls whether /json/list advertises a page target.
	ServePage bool
	// OmitVersionWS hides webSocketDebuggerUrl from /json/version, forcing
	// clients through /json/list.
	OmitVersionWS bool
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// StartDevTools launches a fake DevTools endpoint on a loopback port.
func StartDevTools(t *testing.T) *DevTools {
	t.Helper()
	d := &DevTools{
		Version:   "Chrome/126.0.0.0",
		handlers:  make(map[string]MethodHandler),
		conns:     make(map[*wsConn]struct{}),
		ServePage: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", d.handleVersion)
	mux.HandleFunc("/json/list", d.handleList)
	mux.HandleFunc("/devtools/", d.handleWS)
	d.server = httptest.NewServer(mux)
	d.Port = d.server.Listener.Addr().(*net.TCPAddr).Port
	t.Cleanup(d.Close)
	return d
}

// Close shuts the endpoint down, dropping every WebSocket.
func (d *DevTools) Close() {
	d.CloseConns()
	d.server.Close()
}

// CloseConns force-drops all live WebSocket connections, simulating a
// transport loss.
func (d *DevTools) CloseConns() {
	d.mu.Lock()
	conns := make([]*wsConn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.conns = make(map[*wsConn]struct{})
	d.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

// Handle registers a method handler.
func (d *DevTools) Handle(method string, fn MethodHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = fn
}

// HandleResult registers a handler returning a fixed result.
func (d *DevTools) HandleResult(method string, result interface{}) {
	d.Handle(method, func(json.RawMessage) (interface{}, *RPCError) {
		return result, nil
	})
}

// Emit sends an unsolicited event to every connected client.
func (d *DevTools) Emit(method string, params interface{}) {
	raw, _ := json.Marshal(params)
	frame := map[string]interface{}{"method": method, "params": json.RawMessage(raw)}
	d.mu.Lock()
	conns := make([]*wsConn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	for _, c := range conns {
		c.writeJSON(frame)
	}
}

// ConnCount returns the number of live WebSocket connections.
func (d *DevTools) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *DevTools) wsURL() string {
	return "ws://" + strings.TrimPrefix(d.server.URL, "http://") + "/devtools/browser/test"
}

func (d *DevTools) handleVersion(w http.ResponseWriter, r *http.Request) {
	reply := map[string]string{"Browser": d.Version}
	if !d.OmitVersionWS {
		reply["webSocketDebuggerUrl"] = d.wsURL()
	}
	json.NewEncoder(w).Encode(reply)
}

func (d *DevTools) handleList(w http.ResponseWriter, r *http.Request) {
	var targets []map[string]string
	if d.ServePage {
		targets = append(targets, map[string]string{
			"id":                   "page-1",
			"type":                 "page",
			"title":                "about:blank",
			"url":                  "about:blank",
			"webSocketDebuggerUrl": d.wsURL(),
		})
	}
	json.NewEncoder(w).Encode(targets)
}

func (d *DevTools) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn}
	d.mu.Lock()
	d.conns[wc] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.conns, wc)
		d.mu.Unlock()
		conn.Close()
	}()

	for {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		d.mu.Lock()
		handler := d.handlers[req.Method]
		d.mu.Unlock()

		reply := map[string]interface{}{"id": req.ID}
		if handler == nil {
			reply["result"] = map[string]interface{}{}
		} else if result, rpcErr := handler(req.Params); rpcErr != nil {
			reply["error"] = rpcErr
		} else {
			raw, _ := json.Marshal(result)
			reply["result"] = json.RawMessage(raw)
		}
		if err := wc.writeJSON(reply); err != nil {
			return
		}
	}
}
