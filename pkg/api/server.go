// Package api exposes the orchestrator and config store as a JSON-over-HTTP
// surface plus a WebSocket event stream, the contract the GUI consumes.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/browser"
	"github.com/telebrowse/telebrowse/pkg/config"
	"github.com/telebrowse/telebrowse/pkg/netrec"
	"github.com/telebrowse/telebrowse/pkg/page"
	"github.com/telebrowse/telebrowse/pkg/session"
	"github.com/telebrowse/telebrowse/pkg/sshx"
	"github.com/telebrowse/telebrowse/pkg/util"
)

// passwordMask replaces every password in outbound payloads.
const passwordMask = "********"

const testConnectTimeout = 10 * time.Second

// Server wires the config store and session orchestrator to HTTP.
type Server struct {
	store   *config.Store
	session *session.Session
	log     *logrus.Entry

	upgrader websocket.Upgrader

	clientMu sync.Mutex
	clients  map[*wsClient]struct{}
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewServer builds the server and installs its session event fan-out.
func NewServer(store *config.Store, sess *session.Session) *Server {
	s := &Server{
		store:   store,
		session: sess,
		log:     util.WithComponent("api"),
		clients: make(map[*wsClient]struct{}),
	}
	sess.Subscribe(s.broadcast)
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/connections", s.listConnections)
	mux.HandleFunc("POST /api/connections", s.addConnection)
	mux.HandleFunc("PUT /api/connections/{id}", s.updateConnection)
	mux.HandleFunc("DELETE /api/connections/{id}", s.removeConnection)
	mux.HandleFunc("POST /api/connections/{id}/test", s.testConnection)

	mux.HandleFunc("POST /api/session/start", s.startSession)
	mux.HandleFunc("POST /api/session/stop", s.stopSession)
	mux.HandleFunc("GET /api/session/status", s.sessionStatus)

	mux.HandleFunc("POST /api/browser/navigate", s.navigate)
	mux.HandleFunc("POST /api/browser/back", s.historyHandler((*page.Page).Back))
	mux.HandleFunc("POST /api/browser/forward", s.historyHandler((*page.Page).Forward))
	mux.HandleFunc("POST /api/browser/reload", s.reload)
	mux.HandleFunc("POST /api/browser/screenshot", s.screenshot)
	mux.HandleFunc("POST /api/browser/evaluate", s.evaluate)

	mux.HandleFunc("POST /api/network/start", s.networkStart)
	mux.HandleFunc("POST /api/network/stop", s.networkStop)
	mux.HandleFunc("POST /api/network/clear", s.networkClear)
	mux.HandleFunc("GET /api/network/entries", s.networkEntries)
	mux.HandleFunc("GET /api/network/export", s.networkExport)

	mux.HandleFunc("GET /api/events", s.events)

	return mux
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	s.log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- envelopes ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := util.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, util.Coded(util.CodeValidation)),
		errors.Is(err, util.Coded(util.CodeConfigInvalid)),
		errors.Is(err, util.Coded(util.CodeNotActive)):
		status = http.StatusBadRequest
	case errors.Is(err, util.Coded(util.CodeNotFound)):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": err.Error()},
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return util.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	return nil
}

// --- connections ---

func redact(c config.Connection) config.Connection {
	if c.Password != "" {
		c.Password = passwordMask
	}
	return c
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.store.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]config.Connection, len(conns))
	for i, c := range conns {
		out[i] = redact(c)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": out})
}

func (s *Server) addConnection(w http.ResponseWriter, r *http.Request) {
	var c config.Connection
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.store.Add(c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) updateConnection(w http.ResponseWriter, r *http.Request) {
	var c config.Connection
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, err)
		return
	}
	// A listed descriptor echoed back carries the mask, not the secret.
	// Treat it as "password unchanged" so the stored value survives.
	if c.Password == passwordMask {
		c.Password = ""
	}
	if err := s.store.Update(r.PathValue("id"), c); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) removeConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// testConnection dials SSH with the stored credentials and disconnects.
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	transport := sshx.New(sshConfigFor(c))
	ctx, cancel := context.WithTimeout(r.Context(), testConnectTimeout)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	transport.Disconnect()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("connected to %s:%d", c.Host, c.Port),
	})
}

func sshConfigFor(c config.Connection) sshx.Config {
	return sshx.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.Username,
		AuthKind: string(c.AuthKind),
		Password: c.Password,
		KeyPath:  c.KeyPath,
	}
}

// --- session ---

type startRequest struct {
	ConnectionID string `json:"connectionId"`
	Headless     *bool  `json:"headless,omitempty"`
	LocalPort    int    `json:"localPort,omitempty"`
	RemotePort   int    `json:"remotePort,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ConnectionID == "" {
		s.writeError(w, util.NewValidationError("connectionId", "required"))
		return
	}
	c, err := s.store.Get(req.ConnectionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	bs := s.store.Browser()
	fd := s.store.Forward()
	opts := session.Options{
		SSH: sshConfigFor(c),
		Browser: browser.Options{
			ExecutablePath: bs.ExecutablePath,
			DebugPort:      bs.DebugPort,
			UserDataDir:    bs.UserDataDir,
			Headless:       bs.Headless,
		},
		// The remote port tracks the browser debug port unless the
		// request overrides it; forward defaults only shape the local end.
		LocalHost: fd.LocalHost,
		LocalPort: fd.LocalPort,
	}
	if req.Headless != nil {
		opts.Browser.Headless = *req.Headless
	}
	if req.LocalPort != 0 {
		opts.LocalPort = req.LocalPort
	}
	if req.RemotePort != 0 {
		opts.RemotePort = req.RemotePort
		opts.Browser.DebugPort = req.RemotePort
	}

	if err := s.session.Start(r.Context(), opts); err != nil {
		s.writeError(w, err)
		return
	}
	s.store.SetLastConnectionID(req.ConnectionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"state":   s.session.State(),
	})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	if !s.session.Active() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": false, "state": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": true,
		"state":  s.session.State(),
	})
}

// --- browser ---

func (s *Server) activePage(w http.ResponseWriter) (*page.Page, bool) {
	pg, err := s.session.Page()
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return pg, true
}

func (s *Server) navigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL       string `json:"url"`
		WaitUntil string `json:"waitUntil,omitempty"`
		Timeout   int    `json:"timeout,omitempty"` // milliseconds
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.URL == "" {
		s.writeError(w, util.NewValidationError("url", "required"))
		return
	}
	pg, ok := s.activePage(w)
	if !ok {
		return
	}
	res, err := pg.Navigate(r.Context(), req.URL, page.NavigateOptions{
		WaitUntil: page.WaitUntil(req.WaitUntil),
		Timeout:   time.Duration(req.Timeout) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": res.URL, "title": res.Title})
}

func (s *Server) historyHandler(move func(*page.Page, context.Context) (page.NavigateResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := s.activePage(w)
		if !ok {
			return
		}
		res, err := move(pg, r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": res.URL})
	}
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WaitUntil string `json:"waitUntil,omitempty"`
		Timeout   int    `json:"timeout,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pg, ok := s.activePage(w)
	if !ok {
		return
	}
	res, err := pg.Reload(r.Context(), page.NavigateOptions{
		WaitUntil: page.WaitUntil(req.WaitUntil),
		Timeout:   time.Duration(req.Timeout) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": res.URL})
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format   string `json:"format,omitempty"`
		Quality  int    `json:"quality,omitempty"`
		FullPage bool   `json:"fullPage,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pg, ok := s.activePage(w)
	if !ok {
		return
	}
	data, err := pg.Screenshot(r.Context(), page.ScreenshotOptions{
		Format:   req.Format,
		Quality:  req.Quality,
		FullPage: req.FullPage,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	format := req.Format
	if format == "" {
		format = "png"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"data":   base64.StdEncoding.EncodeToString(data),
		"format": format,
	})
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Expression == "" {
		s.writeError(w, util.NewValidationError("expression", "required"))
		return
	}
	pg, ok := s.activePage(w)
	if !ok {
		return
	}
	val, err := pg.Evaluate(r.Context(), req.Expression)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": val})
}

// --- network ---

func (s *Server) activeRecorder(w http.ResponseWriter) (*netrec.Recorder, bool) {
	rec, err := s.session.Recorder()
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) networkStart(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.activeRecorder(w)
	if !ok {
		return
	}
	if err := rec.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) networkStop(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.activeRecorder(w)
	if !ok {
		return
	}
	if err := rec.Stop(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   rec.Count(),
	})
}

func (s *Server) networkClear(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.activeRecorder(w)
	if !ok {
		return
	}
	rec.Clear()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) networkEntries(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.activeRecorder(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := netrec.Filter{Type: q.Get("type")}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	filter.Status, _ = strconv.Atoi(q.Get("status"))

	entries := rec.Entries(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   rec.Count(),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (s *Server) networkExport(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.activeRecorder(w)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "har"
	}
	var (
		data []byte
		err  error
		name string
	)
	switch format {
	case "har":
		data, err = rec.ExportHAR()
		name = "network.har"
	case "json":
		data, err = rec.ExportJSON()
		name = "network.json"
	default:
		s.writeError(w, util.NewValidationError("format", "must be har or json"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

// --- events ---

type eventFrame struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// broadcast relays one session event to every WebSocket client.
func (s *Server) broadcast(ev session.Event) {
	frame := eventFrame{
		Type:      string(ev.Kind),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if ev.Kind == session.EventError && ev.Err != nil {
		frame.Payload = map[string]string{
			"code":    util.CodeOf(ev.Err),
			"message": ev.Err.Error(),
		}
	} else {
		frame.Payload = ev.State
	}

	s.clientMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientMu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		err := c.conn.WriteJSON(frame)
		c.writeMu.Unlock()
		if err != nil {
			s.dropClient(c)
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c)
	s.clientMu.Unlock()
	c.conn.Close()
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.clientMu.Lock()
	s.clients[c] = struct{}{}
	s.clientMu.Unlock()

	// Reads are only consumed to detect the peer going away.
	go func() {
		defer s.dropClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
