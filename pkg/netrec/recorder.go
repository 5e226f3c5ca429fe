// Package netrec captures page network traffic from CDP Network events and
// exports it as HAR 1.2 or raw JSON.
package netrec

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/cdp"
	"github.com/telebrowse/telebrowse/pkg/util"
)

const (
	maxTotalBuffer    = 10_000_000
	maxResourceBuffer = 5_000_000
	bodyFetchTimeout  = 3 * time.Second
)

// Entry is one request/response exchange, keyed by the CDP request id.
type Entry struct {
	RequestID    string            `json:"requestId"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	ResourceType string            `json:"resourceType"`
	ReqHeaders   map[string]string `json:"requestHeaders"`
	PostData     string            `json:"postData,omitempty"`

	Status        int               `json:"status"`
	StatusText    string            `json:"statusText"`
	RespHeaders   map[string]string `json:"responseHeaders,omitempty"`
	MimeType      string            `json:"mimeType"`
	ContentLength int64             `json:"contentLength"`

	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Finished  bool          `json:"finished"`
	Failed    bool          `json:"failed"`
	ErrorText string        `json:"errorText,omitempty"`

	Body       string `json:"body,omitempty"`
	BodyBase64 bool   `json:"bodyBase64,omitempty"`

	startTS float64 // CDP monotonic seconds, for duration math
}

// EventKind names a recorder notification.
type EventKind string

const (
	EventRequestFinished EventKind = "requestFinished"
	EventRequestFailed   EventKind = "requestFailed"
)

// Event announces an entry reaching a terminal state.
type Event struct {
	Kind      EventKind
	RequestID string
}

// Filter narrows an Entries listing. Zero values match everything.
type Filter struct {
	Type   string // resource type, e.g. Document, XHR, Image
	Status int
	Offset int
	Limit  int
}

// Recorder accumulates network entries in arrival order. The event
// subscription is installed once and stays for the life of the recorder;
// Start and Stop only gate whether events are kept.
type Recorder struct {
	client *cdp.Client
	log    *logrus.Entry

	mu        sync.Mutex
	recording bool
	order     []string
	entries   map[string]*Entry
	unsub     func()

	subMu sync.Mutex
	subs  []func(Event)
}

// New installs the event subscription on client. Recording starts off.
func New(client *cdp.Client) *Recorder {
	r := &Recorder{
		client:  client,
		log:     util.WithComponent("netrec"),
		entries: make(map[string]*Entry),
	}
	r.unsub = client.Subscribe(r.handleEvent)
	return r
}

// Start enables the Network domain and begins keeping events.
func (r *Recorder) Start(ctx context.Context) error {
	_, err := r.client.Send(ctx, "Network.enable", map[string]int{
		"maxTotalBufferSize":    maxTotalBuffer,
		"maxResourceBufferSize": maxResourceBuffer,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.recording = true
	r.mu.Unlock()
	r.log.Info("recording started")
	return nil
}

// Stop disables the Network domain and pauses recording. Captured entries
// are kept and the subscription stays installed, so a later Start resumes
// cleanly.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	was := r.recording
	r.recording = false
	r.mu.Unlock()
	if !was {
		return nil
	}
	r.log.Info("recording stopped")
	_, err := r.client.Send(ctx, "Network.disable", nil)
	return err
}

// Subscribe registers fn for entry lifecycle notifications. Callbacks run
// on the CDP read loop and must not block.
func (r *Recorder) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

func (r *Recorder) emit(ev Event) {
	r.subMu.Lock()
	subs := make([]func(Event), len(r.subs))
	copy(subs, r.subs)
	r.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Recording reports whether events are currently being kept.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Clear drops all captured entries. The recording flag is untouched.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.order = nil
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()
}

// Close removes the event subscription.
func (r *Recorder) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}

// Count returns the number of captured entries.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Entries returns a filtered snapshot in capture order.
func (r *Recorder) Entries(f Filter) []Entry {
	r.mu.Lock()
	all := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if f.Type != "" && !strings.EqualFold(e.ResourceType, f.Type) {
			continue
		}
		if f.Status != 0 && e.Status != f.Status {
			continue
		}
		all = append(all, *e)
	}
	r.mu.Unlock()

	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return []Entry{}
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all
}

func (r *Recorder) handleEvent(method string, params json.RawMessage) {
	switch method {
	case "Network.requestWillBeSent":
		r.onRequest(params)
	case "Network.responseReceived":
		r.onResponse(params)
	case "Network.loadingFinished":
		r.onFinished(params)
	case "Network.loadingFailed":
		r.onFailed(params)
	}
}

func (r *Recorder) onRequest(params json.RawMessage) {
	var ev struct {
		RequestID string  `json:"requestId"`
		Type      string  `json:"type"`
		Timestamp float64 `json:"timestamp"`
		WallTime  float64 `json:"wallTime"`
		Request   struct {
			URL      string            `json:"url"`
			Method   string            `json:"method"`
			Headers  map[string]string `json:"headers"`
			PostData string            `json:"postData"`
		} `json:"request"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	if _, exists := r.entries[ev.RequestID]; exists {
		// Redirect chain reuses the request id; keep the first entry.
		return
	}
	started := time.Now()
	if ev.WallTime > 0 {
		sec := int64(ev.WallTime)
		nsec := int64((ev.WallTime - float64(sec)) * 1e9)
		started = time.Unix(sec, nsec)
	}
	r.entries[ev.RequestID] = &Entry{
		RequestID:    ev.RequestID,
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: ev.Type,
		ReqHeaders:   ev.Request.Headers,
		PostData:     ev.Request.PostData,
		StartedAt:    started,
		startTS:      ev.Timestamp,
	}
	r.order = append(r.order, ev.RequestID)
}

func (r *Recorder) onResponse(params json.RawMessage) {
	var ev struct {
		RequestID string `json:"requestId"`
		Response  struct {
			Status     int               `json:"status"`
			StatusText string            `json:"statusText"`
			Headers    map[string]string `json:"headers"`
			MimeType   string            `json:"mimeType"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	e, ok := r.entries[ev.RequestID]
	if !ok {
		return
	}
	e.Status = ev.Response.Status
	e.StatusText = ev.Response.StatusText
	e.RespHeaders = ev.Response.Headers
	e.MimeType = ev.Response.MimeType
	e.ContentLength = contentLength(ev.Response.Headers)
}

func (r *Recorder) onFinished(params json.RawMessage) {
	var ev struct {
		RequestID         string  `json:"requestId"`
		Timestamp         float64 `json:"timestamp"`
		EncodedDataLength int64   `json:"encodedDataLength"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	r.mu.Lock()
	e, ok := r.entries[ev.RequestID]
	if !ok || !r.recording {
		r.mu.Unlock()
		return
	}
	e.Finished = true
	if e.startTS > 0 && ev.Timestamp > e.startTS {
		e.Duration = time.Duration((ev.Timestamp - e.startTS) * float64(time.Second))
	}
	if e.ContentLength == 0 && ev.EncodedDataLength > 0 {
		e.ContentLength = ev.EncodedDataLength
	}
	r.mu.Unlock()

	r.emit(Event{Kind: EventRequestFinished, RequestID: ev.RequestID})

	// Body fetch is best effort: data may be evicted or the exchange may
	// not carry a body at all. Runs off the read loop; a synchronous Send
	// here would deadlock it.
	go r.fetchBody(ev.RequestID)
}

func (r *Recorder) onFailed(params json.RawMessage) {
	var ev struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		ErrorText string  `json:"errorText"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	r.mu.Lock()
	e, ok := r.entries[ev.RequestID]
	if !ok || !r.recording {
		r.mu.Unlock()
		return
	}
	e.Finished = true
	e.Failed = true
	e.ErrorText = ev.ErrorText
	if e.startTS > 0 && ev.Timestamp > e.startTS {
		e.Duration = time.Duration((ev.Timestamp - e.startTS) * float64(time.Second))
	}
	r.mu.Unlock()

	r.emit(Event{Kind: EventRequestFailed, RequestID: ev.RequestID})
	r.emit(Event{Kind: EventRequestFinished, RequestID: ev.RequestID})
}

func (r *Recorder) fetchBody(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), bodyFetchTimeout)
	defer cancel()
	raw, err := r.client.Send(ctx, "Network.getResponseBody", map[string]string{"requestId": requestID})
	if err != nil {
		return
	}
	var body struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[requestID]; ok {
		e.Body = body.Body
		e.BodyBase64 = body.Base64Encoded
	}
}

// contentLength pulls the Content-Length header, any capitalization.
func contentLength(headers map[string]string) int64 {
	for k, v := range headers {
		if strings.EqualFold(k, "content-length") {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// sortedHeaders flattens a header map into name/value pairs ordered by name.
func sortedHeaders(headers map[string]string) []harNV {
	if len(headers) == 0 {
		return []harNV{}
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]harNV, 0, len(names))
	for _, k := range names {
		out = append(out, harNV{Name: k, Value: headers[k]})
	}
	return out
}
