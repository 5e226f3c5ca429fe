package page

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/telebrowse/telebrowse/internal/testutil"
	"github.com/telebrowse/telebrowse/pkg/cdp"
	"github.com/telebrowse/telebrowse/pkg/util"
)

func newPage(t *testing.T, d *testutil.DevTools) *Page {
	t.Helper()
	client := cdp.New(cdp.Config{Port: d.Port})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	p, err := New(context.Background(), client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func serveHistory(d *testutil.DevTools, currentIndex int, entries ...map[string]interface{}) {
	d.HandleResult("Page.getNavigationHistory", map[string]interface{}{
		"currentIndex": currentIndex,
		"entries":      entries,
	})
}

func entry(id int, url, title string) map[string]interface{} {
	return map[string]interface{}{"id": id, "url": url, "title": title}
}

// emitAfterReply fires event shortly after the method's reply goes out.
func emitAfterReply(d *testutil.DevTools, method, event string) {
	d.Handle(method, func(json.RawMessage) (interface{}, *testutil.RPCError) {
		time.AfterFunc(20*time.Millisecond, func() { d.Emit(event, nil) })
		return map[string]interface{}{}, nil
	})
}

func TestNavigateWaitLoad(t *testing.T) {
	d := testutil.StartDevTools(t)
	emitAfterReply(d, "Page.navigate", "Page.loadEventFired")
	serveHistory(d, 0, entry(1, "https://example.com/", "Example Domain"))

	p := newPage(t, d)
	res, err := p.Navigate(context.Background(), "https://example.com", NavigateOptions{})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.URL != "https://example.com/" || res.Title != "Example Domain" {
		t.Errorf("result = %+v", res)
	}
}

func TestNavigateWaitDOMContentLoaded(t *testing.T) {
	d := testutil.StartDevTools(t)
	emitAfterReply(d, "Page.navigate", "Page.domContentEventFired")
	serveHistory(d, 0, entry(1, "https://example.com/", ""))

	p := newPage(t, d)
	_, err := p.Navigate(context.Background(), "https://example.com", NavigateOptions{
		WaitUntil: WaitDOMContentLoaded,
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
}

func TestNavigateWaitNetworkIdle(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.Handle("Page.navigate", func(json.RawMessage) (interface{}, *testutil.RPCError) {
		// A short burst of network activity, then quiet.
		go func() {
			for i := 0; i < 3; i++ {
				d.Emit("Network.requestWillBeSent", map[string]string{"requestId": "r"})
				time.Sleep(30 * time.Millisecond)
			}
		}()
		return map[string]interface{}{}, nil
	})
	serveHistory(d, 0, entry(1, "https://example.com/", ""))

	p := newPage(t, d)
	start := time.Now()
	_, err := p.Navigate(context.Background(), "https://example.com", NavigateOptions{
		WaitUntil: WaitNetworkIdle,
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < networkIdleWindow {
		t.Errorf("navigation completed in %s, before the idle window could elapse", elapsed)
	}
}

func TestNavigateErrorText(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("Page.navigate", map[string]string{"errorText": "net::ERR_NAME_NOT_RESOLVED"})

	p := newPage(t, d)
	_, err := p.Navigate(context.Background(), "https://no.such.host", NavigateOptions{})
	if !errors.Is(err, util.Coded(util.CodeNavFailed)) {
		t.Fatalf("Navigate: %v, want page/nav-failed", err)
	}
}

func TestNavigateTimeout(t *testing.T) {
	d := testutil.StartDevTools(t)
	// Page.navigate answers but no load event ever fires.

	p := newPage(t, d)
	_, err := p.Navigate(context.Background(), "https://example.com", NavigateOptions{
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, util.Coded(util.CodeNavTimeout)) {
		t.Fatalf("Navigate: %v, want page/nav-timeout", err)
	}
}

func TestNavigateBadWaitUntil(t *testing.T) {
	d := testutil.StartDevTools(t)
	p := newPage(t, d)
	_, err := p.Navigate(context.Background(), "https://example.com", NavigateOptions{
		WaitUntil: "networkidle2",
	})
	if !errors.Is(err, util.Coded(util.CodeValidation)) {
		t.Fatalf("Navigate: %v, want validation error", err)
	}
}

func TestReload(t *testing.T) {
	d := testutil.StartDevTools(t)
	emitAfterReply(d, "Page.reload", "Page.loadEventFired")
	serveHistory(d, 0, entry(1, "https://example.com/", "Example Domain"))

	p := newPage(t, d)
	res, err := p.Reload(context.Background(), NavigateOptions{})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if res.URL != "https://example.com/" {
		t.Errorf("result = %+v", res)
	}
}

func TestBackForward(t *testing.T) {
	d := testutil.StartDevTools(t)
	serveHistory(d, 1,
		entry(1, "https://first.example/", "First"),
		entry(2, "https://second.example/", "Second"))

	var mu sync.Mutex
	var entryIDs []int
	d.Handle("Page.navigateToHistoryEntry", func(params json.RawMessage) (interface{}, *testutil.RPCError) {
		var req struct {
			EntryID int `json:"entryId"`
		}
		json.Unmarshal(params, &req)
		mu.Lock()
		entryIDs = append(entryIDs, req.EntryID)
		mu.Unlock()
		time.AfterFunc(20*time.Millisecond, func() { d.Emit("Page.loadEventFired", nil) })
		return map[string]interface{}{}, nil
	})

	p := newPage(t, d)
	if _, err := p.Back(context.Background()); err != nil {
		t.Fatalf("Back: %v", err)
	}
	mu.Lock()
	if len(entryIDs) != 1 || entryIDs[0] != 1 {
		t.Errorf("navigated entries = %v, want [1]", entryIDs)
	}
	mu.Unlock()

	// Already at the newest entry: Forward is a no-op.
	res, err := p.Forward(context.Background())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.URL != "https://second.example/" {
		t.Errorf("Forward at edge: %+v", res)
	}
	mu.Lock()
	if len(entryIDs) != 1 {
		t.Errorf("Forward at edge navigated: %v", entryIDs)
	}
	mu.Unlock()
}

func TestScreenshot(t *testing.T) {
	d := testutil.StartDevTools(t)
	want := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	var gotParams json.RawMessage
	d.Handle("Page.captureScreenshot", func(params json.RawMessage) (interface{}, *testutil.RPCError) {
		gotParams = params
		return map[string]string{"data": base64.StdEncoding.EncodeToString(want)}, nil
	})

	p := newPage(t, d)
	data, err := p.Screenshot(context.Background(), ScreenshotOptions{})
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(data) != string(want) {
		t.Errorf("data = %x, want %x", data, want)
	}
	var req struct {
		Format  string `json:"format"`
		Quality *int   `json:"quality"`
	}
	json.Unmarshal(gotParams, &req)
	if req.Format != "png" {
		t.Errorf("format = %q, want png", req.Format)
	}
	if req.Quality != nil {
		t.Error("quality set for png capture")
	}
}

func TestScreenshotFullPage(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("Page.getLayoutMetrics", map[string]interface{}{
		"contentSize": map[string]float64{"width": 1280, "height": 4200},
	})
	var gotParams json.RawMessage
	d.Handle("Page.captureScreenshot", func(params json.RawMessage) (interface{}, *testutil.RPCError) {
		gotParams = params
		return map[string]string{"data": base64.StdEncoding.EncodeToString([]byte("jpegdata"))}, nil
	})

	p := newPage(t, d)
	_, err := p.Screenshot(context.Background(), ScreenshotOptions{Format: "jpeg", Quality: 80, FullPage: true})
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	var req struct {
		Format                string `json:"format"`
		Quality               int    `json:"quality"`
		CaptureBeyondViewport bool   `json:"captureBeyondViewport"`
		Clip                  *struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
			Scale  float64 `json:"scale"`
		} `json:"clip"`
	}
	json.Unmarshal(gotParams, &req)
	if req.Quality != 80 {
		t.Errorf("quality = %d", req.Quality)
	}
	if !req.CaptureBeyondViewport {
		t.Error("captureBeyondViewport not set")
	}
	if req.Clip == nil || req.Clip.Width != 1280 || req.Clip.Height != 4200 || req.Clip.Scale != 1 {
		t.Errorf("clip = %+v", req.Clip)
	}
}

func TestScreenshotBadFormat(t *testing.T) {
	d := testutil.StartDevTools(t)
	p := newPage(t, d)
	_, err := p.Screenshot(context.Background(), ScreenshotOptions{Format: "gif"})
	if !errors.Is(err, util.Coded(util.CodeValidation)) {
		t.Fatalf("Screenshot: %v, want validation error", err)
	}
}

func TestEvaluate(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("Runtime.evaluate", map[string]interface{}{
		"result": map[string]interface{}{"value": 42},
	})

	p := newPage(t, d)
	val, err := p.Evaluate(context.Background(), "6 * 7")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if n, ok := val.(float64); !ok || n != 42 {
		t.Errorf("value = %v (%T)", val, val)
	}
}

func TestEvaluateException(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("Runtime.evaluate", map[string]interface{}{
		"result": map[string]interface{}{},
		"exceptionDetails": map[string]interface{}{
			"text": "Uncaught",
			"exception": map[string]string{
				"description": "ReferenceError: nope is not defined",
			},
		},
	})

	p := newPage(t, d)
	_, err := p.Evaluate(context.Background(), "nope()")
	if !errors.Is(err, util.Coded(util.CodeEvalFailed)) {
		t.Fatalf("Evaluate: %v, want page/eval-failed", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "ReferenceError") {
		t.Errorf("error %q does not carry the exception description", msg)
	}
}

func TestQuerySelector(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("DOM.getDocument", map[string]interface{}{
		"root": map[string]int{"nodeId": 1},
	})
	d.HandleResult("DOM.querySelector", map[string]int{"nodeId": 7})

	p := newPage(t, d)
	nodeID, err := p.QuerySelector(context.Background(), "#main")
	if err != nil {
		t.Fatalf("QuerySelector: %v", err)
	}
	if nodeID != 7 {
		t.Errorf("nodeId = %d, want 7", nodeID)
	}
}

func TestWaitForSelector(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("DOM.getDocument", map[string]interface{}{
		"root": map[string]int{"nodeId": 1},
	})
	var mu sync.Mutex
	calls := 0
	d.Handle("DOM.querySelector", func(json.RawMessage) (interface{}, *testutil.RPCError) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return map[string]int{"nodeId": 0}, nil
		}
		return map[string]int{"nodeId": 9}, nil
	})

	p := newPage(t, d)
	nodeID, err := p.WaitForSelector(context.Background(), ".late", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForSelector: %v", err)
	}
	if nodeID != 9 {
		t.Errorf("nodeId = %d, want 9", nodeID)
	}
}

func TestWaitForSelectorTimeout(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("DOM.getDocument", map[string]interface{}{
		"root": map[string]int{"nodeId": 1},
	})
	d.HandleResult("DOM.querySelector", map[string]int{"nodeId": 0})

	p := newPage(t, d)
	_, err := p.WaitForSelector(context.Background(), ".never", 300*time.Millisecond)
	if !errors.Is(err, util.Coded(util.CodeTimeout)) {
		t.Fatalf("WaitForSelector: %v, want timeout", err)
	}
}

func TestClickNoMatch(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("DOM.getDocument", map[string]interface{}{
		"root": map[string]int{"nodeId": 1},
	})
	d.HandleResult("DOM.querySelector", map[string]int{"nodeId": 0})

	p := newPage(t, d)
	err := p.Click(context.Background(), "#missing")
	if !errors.Is(err, util.Coded(util.CodeEvalFailed)) {
		t.Fatalf("Click: %v, want page/eval-failed", err)
	}
}

func TestType(t *testing.T) {
	d := testutil.StartDevTools(t)
	d.HandleResult("DOM.getDocument", map[string]interface{}{
		"root": map[string]int{"nodeId": 1},
	})
	d.HandleResult("DOM.querySelector", map[string]int{"nodeId": 4})

	var mu sync.Mutex
	var focused int
	var typed string
	d.Handle("DOM.focus", func(params json.RawMessage) (interface{}, *testutil.RPCError) {
		var req struct {
			NodeID int `json:"nodeId"`
		}
		json.Unmarshal(params, &req)
		mu.Lock()
		focused = req.NodeID
		mu.Unlock()
		return map[string]interface{}{}, nil
	})
	d.Handle("Input.insertText", func(params json.RawMessage) (interface{}, *testutil.RPCError) {
		var req struct {
			Text string `json:"text"`
		}
		json.Unmarshal(params, &req)
		mu.Lock()
		typed = req.Text
		mu.Unlock()
		return map[string]interface{}{}, nil
	})

	p := newPage(t, d)
	if err := p.Type(context.Background(), "input[name=q]", "hello"); err != nil {
		t.Fatalf("Type: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if focused != 4 {
		t.Errorf("focused node = %d, want 4", focused)
	}
	if typed != "hello" {
		t.Errorf("typed = %q", typed)
	}
}

func TestSetViewport(t *testing.T) {
	d := testutil.StartDevTools(t)
	var gotParams json.RawMessage
	d.Handle("Emulation.setDeviceMetricsOverride", func(params json.RawMessage) (interface{}, *testutil.RPCError) {
		gotParams = params
		return map[string]interface{}{}, nil
	})

	p := newPage(t, d)
	if err := p.SetViewport(context.Background(), 1366, 768); err != nil {
		t.Fatalf("SetViewport: %v", err)
	}
	var req struct {
		Width  int  `json:"width"`
		Height int  `json:"height"`
		Mobile bool `json:"mobile"`
	}
	json.Unmarshal(gotParams, &req)
	if req.Width != 1366 || req.Height != 768 || req.Mobile {
		t.Errorf("params = %+v", req)
	}
}

func TestJSString(t *testing.T) {
	if got := jsString(`a"b`); got != `"a\"b"` {
		t.Errorf("jsString = %s", got)
	}
}

