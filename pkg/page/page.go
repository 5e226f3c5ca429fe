// Package page drives a browser tab over CDP: navigation with configurable
// load-state waits, history, screenshots, script evaluation, and simple DOM
// interaction.
package page

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/cdp"
	"github.com/telebrowse/telebrowse/pkg/util"
)

const (
	defaultNavTimeout  = 30 * time.Second
	networkIdleWindow  = 500 * time.Millisecond
	selectorPollPeriod = 100 * time.Millisecond
)

// WaitUntil names the navigation completion condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// NavigateOptions tunes a navigation.
type NavigateOptions struct {
	WaitUntil WaitUntil     // default "load"
	Timeout   time.Duration // default 30s
}

// NavigateResult reports where the navigation landed.
type NavigateResult struct {
	URL   string
	Title string
}

// ScreenshotOptions tunes a capture.
type ScreenshotOptions struct {
	Format   string // png (default), jpeg, webp
	Quality  int    // jpeg/webp only
	FullPage bool
}

// Page adapts the CDP client to tab-level operations. Enable must run before
// anything else; New does it for you.
type Page struct {
	client *cdp.Client
	log    *logrus.Entry

	mu      sync.Mutex
	enabled bool
}

// New constructs the adapter and enables the Page, Runtime and DOM domains.
func New(ctx context.Context, client *cdp.Client) (*Page, error) {
	p := &Page{client: client, log: util.WithComponent("page")}
	if err := p.enable(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// enable turns on the three domains in parallel; all must succeed.
func (p *Page) enable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return nil
	}

	domains := []string{"Page.enable", "Runtime.enable", "DOM.enable"}
	errs := make([]error, len(domains))
	var wg sync.WaitGroup
	for i, method := range domains {
		wg.Add(1)
		go func(i int, method string) {
			defer wg.Done()
			_, errs[i] = p.client.Send(ctx, method, nil)
		}(i, method)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	p.enabled = true
	return nil
}

// Navigate loads url and waits for the requested load state. A wait timeout
// does not cancel the in-flight navigation.
func (p *Page) Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error) {
	waitUntil, timeout, err := navParams(opts)
	if err != nil {
		return NavigateResult{}, err
	}

	// The waiter is armed before Page.navigate goes out so a fast load
	// event cannot slip past.
	wait, cancel := p.armWaiter(waitUntil, timeout)
	defer cancel()

	raw, err := p.client.Send(ctx, "Page.navigate", map[string]string{"url": url})
	if err != nil {
		return NavigateResult{}, err
	}
	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &nav); err == nil && nav.ErrorText != "" {
		return NavigateResult{}, util.E(util.CodeNavFailed, "navigation to %s failed: %s", url, nav.ErrorText)
	}

	if err := <-wait; err != nil {
		return NavigateResult{}, err
	}
	return p.location(ctx)
}

// Reload reloads the current page, honoring the same wait options as
// Navigate.
func (p *Page) Reload(ctx context.Context, opts NavigateOptions) (NavigateResult, error) {
	waitUntil, timeout, err := navParams(opts)
	if err != nil {
		return NavigateResult{}, err
	}

	wait, cancel := p.armWaiter(waitUntil, timeout)
	defer cancel()

	if _, err := p.client.Send(ctx, "Page.reload", nil); err != nil {
		return NavigateResult{}, err
	}
	if err := <-wait; err != nil {
		return NavigateResult{}, err
	}
	return p.location(ctx)
}

// navParams normalizes navigation options, rejecting unknown wait states.
func navParams(opts NavigateOptions) (WaitUntil, time.Duration, error) {
	waitUntil := opts.WaitUntil
	if waitUntil == "" {
		waitUntil = WaitLoad
	}
	switch waitUntil {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
	default:
		return "", 0, util.NewValidationError("waitUntil", "must be load, domcontentloaded or networkidle")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultNavTimeout
	}
	return waitUntil, timeout, nil
}

// armWaiter installs a scoped listener for the requested load state and
// returns a channel that yields exactly one result. The listener is removed
// when cancel runs, on completion, and on timeout alike.
func (p *Page) armWaiter(waitUntil WaitUntil, timeout time.Duration) (<-chan error, func()) {
	result := make(chan error, 1)

	switch waitUntil {
	case WaitDOMContentLoaded, WaitLoad:
		want := "Page.loadEventFired"
		if waitUntil == WaitDOMContentLoaded {
			want = "Page.domContentEventFired"
		}
		fired := make(chan struct{}, 1)
		unsub := p.client.Subscribe(func(method string, _ json.RawMessage) {
			if method == want {
				select {
				case fired <- struct{}{}:
				default:
				}
			}
		})
		timer := time.AfterFunc(timeout, func() {
			select {
			case result <- util.E(util.CodeNavTimeout, "timed out after %s waiting for %s", timeout, waitUntil):
			default:
			}
		})
		go func() {
			select {
			case <-fired:
				timer.Stop()
				select {
				case result <- nil:
				default:
				}
			case <-time.After(timeout + time.Second):
			}
		}()
		return result, func() { unsub(); timer.Stop() }

	case WaitNetworkIdle:
		var mu sync.Mutex
		last := time.Now()
		unsub := p.client.Subscribe(func(method string, _ json.RawMessage) {
			if strings.HasPrefix(method, "Network.") {
				mu.Lock()
				last = time.Now()
				mu.Unlock()
			}
		})
		stop := make(chan struct{})
		go func() {
			deadline := time.NewTimer(timeout)
			defer deadline.Stop()
			tick := time.NewTicker(networkIdleWindow / 5)
			defer tick.Stop()
			for {
				select {
				case <-stop:
					return
				case <-deadline.C:
					select {
					case result <- util.E(util.CodeNavTimeout, "timed out after %s waiting for network idle", timeout):
					default:
					}
					return
				case <-tick.C:
					mu.Lock()
					idle := time.Since(last) >= networkIdleWindow
					mu.Unlock()
					if idle {
						select {
						case result <- nil:
						default:
						}
						return
					}
				}
			}
		}()
		var once sync.Once
		return result, func() {
			once.Do(func() { close(stop) })
			unsub()
		}

	default:
		result <- util.NewValidationError("waitUntil", "must be load, domcontentloaded or networkidle")
		return result, func() {}
	}
}

type historyReply struct {
	CurrentIndex int `json:"currentIndex"`
	Entries      []struct {
		ID    int    `json:"id"`
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"entries"`
}

func (p *Page) history(ctx context.Context) (historyReply, error) {
	raw, err := p.client.Send(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return historyReply{}, err
	}
	var h historyReply
	if err := json.Unmarshal(raw, &h); err != nil {
		return historyReply{}, util.WrapE(util.CodeCDPProtocol, err, "decode navigation history")
	}
	return h, nil
}

func (p *Page) location(ctx context.Context) (NavigateResult, error) {
	h, err := p.history(ctx)
	if err != nil {
		return NavigateResult{}, err
	}
	if h.CurrentIndex < 0 || h.CurrentIndex >= len(h.Entries) {
		return NavigateResult{}, nil
	}
	cur := h.Entries[h.CurrentIndex]
	return NavigateResult{URL: cur.URL, Title: cur.Title}, nil
}

// navigateHistory moves to the neighbour entry at offset and waits for load.
// Without a neighbour it is a no-op.
func (p *Page) navigateHistory(ctx context.Context, offset int) (NavigateResult, error) {
	h, err := p.history(ctx)
	if err != nil {
		return NavigateResult{}, err
	}
	idx := h.CurrentIndex + offset
	if idx < 0 || idx >= len(h.Entries) {
		return p.location(ctx)
	}

	wait, cancel := p.armWaiter(WaitLoad, defaultNavTimeout)
	defer cancel()

	_, err = p.client.Send(ctx, "Page.navigateToHistoryEntry", map[string]int{"entryId": h.Entries[idx].ID})
	if err != nil {
		return NavigateResult{}, err
	}
	if err := <-wait; err != nil {
		return NavigateResult{}, err
	}
	return p.location(ctx)
}

// Back navigates to the previous history entry, if any.
func (p *Page) Back(ctx context.Context) (NavigateResult, error) {
	return p.navigateHistory(ctx, -1)
}

// Forward navigates to the next history entry, if any.
func (p *Page) Forward(ctx context.Context) (NavigateResult, error) {
	return p.navigateHistory(ctx, 1)
}

// Location returns the current URL and title.
func (p *Page) Location(ctx context.Context) (NavigateResult, error) {
	return p.location(ctx)
}

// Screenshot captures the viewport, or the whole page with FullPage set,
// returning decoded image bytes.
func (p *Page) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	format := opts.Format
	if format == "" {
		format = "png"
	}
	switch format {
	case "png", "jpeg", "webp":
	default:
		return nil, util.NewValidationError("format", "must be png, jpeg or webp")
	}

	params := map[string]interface{}{"format": format}
	if opts.Quality > 0 && format != "png" {
		params["quality"] = opts.Quality
	}
	if opts.FullPage {
		raw, err := p.client.Send(ctx, "Page.getLayoutMetrics", nil)
		if err != nil {
			return nil, err
		}
		var metrics struct {
			ContentSize struct {
				Width  float64 `json:"width"`
				Height float64 `json:"height"`
			} `json:"contentSize"`
		}
		if err := json.Unmarshal(raw, &metrics); err != nil {
			return nil, util.WrapE(util.CodeCDPProtocol, err, "decode layout metrics")
		}
		params["clip"] = map[string]float64{
			"x": 0, "y": 0,
			"width":  metrics.ContentSize.Width,
			"height": metrics.ContentSize.Height,
			"scale":  1,
		}
		params["captureBeyondViewport"] = true
	}

	raw, err := p.client.Send(ctx, "Page.captureScreenshot", params)
	if err != nil {
		return nil, err
	}
	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &shot); err != nil {
		return nil, util.WrapE(util.CodeCDPProtocol, err, "decode screenshot")
	}
	data, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		return nil, util.WrapE(util.CodeCDPProtocol, err, "decode screenshot body")
	}
	return data, nil
}

// Evaluate runs an expression in the page and returns its JSON value.
// Promises are awaited.
func (p *Page) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	raw, err := p.client.Send(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	var reply struct {
		Result struct {
			Value interface{} `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, util.WrapE(util.CodeCDPProtocol, err, "decode evaluate reply")
	}
	if reply.ExceptionDetails != nil {
		text := reply.ExceptionDetails.Text
		if reply.ExceptionDetails.Exception != nil && reply.ExceptionDetails.Exception.Description != "" {
			text = reply.ExceptionDetails.Exception.Description
		}
		return nil, util.E(util.CodeEvalFailed, "%s", text)
	}
	return reply.Result.Value, nil
}

// QuerySelector resolves a CSS selector to a DOM node id; 0 means no match.
func (p *Page) QuerySelector(ctx context.Context, selector string) (int, error) {
	raw, err := p.client.Send(ctx, "DOM.getDocument", nil)
	if err != nil {
		return 0, err
	}
	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, util.WrapE(util.CodeCDPProtocol, err, "decode document")
	}
	raw, err = p.client.Send(ctx, "DOM.querySelector", map[string]interface{}{
		"nodeId":   doc.Root.NodeID,
		"selector": selector,
	})
	if err != nil {
		return 0, err
	}
	var node struct {
		NodeID int `json:"nodeId"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return 0, util.WrapE(util.CodeCDPProtocol, err, "decode query result")
	}
	return node.NodeID, nil
}

// WaitForSelector polls for a selector until it matches or the timeout
// elapses.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = defaultNavTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		nodeID, err := p.QuerySelector(ctx, selector)
		if err != nil {
			return 0, err
		}
		if nodeID != 0 {
			return nodeID, nil
		}
		if time.Now().After(deadline) {
			return 0, util.E(util.CodeTimeout, "selector %q did not appear within %s", selector, timeout)
		}
		select {
		case <-ctx.Done():
			return 0, util.WrapE(util.CodeTimeout, ctx.Err(), "wait for %q", selector)
		case <-time.After(selectorPollPeriod):
		}
	}
}

// Click dispatches a click on the first match of selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	nodeID, err := p.QuerySelector(ctx, selector)
	if err != nil {
		return err
	}
	if nodeID == 0 {
		return util.E(util.CodeEvalFailed, "no element matches %q", selector)
	}
	_, err = p.Evaluate(ctx, "document.querySelector("+jsString(selector)+").click()")
	return err
}

// Type focuses the first match of selector and inserts text.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	nodeID, err := p.QuerySelector(ctx, selector)
	if err != nil {
		return err
	}
	if nodeID == 0 {
		return util.E(util.CodeEvalFailed, "no element matches %q", selector)
	}
	if _, err := p.client.Send(ctx, "DOM.focus", map[string]int{"nodeId": nodeID}); err != nil {
		return err
	}
	_, err = p.client.Send(ctx, "Input.insertText", map[string]string{"text": text})
	return err
}

// SetViewport overrides the device metrics.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	_, err := p.client.Send(ctx, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	})
	return err
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
