package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/telebrowse/telebrowse/pkg/util"
)

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// resolveTarget picks the WebSocket URL to drive. An explicit TargetID wins;
// otherwise /json/version's browser endpoint, then the first page target
// from /json/list.
func resolveTarget(cfg Config) (string, error) {
	base := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	client := &http.Client{Timeout: cfg.ConnectTimeout}

	if cfg.TargetID != "" {
		targets, err := fetchTargets(client, base)
		if err != nil {
			return "", err
		}
		for _, t := range targets {
			if t.ID == cfg.TargetID {
				return rewriteHost(t.WebSocketDebuggerURL, cfg.Host), nil
			}
		}
		return "", util.E(util.CodeCDPNoTarget, "target %s not found", cfg.TargetID)
	}

	var v versionInfo
	if err := fetchJSON(client, base+"/json/version", &v); err == nil && v.WebSocketDebuggerURL != "" {
		return rewriteHost(v.WebSocketDebuggerURL, cfg.Host), nil
	}

	targets, err := fetchTargets(client, base)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return rewriteHost(t.WebSocketDebuggerURL, cfg.Host), nil
		}
	}
	return "", util.E(util.CodeCDPNoTarget, "no page target available at %s", base)
}

func fetchTargets(client *http.Client, base string) ([]targetInfo, error) {
	var targets []targetInfo
	if err := fetchJSON(client, base+"/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func fetchJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		if isTimeout(err) {
			return util.WrapE(util.CodeCDPTimeout, err, "fetch %s", url)
		}
		return util.WrapE(util.CodeConnection, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return util.E(util.CodeCDPNoTarget, "fetch %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// rewriteHost swaps a localhost hostname in the debugger URL for the host we
// actually reach the browser through. The browser reports the URL as it sees
// itself; through a tunnel that name may not resolve to the right socket.
func rewriteHost(wsURL, host string) string {
	if host == "localhost" || host == "127.0.0.1" {
		return wsURL
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	hn := u.Hostname()
	if hn != "localhost" && hn != "127.0.0.1" {
		return wsURL
	}
	port := u.Port()
	if port == "" {
		u.Host = host
	} else {
		u.Host = host + ":" + port
	}
	return u.String()
}
