// Package browser launches and reaps a headless Chromium-family browser on a
// remote host over SSH exec, and waits for its DevTools endpoint to come up.
package browser

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telebrowse/telebrowse/pkg/sshx"
	"github.com/telebrowse/telebrowse/pkg/util"
)

// Execer is the slice of sshx.Transport the browser controller needs.
type Execer interface {
	Exec(cmd string, timeout time.Duration) (sshx.ExecResult, error)
}

// Options configures a launch.
type Options struct {
	// ExecutablePath skips detection when set.
	ExecutablePath string
	DebugPort      int    // default 9222
	DebugAddress   string // default 127.0.0.1
	UserDataDir    string // default /tmp/telebrowse-profile-<port>
	Headless       bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DebugPort == 0 {
		out.DebugPort = 9222
	}
	if out.DebugAddress == "" {
		out.DebugAddress = "127.0.0.1"
	}
	if out.UserDataDir == "" {
		out.UserDataDir = fmt.Sprintf("/tmp/telebrowse-profile-%d", out.DebugPort)
	}
	return out
}

// Info describes a launched browser.
type Info struct {
	PID      int
	DebugURL string
	Version  string
}

// ProcessInfo describes a running remote browser process.
type ProcessInfo struct {
	PID     int
	Command string
	Port    int
}

const (
	execTimeout    = 15 * time.Second
	killPause      = 500 * time.Millisecond
	pollInterval   = 200 * time.Millisecond
	readyTimeout   = 10 * time.Second
)

var linuxCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"/usr/bin/chromium",
	"/snap/bin/chromium",
}

var darwinCandidates = []string{
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// Remote controls a browser process on the far side of an SSH transport.
type Remote struct {
	exec Execer
	log  *logrus.Entry

	pid int // last launched pid, 0 if none
}

// New creates a remote browser controller.
func New(e Execer) *Remote {
	return &Remote{exec: e, log: util.WithComponent("browser")}
}

// DetectPath finds a usable Chromium-family binary on the remote host.
func (r *Remote) DetectPath() (string, error) {
	res, err := r.exec.Exec("uname -s", execTimeout)
	if err != nil {
		return "", err
	}
	var candidates []string
	switch strings.TrimSpace(res.Stdout) {
	case "Darwin":
		candidates = darwinCandidates
	default:
		candidates = linuxCandidates
	}

	for _, cand := range candidates {
		probe := cand
		if !strings.HasPrefix(cand, "/") {
			// Resolve bare names through the shell before testing.
			res, err := r.exec.Exec(fmt.Sprintf("command -v %s", shellQuote(cand)), execTimeout)
			if err != nil || res.ExitCode != 0 {
				continue
			}
			probe = strings.TrimSpace(res.Stdout)
			if probe == "" {
				continue
			}
		}
		res, err := r.exec.Exec(fmt.Sprintf("test -x %s", shellQuote(probe)), execTimeout)
		if err == nil && res.ExitCode == 0 {
			return probe, nil
		}
	}

	// Last chance: whatever which can find.
	res, err = r.exec.Exec("which google-chrome chromium chromium-browser 2>/dev/null | head -1", execTimeout)
	if err == nil {
		if path := strings.TrimSpace(res.Stdout); path != "" {
			return path, nil
		}
	}
	return "", util.E(util.CodeBrowserNotFound, "no Chromium-family browser found on remote host")
}

// chromiumFlags is the launch flag set: quiet first run, no background
// chatter, no UI interruptions that would wedge a headless session.
func chromiumFlags(o Options) []string {
	flags := []string{
		fmt.Sprintf("--remote-debugging-port=%d", o.DebugPort),
		fmt.Sprintf("--remote-debugging-address=%s", o.DebugAddress),
		fmt.Sprintf("--user-data-dir=%s", o.UserDataDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-client-side-phishing-detection",
		"--disable-default-apps",
		"--disable-extensions",
		"--disable-hang-monitor",
		"--disable-popup-blocking",
		"--disable-prompt-on-repost",
		"--disable-sync",
		"--disable-translate",
		"--metrics-recording-only",
		"--safebrowsing-disable-auto-update",
	}
	if o.Headless {
		flags = append(flags, "--headless=new")
	}
	return flags
}

// Launch spawns the browser detached on the remote host and returns its pid.
// It does not wait for the DevTools endpoint; call WaitReady once the debug
// port is reachable (normally through the local forward).
func (r *Remote) Launch(opts Options) (Info, error) {
	o := opts.withDefaults()

	path := o.ExecutablePath
	if path == "" {
		var err error
		path, err = r.DetectPath()
		if err != nil {
			return Info{}, err
		}
	}

	res, err := r.exec.Exec(fmt.Sprintf("mkdir -p %s", shellQuote(o.UserDataDir)), execTimeout)
	if err != nil {
		return Info{}, err
	}
	if err := res.Err("mkdir user-data-dir"); err != nil {
		return Info{}, util.WrapE(util.CodeBrowserLaunch, err, "create user data dir")
	}

	// Kill stragglers already squatting on the chosen debug port. Nonzero
	// exit just means there were none.
	r.exec.Exec(fmt.Sprintf("pkill -f %s", shellQuote(fmt.Sprintf("remote-debugging-port=%d", o.DebugPort))), execTimeout)
	time.Sleep(killPause)

	cmd := fmt.Sprintf("nohup %s %s </dev/null >/dev/null 2>&1 & echo $!",
		shellQuote(path), strings.Join(chromiumFlags(o), " "))
	res, err = r.exec.Exec(cmd, execTimeout)
	if err != nil {
		return Info{}, err
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if perr != nil || pid <= 0 {
		return Info{}, util.E(util.CodeBrowserLaunch, "could not capture browser pid (stdout %q, stderr %q)", res.Stdout, res.Stderr)
	}

	r.pid = pid
	r.log.WithFields(logrus.Fields{"pid": pid, "path": path, "port": o.DebugPort}).Info("browser launched")
	return Info{
		PID:      pid,
		DebugURL: fmt.Sprintf("http://%s:%d", o.DebugAddress, o.DebugPort),
	}, nil
}

// versionReply is the subset of /json/version this package reads.
type versionReply struct {
	Browser string `json:"Browser"`
}

// WaitReady polls baseURL/json/version until it answers 200 or the timeout
// elapses. baseURL is typically the local end of the port forward.
func (r *Remote) WaitReady(baseURL string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = readyTimeout
	}
	client := &http.Client{Timeout: pollInterval * 2}
	deadline := time.Now().Add(timeout)
	url := strings.TrimSuffix(baseURL, "/") + "/json/version"

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				var v versionReply
				err := json.NewDecoder(resp.Body).Decode(&v)
				resp.Body.Close()
				if err == nil {
					r.log.WithField("version", v.Browser).Debug("browser ready")
				}
				return v.Browser, nil
			}
			resp.Body.Close()
		}
		time.Sleep(pollInterval)
	}
	return "", util.E(util.CodeBrowserTimeout, "browser did not open its DevTools endpoint within %s", timeout)
}

// FindRunning lists remote browser processes that carry a debug port flag.
func (r *Remote) FindRunning() ([]ProcessInfo, error) {
	res, err := r.exec.Exec("pgrep -af 'remote-debugging-port' 2>/dev/null || true", execTimeout)
	if err != nil {
		return nil, err
	}
	return parsePgrep(res.Stdout), nil
}

func parsePgrep(out string) []ProcessInfo {
	var procs []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		pid, err := strconv.Atoi(fields[0])
		if err != nil || len(fields) < 2 {
			continue
		}
		info := ProcessInfo{PID: pid, Command: fields[1]}
		if i := strings.Index(fields[1], "remote-debugging-port="); i >= 0 {
			rest := fields[1][i+len("remote-debugging-port="):]
			if j := strings.IndexAny(rest, " \t"); j >= 0 {
				rest = rest[:j]
			}
			info.Port, _ = strconv.Atoi(rest)
		}
		procs = append(procs, info)
	}
	return procs
}

// Kill terminates a browser process: graceful kill, short pause, then
// SIGKILL. Idempotent — a vanished pid is fine.
func (r *Remote) Kill(pid int) error {
	if pid == 0 {
		return nil
	}
	if _, err := r.exec.Exec(fmt.Sprintf("kill %d", pid), execTimeout); err != nil {
		return err
	}
	time.Sleep(killPause)
	if _, err := r.exec.Exec(fmt.Sprintf("kill -9 %d 2>/dev/null || true", pid), execTimeout); err != nil {
		return err
	}
	if r.pid == pid {
		r.pid = 0
	}
	r.log.WithField("pid", pid).Info("browser killed")
	return nil
}

// Cleanup kills the last launched browser, if any.
func (r *Remote) Cleanup() error {
	if r.pid == 0 {
		return nil
	}
	return r.Kill(r.pid)
}

// PID returns the last launched pid, 0 if none.
func (r *Remote) PID() int {
	return r.pid
}

// shellQuote single-quotes a string for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
