// Package launch starts and supervises local Chromium processes. The
// rest of the server consumes only the Launcher contract: a DevTools
// websocket URL plus a child-process handle whose lifetime the launcher
// supervises.
package launch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbilly/chaser/internal/errs"
)

// Options is the per-browser launch configuration snapshot.
type Options struct {
	// ExecPath overrides browser binary discovery.
	ExecPath string

	// Headless runs without a window. Defaults to true.
	Headless *bool

	// UserDataDir keeps the profile directory; empty means a fresh
	// temporary directory removed at process exit.
	UserDataDir string

	// ProxyServer sets --proxy-server.
	ProxyServer string

	// WindowWidth / WindowHeight set the initial window size.
	WindowWidth  int
	WindowHeight int

	// ExtraFlags are appended verbatim ("--name=value" form).
	ExtraFlags []string

	// Env is appended to the inherited environment.
	Env []string
}

// Process is the supervised child handle.
type Process interface {
	PID() int

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Stop kills the process if it is still running.
	Stop() error
}

// Result is what a successful launch yields.
type Result struct {
	WSURL string
	Proc  Process
}

// Launcher creates browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Result, error)
}

// wsURLReadTimeout bounds how long we wait for the DevTools banner.
// Chromium sometimes fails to print it while staying alive.
const wsURLReadTimeout = 20 * time.Second

// defaultFlags mirror the automation setup used by Puppeteer and
// friends.
var defaultFlags = map[string]any{
	"no-first-run":                              true,
	"no-default-browser-check":                  true,
	"disable-background-networking":             true,
	"enable-features":                           "NetworkService,NetworkServiceInProcess",
	"disable-background-timer-throttling":       true,
	"disable-backgrounding-occluded-windows":    true,
	"disable-breakpad":                          true,
	"disable-client-side-phishing-detection":    true,
	"disable-default-apps":                      true,
	"disable-dev-shm-usage":                     true,
	"disable-extensions":                        true,
	"disable-features":                          "site-per-process,TranslateUI,BlinkGenPropertyTrees",
	"disable-hang-monitor":                      true,
	"disable-ipc-flooding-protection":           true,
	"disable-popup-blocking":                    true,
	"disable-prompt-on-repost":                  true,
	"disable-renderer-backgrounding":            true,
	"disable-sync":                              true,
	"force-color-profile":                       "srgb",
	"metrics-recording-only":                    true,
	"safebrowsing-disable-auto-update":          true,
	"password-store":                            "basic",
	"use-mock-keychain":                         true,
}

// ExecLauncher starts browsers on the local host.
type ExecLauncher struct {
	logger logrus.FieldLogger
}

// NewExecLauncher returns a local launcher.
func NewExecLauncher(logger logrus.FieldLogger) *ExecLauncher {
	return &ExecLauncher{logger: logger}
}

// Launch satisfies Launcher. The returned process is supervised: its
// temporary user data directory is removed after exit.
func (l *ExecLauncher) Launch(ctx context.Context, opts Options) (Result, error) {
	execPath := opts.ExecPath
	if execPath == "" {
		execPath = findExecPath()
	}
	if execPath == "" {
		return Result{}, errs.New(errs.CodeInternal, "no browser executable found; set ExecPath")
	}

	flags := make(map[string]any, len(defaultFlags)+8)
	for k, v := range defaultFlags {
		flags[k] = v
	}
	if opts.Headless == nil || *opts.Headless {
		flags["headless"] = "new"
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if opts.ProxyServer != "" {
		flags["proxy-server"] = opts.ProxyServer
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", opts.WindowWidth, opts.WindowHeight)
	}
	flags["remote-debugging-port"] = "0"

	removeDir := false
	dataDir := opts.UserDataDir
	if dataDir == "" {
		tempDir, err := os.MkdirTemp("", "chaser-browser-*")
		if err != nil {
			return Result{}, errs.Wrap(errs.CodeInternal, err, "creating user data dir")
		}
		dataDir = tempDir
		removeDir = true
	}
	flags["user-data-dir"] = dataDir
	if os.Getuid() == 0 {
		// Chromium refuses to sandbox as root, as in containers.
		flags["no-sandbox"] = true
	}

	args := make([]string, 0, len(flags)+len(opts.ExtraFlags)+1)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch v := flags[name].(type) {
		case string:
			args = append(args, "--"+name+"="+v)
		case bool:
			if v {
				args = append(args, "--"+name)
			}
		}
	}
	args = append(args, opts.ExtraFlags...)
	// Force the first page to be blank instead of the welcome page.
	args = append(args, "about:blank")

	cmd := exec.Command(execPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, errs.Wrap(errs.CodeInternal, err, "piping browser output")
	}
	cmd.Stderr = cmd.Stdout
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	if err := cmd.Start(); err != nil {
		if removeDir {
			os.RemoveAll(dataDir)
		}
		return Result{}, errs.Wrap(errs.CodeInternal, err, "starting browser process")
	}

	proc := &childProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		if removeDir {
			os.RemoveAll(dataDir)
		}
		close(proc.done)
	}()

	wsURL, err := l.awaitWSURL(ctx, stdout)
	if err != nil {
		proc.Stop()
		return Result{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"pid":    cmd.Process.Pid,
		"ws_url": wsURL,
	}).Info("browser launched")
	return Result{WSURL: wsURL, Proc: proc}, nil
}

// awaitWSURL scans process output for the DevTools banner.
func (l *ExecLauncher) awaitWSURL(ctx context.Context, r io.Reader) (string, error) {
	type result struct {
		url string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		url, err := readOutput(r)
		ch <- result{url, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", errs.Wrap(errs.CodeInternal, res.err, "reading devtools url")
		}
		return res.url, nil
	case <-time.After(wsURLReadTimeout):
		return "", errs.New(errs.CodeTimeout, "browser did not report a devtools url")
	case <-ctx.Done():
		return "", errs.Wrap(errs.CodeTimeout, ctx.Err(), "waiting for devtools url")
	}
}

// readOutput grabs the websocket address from the browser's output.
func readOutput(r io.Reader) (string, error) {
	prefix := []byte("DevTools listening on")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.HasPrefix(line, prefix) {
			return string(bytes.TrimSpace(line[len(prefix):])), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("browser exited before reporting a devtools url")
}

type childProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *childProcess) PID() int { return p.cmd.Process.Pid }

func (p *childProcess) Done() <-chan struct{} { return p.done }

func (p *childProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
		return p.cmd.Process.Kill()
	}
}

// findExecPath tries the usual binary names and locations.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless-shell",
		"headless_shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",

		// Windows
		"chrome",
		"chrome.exe",
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	} {
		if found, err := exec.LookPath(path); err == nil {
			return found
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
