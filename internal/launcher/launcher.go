// Package launcher owns discovering, starting, and supervising the
// local Chrome process the core drives over CDP (spec.md §4.2).
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/coreerr"
	"github.com/shaun0927/browserparallel/internal/corelog"
)

// versionInfo mirrors the handful of fields returned by Chrome's
// /json/version debugger endpoint that the launcher actually reads.
type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	Browser              string `json:"Browser"`
}

// Launcher ensures a Chrome process is reachable on the configured
// remote-debugging port, launching one locally when AutoLaunch is set
// and none is already listening.
type Launcher struct {
	cfg config.Config
	log *logrus.Entry

	mu      sync.Mutex
	cmd     *exec.Cmd
	profile string
	exited  chan struct{}
	exitErr error
}

// New builds a Launcher from the given config.
func New(cfg config.Config) *Launcher {
	return &Launcher{cfg: cfg, log: corelog.For("launcher")}
}

// Endpoint satisfies cdp.EndpointResolver: it returns the browser-level
// WebSocket URL, launching Chrome first if configured to and nothing
// is already listening on RemoteDebugPort.
func (l *Launcher) Endpoint(ctx context.Context) (string, error) {
	if info, err := l.probeVersion(ctx); err == nil {
		return info.WebSocketDebuggerURL, nil
	}

	if !l.cfg.AutoLaunch {
		return "", coreerr.New(coreerr.KindChromeNotRunning, "no browser listening on remote debug port and auto-launch disabled")
	}

	if err := l.launch(ctx); err != nil {
		return "", err
	}

	launchCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()
	return l.waitForEndpoint(launchCtx)
}

func (l *Launcher) probeVersion(ctx context.Context) (*versionInfo, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", l.cfg.RemoteDebugPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("launcher: debug endpoint returned %d", resp.StatusCode)
	}
	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// launch starts a fresh Chrome process in a scratch profile directory.
// It refuses to start a second instance against a profile already
// locked by another process (spec.md §4.2 "profile lock detection").
func (l *Launcher) launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cmd != nil && l.cmd.ProcessState == nil {
		return nil // already launched and believed alive
	}

	bin, err := l.resolveBinary()
	if err != nil {
		return err
	}

	profile, err := os.MkdirTemp("", "browserparallel-profile-*")
	if err != nil {
		return fmt.Errorf("launcher: create profile dir: %w", err)
	}

	if locked, owner := profileLocked(profile); locked {
		return coreerr.New(coreerr.KindProfileLocked, fmt.Sprintf("chrome profile locked by %s", owner))
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.cfg.RemoteDebugPort),
		"--user-data-dir=" + profile,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}

	cmd := exec.CommandContext(context.Background(), bin, args...) // outlives launch ctx deliberately
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return coreerr.Wrap(coreerr.KindChromeNotFound, "failed to start chrome", err)
	}

	exited := make(chan struct{})
	l.cmd = cmd
	l.profile = profile
	l.exited = exited
	l.exitErr = nil
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.exitErr = err
		l.mu.Unlock()
		close(exited)
	}()

	l.log.WithField("pid", cmd.Process.Pid).Info("launched chrome")
	return nil
}

// waitForEndpoint polls the debug endpoint until it answers, ctx
// expires, or the spawned process exits first -- whichever comes
// first (spec.md §4.2: "if the spawned process exits, fail fast
// rather than continuing to poll").
func (l *Launcher) waitForEndpoint(ctx context.Context) (string, error) {
	l.mu.Lock()
	exited := l.exited
	l.mu.Unlock()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if info, err := l.probeVersion(ctx); err == nil {
			return info.WebSocketDebuggerURL, nil
		}
		select {
		case <-ctx.Done():
			return "", coreerr.New(coreerr.KindChromeNotRunning, "timed out waiting for chrome debug endpoint")
		case <-exited:
			l.mu.Lock()
			exitErr := l.exitErr
			l.mu.Unlock()
			return "", coreerr.Wrap(coreerr.KindChromeNotRunning, "chrome process exited before the debug endpoint became reachable", exitErr)
		case <-ticker.C:
		}
	}
}

// Restart gracefully replaces the Chrome process this launcher owns
// (spec.md §4.2 "restart"): detect whether it is still running,
// request a graceful quit, wait for its profile lock file to
// disappear, then spawn a fresh process and wait for it to become
// reachable.
func (l *Launcher) Restart(ctx context.Context) (string, error) {
	l.mu.Lock()
	cmd := l.cmd
	exited := l.exited
	profile := l.profile
	l.mu.Unlock()

	if cmd != nil && exited != nil {
		running := true
		select {
		case <-exited:
			running = false
		default:
		}

		if running {
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				l.log.WithError(err).Warn("graceful quit signal failed, killing chrome instead")
				_ = cmd.Process.Kill()
			}
			select {
			case <-exited:
			case <-ctx.Done():
				return "", coreerr.New(coreerr.KindChromeNotRunning, "timed out waiting for chrome to quit")
			}
		}

		if profile != "" {
			if err := waitForLockCleared(ctx, profile); err != nil {
				return "", err
			}
		}
	}

	l.mu.Lock()
	l.cmd = nil
	l.profile = ""
	l.mu.Unlock()

	if err := l.launch(ctx); err != nil {
		return "", err
	}

	launchCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()
	return l.waitForEndpoint(launchCtx)
}

// waitForLockCleared polls profileDir's Chrome singleton lock until it
// reports clear or ctx expires.
func waitForLockCleared(ctx context.Context, profileDir string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if locked, _ := profileLocked(profileDir); !locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return coreerr.New(coreerr.KindProfileLocked, "timed out waiting for chrome profile lock to clear")
		case <-ticker.C:
		}
	}
}

// resolveBinary honors an explicit ChromeBinaryPath, falling back to
// the common per-platform install locations.
func (l *Launcher) resolveBinary() (string, error) {
	if l.cfg.ChromeBinaryPath != "" {
		if _, err := os.Stat(l.cfg.ChromeBinaryPath); err == nil {
			return l.cfg.ChromeBinaryPath, nil
		}
		return "", coreerr.New(coreerr.KindChromeNotFound, "configured chrome_binary_path does not exist")
	}
	for _, candidate := range candidatePaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", coreerr.New(coreerr.KindChromeNotFound, "no chrome/chromium binary found in common install locations")
}

// candidatePaths lists the binary names and absolute paths searched,
// in order, across the platforms this launcher supports.
func candidatePaths() []string {
	switch {
	case dirExists("/Applications"):
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"google-chrome",
			"chromium",
		}
	case dirExists(`C:\Program Files`):
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			"chrome.exe",
		}
	default:
		return []string{
			"google-chrome-stable",
			"google-chrome",
			"chromium-browser",
			"chromium",
			filepath.Join("/usr/bin", "google-chrome"),
			filepath.Join("/usr/bin", "chromium-browser"),
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Close terminates any Chrome process this launcher started. It does
// not touch a pre-existing browser it merely discovered.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return nil
	}
	err := l.cmd.Process.Kill()
	if l.profile != "" {
		_ = os.RemoveAll(l.profile)
	}
	l.cmd = nil
	return err
}
