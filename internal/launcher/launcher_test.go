package launcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaun0927/browserparallel/internal/config"
)

func TestEndpoint_ReturnsExistingBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"webSocketDebuggerUrl":"ws://127.0.0.1/devtools/browser/existing","Browser":"fake"}`))
	}))
	defer srv.Close()

	port, err := strconv.Atoi(strings.Split(srv.Listener.Addr().String(), ":")[1])
	require.NoError(t, err)

	cfg := config.Default()
	cfg.RemoteDebugPort = port
	cfg.AutoLaunch = false

	l := New(cfg)
	ep, err := l.Endpoint(context.TODO())
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1/devtools/browser/existing", ep)
}

func TestEndpoint_NoAutoLaunchFailsCleanly(t *testing.T) {
	cfg := config.Default()
	cfg.RemoteDebugPort = 1 // nothing listens on port 1
	cfg.AutoLaunch = false

	l := New(cfg)
	_, err := l.Endpoint(context.TODO())
	require.Error(t, err)
}

func TestWaitForEndpoint_FailsFastWhenProcessExits(t *testing.T) {
	l := New(config.Default())

	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	l.cmd = cmd
	l.exited = exited
	go func() {
		l.exitErr = cmd.Wait()
		close(exited)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.waitForEndpoint(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited before the debug endpoint")
}

func TestRestart_QuitsRunningProcessBeforeRelaunching(t *testing.T) {
	cfg := config.Default()
	cfg.ChromeBinaryPath = "/nonexistent/chrome-binary"
	l := New(cfg)

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	l.cmd = cmd
	l.exited = exited
	go func() {
		l.exitErr = cmd.Wait()
		close(exited)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.Restart(ctx)
	require.Error(t, err)

	select {
	case <-exited:
	default:
		t.Fatal("expected Restart to have quit the previously running process")
	}
}
