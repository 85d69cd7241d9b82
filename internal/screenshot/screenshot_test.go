package screenshot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/shaun0927/browserparallel/internal/config"
)

type trackingSender struct {
	mu          sync.Mutex
	inFlight    int32
	maxInFlight int32
	delay       time.Duration
}

func (s *trackingSender) Send(ctx context.Context, id target.ID, method string, params any, result any) error {
	if method != "Page.captureScreenshot" {
		return nil
	}
	n := atomic.AddInt32(&s.inFlight, 1)
	s.mu.Lock()
	if n > s.maxInFlight {
		s.maxInFlight = n
	}
	s.mu.Unlock()

	time.Sleep(s.delay)
	atomic.AddInt32(&s.inFlight, -1)
	return nil
}

func TestCapture_BoundsConcurrency(t *testing.T) {
	sender := &trackingSender{delay: 20 * time.Millisecond}
	cfg := config.Default()
	cfg.ScreenshotConcurrency = 3
	sched := New(cfg, sender)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sched.Capture(context.Background(), "t-1", Options{Format: FormatPNG})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, sender.maxInFlight, int32(3))
}

func TestBuildParams_DefaultsWebPQuality(t *testing.T) {
	params := buildParams(Options{})
	require.Equal(t, int64(defaultWebPQuality), params.Quality)
}

func TestBuildParams_FullPageSetsCaptureBeyondViewport(t *testing.T) {
	params := buildParams(Options{FullPage: true})
	require.True(t, params.CaptureBeyondViewport)
}
