// Package screenshot implements the global bounded-concurrency capture
// scheduler (spec.md §4.5): many concurrent Page.captureScreenshot
// calls serialize inside Chrome's renderer anyway, so the scheduler
// bounds in-flight captures to avoid pathological queue depths.
package screenshot

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/coreerr"
)

// Format is the subset of Page.captureScreenshot formats the
// scheduler exposes.
type Format string

const (
	FormatWebP Format = "webp"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// Clip mirrors page.Viewport for callers that don't want to depend on
// cdproto directly.
type Clip struct {
	X, Y, Width, Height float64
	Scale               float64
}

// Options configures a single capture.
type Options struct {
	Format   Format
	Quality  int // 0 uses the scheduler's default for the chosen format
	Clip     *Clip
	FullPage bool
}

// Result is returned from Capture.
type Result struct {
	Data      string // base64-encoded image
	CaptureMS int64
	WaitMS    int64
}

// Sender is the narrow CDP surface the scheduler depends on.
type Sender interface {
	Send(ctx context.Context, id target.ID, method string, params any, result any) error
}

// defaultWebPQuality matches the spec's "quality default suitable for
// webp" note.
const defaultWebPQuality = 80

// Scheduler bounds concurrent Page.captureScreenshot calls with a
// single process-wide semaphore. Waiters are released in FIFO order
// because a buffered channel preserves send/receive order under
// Go's runtime scheduler for this access pattern.
type Scheduler struct {
	cdp Sender
	sem chan struct{}
}

// New builds a Scheduler bounded by cfg.ScreenshotConcurrency.
func New(cfg config.Config, cdp Sender) *Scheduler {
	limit := cfg.ScreenshotConcurrency
	if limit <= 0 {
		limit = 1
	}
	return &Scheduler{cdp: cdp, sem: make(chan struct{}, limit)}
}

// Capture acquires a slot, issues Page.captureScreenshot, and reports
// both how long the caller waited for a slot and how long the capture
// itself took.
func (s *Scheduler) Capture(ctx context.Context, id target.ID, opts Options) (Result, error) {
	waitStart := time.Now()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	waitMS := time.Since(waitStart).Milliseconds()
	defer func() { <-s.sem }()

	params := buildParams(opts)

	captureStart := time.Now()
	var ret page.CaptureScreenshotReturns
	if err := s.cdp.Send(ctx, id, "Page.captureScreenshot", params, &ret); err != nil {
		return Result{WaitMS: waitMS}, coreerr.Command("Page.captureScreenshot", err)
	}
	captureMS := time.Since(captureStart).Milliseconds()

	return Result{
		Data:      base64OrRaw(ret.Data),
		CaptureMS: captureMS,
		WaitMS:    waitMS,
	}, nil
}

func buildParams(opts Options) *page.CaptureScreenshotParams {
	params := page.CaptureScreenshotParams{}

	switch opts.Format {
	case FormatPNG:
		params.Format = page.CaptureScreenshotFormatPng
	case FormatJPEG:
		params.Format = page.CaptureScreenshotFormatJpeg
	default:
		params.Format = page.CaptureScreenshotFormatWebp
	}

	quality := int64(opts.Quality)
	if quality <= 0 && params.Format == page.CaptureScreenshotFormatWebp {
		quality = defaultWebPQuality
	}
	if quality > 0 {
		params.Quality = quality
	}

	if opts.Clip != nil {
		params.Clip = &page.Viewport{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
			Scale:  opts.Clip.Scale,
		}
	}

	if opts.FullPage {
		params.CaptureBeyondViewport = true
	}

	return &params
}

// base64OrRaw normalizes cdproto's []byte Data field (it already
// decodes the base64 the wire protocol sends) back to a base64 string
// for transport back to the tool-call caller.
func base64OrRaw(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
