package tab

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"

	"github.com/cdpmux/cdpmux"
)

// CaptureScreenshot captures the viewport of the page of s as a PNG.
func CaptureScreenshot(ctx context.Context, s *cdpmux.Session) ([]byte, error) {
	return page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		WithFromSurface(true).
		Do(cdp.WithExecutor(ctx, s))
}

// FullScreenshot captures the whole page of s, beyond the viewport. A
// quality of 100 captures a PNG, anything lower a JPEG of that quality.
func FullScreenshot(ctx context.Context, s *cdpmux.Session, quality int) ([]byte, error) {
	format := page.CaptureScreenshotFormatPng
	if quality != 100 {
		format = page.CaptureScreenshotFormatJpeg
	}
	p := page.CaptureScreenshot().
		WithCaptureBeyondViewport(true).
		WithFromSurface(true).
		WithFormat(format)
	if format == page.CaptureScreenshotFormatJpeg {
		p = p.WithQuality(int64(quality))
	}
	return p.Do(cdp.WithExecutor(ctx, s))
}
