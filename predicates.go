package cdpmux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

// RequestURL matches a Network.requestWillBeSent event for url.
func RequestURL(url string) Predicate {
	return func(ev interface{}) bool {
		e, ok := ev.(*network.EventRequestWillBeSent)
		return ok && e.Request != nil && e.Request.URL == url
	}
}

// ResponseURL matches a Network.responseReceived event for url.
func ResponseURL(url string) Predicate {
	return func(ev interface{}) bool {
		e, ok := ev.(*network.EventResponseReceived)
		return ok && e.Response != nil && e.Response.URL == url
	}
}

// MainFrameNavigated matches a Page.frameNavigated event for a top level
// frame.
func MainFrameNavigated() Predicate {
	return func(ev interface{}) bool {
		e, ok := ev.(*page.EventFrameNavigated)
		return ok && e.Frame != nil && e.Frame.ParentID == ""
	}
}

// WaitForNavigation waits for the main frame of s to navigate and returns
// the new frame. If the browser disconnects first, the error wraps
// ErrNavigationDisconnected.
func WaitForNavigation(ctx context.Context, s *Session, timeout time.Duration) (*cdp.Frame, error) {
	ev, err := s.WaitFor(ctx, MainFrameNavigated(), timeout)
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return nil, fmt.Errorf("%w: %w", ErrNavigationDisconnected, err)
	case err != nil:
		return nil, err
	}
	return ev.(*page.EventFrameNavigated).Frame, nil
}

// WaitForResponse waits for the response to url on s.
func WaitForResponse(ctx context.Context, s *Session, url string, timeout time.Duration) (*network.Response, error) {
	ev, err := s.WaitFor(ctx, ResponseURL(url), timeout)
	if err != nil {
		return nil, err
	}
	return ev.(*network.EventResponseReceived).Response, nil
}
