// Package tab drives a page target over a cdpmux session: navigation,
// script evaluation, polling and screenshots.
//
// Everything here goes through the public Session API, so every operation
// ends with the session's error once the session detaches or the browser
// disconnects. A zero timeout means the operation is only bounded by its
// context.
package tab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"

	"github.com/cdpmux/cdpmux"
)

// Navigate navigates the main frame of s to urlstr and waits for the
// navigation to commit, returning the new frame. Page events must be enabled
// on s, see cdpmux.Enable.
//
// Same document navigations, such as fragment changes, never commit a new
// frame and end with cdpmux.ErrWaitTimeout.
func Navigate(ctx context.Context, s *cdpmux.Session, urlstr string, timeout time.Duration) (*cdp.Frame, error) {
	return navigate(ctx, s, timeout, func(ctx context.Context) error {
		_, _, errorText, err := page.Navigate(urlstr).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("page load error %s", errorText)
		}
		return nil
	})
}

// NavigationEntries returns the index of the current entry of the page's
// navigation history, and the history.
func NavigationEntries(ctx context.Context, s *cdpmux.Session) (int64, []*page.NavigationEntry, error) {
	return page.GetNavigationHistory().Do(cdp.WithExecutor(ctx, s))
}

// NavigateBack navigates the main frame of s backwards in its history.
func NavigateBack(ctx context.Context, s *cdpmux.Session, timeout time.Duration) (*cdp.Frame, error) {
	return navigateHistory(ctx, s, timeout, -1)
}

// NavigateForward navigates the main frame of s forwards in its history.
func NavigateForward(ctx context.Context, s *cdpmux.Session, timeout time.Duration) (*cdp.Frame, error) {
	return navigateHistory(ctx, s, timeout, 1)
}

func navigateHistory(ctx context.Context, s *cdpmux.Session, timeout time.Duration, delta int64) (*cdp.Frame, error) {
	return navigate(ctx, s, timeout, func(ctx context.Context) error {
		cur, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		i := cur + delta
		if i < 0 || i >= int64(len(entries)) {
			return errors.New("invalid navigation entry")
		}
		return page.NavigateToHistoryEntry(entries[i].ID).Do(ctx)
	})
}

// Reload reloads the page of s.
func Reload(ctx context.Context, s *cdpmux.Session, timeout time.Duration) (*cdp.Frame, error) {
	return navigate(ctx, s, timeout, page.Reload().Do)
}

// navigate registers the navigation wait before running fn, so that a
// frameNavigated event sent ahead of fn's response is not missed.
func navigate(ctx context.Context, s *cdpmux.Session, timeout time.Duration, fn func(context.Context) error) (*cdp.Frame, error) {
	w := s.Waiters().WaitFor(cdpmux.MainFrameNavigated(), timeout)
	if err := fn(cdp.WithExecutor(ctx, s)); err != nil {
		w.Cancel()
		return nil, navigationError(err)
	}
	ev, err := w.Wait(ctx)
	if err != nil {
		return nil, navigationError(err)
	}
	return ev.(*page.EventFrameNavigated).Frame, nil
}

func navigationError(err error) error {
	if errors.Is(err, cdpmux.ErrConnectionClosed) {
		return fmt.Errorf("%w: %w", cdpmux.ErrNavigationDisconnected, err)
	}
	return err
}
