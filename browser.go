package cdpmux

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// Version describes the browser at the other end of a Connection.
type Version struct {
	Protocol  string
	Product   string
	Revision  string
	UserAgent string
	JSVersion string
}

// Version asks the browser for its version.
func (c *Connection) Version(ctx context.Context) (*Version, error) {
	protocol, product, revision, ua, js, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, err
	}
	return &Version{
		Protocol:  protocol,
		Product:   product,
		Revision:  revision,
		UserAgent: ua,
		JSVersion: js,
	}, nil
}

func closeBrowser(ctx context.Context, c *Connection) error {
	return browser.Close().Do(cdp.WithExecutor(ctx, c))
}

// NewPage opens a page target at urlstr and attaches a session to it, with
// the Page and Network domains enabled.
func (c *Connection) NewPage(ctx context.Context, urlstr string) (*Session, error) {
	if err := c.targets.Discover(ctx); err != nil {
		return nil, err
	}
	id, err := target.CreateTarget(urlstr).Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, err
	}
	if _, err := c.targets.WaitForTarget(ctx, func(info *TargetInfo) bool {
		return info.ID == id
	}, 0); err != nil {
		return nil, err
	}

	s, err := c.targets.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Enable(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Enable enables the Page and Network domains on s, and auto-attaching to
// the targets it spawns.
func Enable(ctx context.Context, s *Session) error {
	actions := []interface {
		Do(context.Context) error
	}{
		page.Enable(),
		network.Enable(),
		target.SetAutoAttach(true, false).WithFlatten(true),
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(ctx, s)); err != nil {
			return fmt.Errorf("unable to execute %T: %w", action, err)
		}
	}
	return nil
}
