package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpmux/cdpmux"
	"github.com/cdpmux/cdpmux/cdptest"
	"github.com/cdpmux/cdpmux/client"
	"github.com/cdpmux/cdpmux/log"
)

func TestProxy(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t,
		cdptest.WithHandler(browser.CommandGetVersion, func(b *cdptest.Browser, msg *cdproto.Message) {
			b.Reply(msg, `{"protocolVersion":"1.3","product":"HeadlessChrome/120.0.6099.109","revision":"@r","userAgent":"ua","jsVersion":"12.0"}`)
		}))

	l, hook := test.NewNullLogger()
	p, err := newProxy(srv.URL(), log.New(l, nil))
	require.NoError(t, err)
	ps := httptest.NewServer(p)
	t.Cleanup(ps.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	// Discovery through the proxy hands out the proxy's websocket URL.
	wsURL, err := client.New(client.URL(ps.URL)).WebSocketURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws"+strings.TrimPrefix(ps.URL, "http")+cdptest.BrowserPath, wsURL)

	c, err := cdpmux.Connect(ctx, ps.URL)
	require.NoError(t, err)
	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/120.0.6099.109", v.Product)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		var sent, received bool
		for _, e := range hook.AllEntries() {
			if e.Level != logrus.InfoLevel || e.Data["category"] != "proxy" {
				continue
			}
			sent = sent || strings.Contains(e.Message, "-> ") && strings.Contains(e.Message, browser.CommandGetVersion)
			received = received || strings.Contains(e.Message, "<- ") && strings.Contains(e.Message, "HeadlessChrome")
		}
		return sent && received
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxyRemote(t *testing.T) {
	t.Parallel()

	for remote, want := range map[string]string{
		"http://127.0.0.1:9222":                        "http://127.0.0.1:9222",
		"ws://127.0.0.1:9222/devtools/browser/abc":     "http://127.0.0.1:9222",
		"wss://example.com/devtools/browser/abc?x=1":   "https://example.com",
		"https://example.com:9222/json/version?x=true": "https://example.com:9222",
	} {
		p, err := newProxy(remote, log.NewNullLogger())
		require.NoError(t, err, remote)
		assert.Equal(t, want, p.remote.String(), remote)
	}

	_, err := newProxy("ftp://127.0.0.1", log.NewNullLogger())
	assert.ErrorContains(t, err, "unsupported scheme")
}
