// Package client provides access to the browser's remote debugging HTTP
// endpoints, used to discover the websocket URLs of the browser and its
// targets.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the default endpoint to connect to.
	DefaultEndpoint = "http://localhost:9222/json"

	// DefaultWatchInterval is the default check duration.
	DefaultWatchInterval = 100 * time.Millisecond

	// DefaultWatchTimeout is the default watch timeout.
	DefaultWatchTimeout = 5 * time.Second
)

// Error is a client error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

const (
	// ErrNoWebSocketURL is returned when the browser does not report a
	// websocket debugger URL.
	ErrNoWebSocketURL Error = "browser did not report a websocket debugger url"
)

// StatusError is returned when an endpoint answers with a non 2xx status.
type StatusError struct {
	Action string
	Status int
}

// Error satisfies the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Action, e.Status)
}

// VersionInfo is the browser's answer to /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version,omitempty"`
	WebKitVersion        string `json:"WebKit-Version,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client is a client for the remote debugging HTTP endpoints.
type Client struct {
	url     string
	check   time.Duration
	timeout time.Duration

	hc *http.Client
}

// New creates a new client.
func New(opts ...Option) *Client {
	c := &Client{
		url:     DefaultEndpoint,
		check:   DefaultWatchInterval,
		timeout: DefaultWatchTimeout,
		hc:      http.DefaultClient,
	}

	// apply opts
	for _, o := range opts {
		o(c)
	}

	return c
}

// doReq executes a request.
func (c *Client) doReq(ctx context.Context, method, action string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url+"/"+action, nil)
	if err != nil {
		return err
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Action: action, Status: res.StatusCode}
	}
	if v == nil {
		_, err = io.Copy(io.Discard, res.Body)
		return err
	}
	return json.NewDecoder(res.Body).Decode(v)
}

// VersionInfo returns information about the browser and its remote debugging
// protocol.
func (c *Client) VersionInfo(ctx context.Context) (*VersionInfo, error) {
	v := new(VersionInfo)
	if err := c.doReq(ctx, http.MethodGet, "version", v); err != nil {
		return nil, err
	}
	return v, nil
}

// WebSocketURL returns the browser's websocket debugger URL.
func (c *Client) WebSocketURL(ctx context.Context) (string, error) {
	v, err := c.VersionInfo(ctx)
	if err != nil {
		return "", err
	}
	if v.WebSocketDebuggerURL == "" {
		return "", ErrNoWebSocketURL
	}
	return v.WebSocketDebuggerURL, nil
}

// ListTargets returns a list of all targets.
func (c *Client) ListTargets(ctx context.Context) ([]*Target, error) {
	var l []*Target
	if err := c.doReq(ctx, http.MethodGet, "list", &l); err != nil {
		return nil, err
	}
	return l, nil
}

// ListTargetsWithType returns a list of targets with the specified type.
func (c *Client) ListTargetsWithType(ctx context.Context, typ TargetType) ([]*Target, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return nil, err
	}

	var ret []*Target
	for _, t := range targets {
		if t.Type == typ {
			ret = append(ret, t)
		}
	}
	return ret, nil
}

// ListPageTargets lists the available page targets.
func (c *Client) ListPageTargets(ctx context.Context) ([]*Target, error) {
	return c.ListTargetsWithType(ctx, Page)
}

// NewPageTargetWithURL creates a new page target with the specified url.
func (c *Client) NewPageTargetWithURL(ctx context.Context, urlstr string) (*Target, error) {
	u := "new"
	if urlstr != "" {
		u += "?" + urlstr
	}

	t := new(Target)
	if err := c.doReq(ctx, http.MethodPut, u, t); err != nil {
		return nil, err
	}
	return t, nil
}

// NewPageTarget creates a new page target.
func (c *Client) NewPageTarget(ctx context.Context) (*Target, error) {
	return c.NewPageTargetWithURL(ctx, "")
}

// ActivateTarget activates a target.
func (c *Client) ActivateTarget(ctx context.Context, t *Target) error {
	return c.doReq(ctx, http.MethodGet, "activate/"+t.ID, nil)
}

// CloseTarget closes a target.
func (c *Client) CloseTarget(ctx context.Context, t *Target) error {
	return c.doReq(ctx, http.MethodGet, "close/"+t.ID, nil)
}

// WatchPageTargets watches for new page targets. The returned channel is
// closed once ctx is done, or the endpoint has failed for longer than the
// watch timeout.
func (c *Client) WatchPageTargets(ctx context.Context) <-chan *Target {
	ch := make(chan *Target)
	go func() {
		defer close(ch)

		encountered := make(map[string]bool)
		check := func() error {
			targets, err := c.ListPageTargets(ctx)
			if err != nil {
				return err
			}

			for _, t := range targets {
				if encountered[t.ID] {
					continue
				}
				encountered[t.ID] = true
				select {
				case ch <- t:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}

		lastGood := time.Now()
		for {
			if err := check(); err == nil {
				lastGood = time.Now()
			} else if time.Now().After(lastGood.Add(c.timeout)) {
				return
			}

			select {
			case <-time.After(c.check):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Option is a client option.
type Option func(*Client)

// URL is a client option to specify the remote debugging endpoint, such as
// "http://localhost:9222". A missing "/json" suffix is added.
func URL(urlstr string) Option {
	return func(c *Client) {
		urlstr = strings.TrimSuffix(urlstr, "/")
		if !strings.HasSuffix(urlstr, "/json") {
			urlstr += "/json"
		}
		c.url = forceIP(urlstr)
	}
}

// HTTPClient is a client option to specify the http.Client used for
// requests.
func HTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WatchInterval is a client option that specifies the check interval duration.
func WatchInterval(check time.Duration) Option {
	return func(c *Client) {
		c.check = check
	}
}

// WatchTimeout is a client option that specifies the watch timeout duration.
func WatchTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// forceIP replaces the host in urlstr with its IP address, since the browser
// only accepts a Host header that is an IP address or "localhost".
func forceIP(urlstr string) string {
	i := strings.Index(urlstr, "://")
	if i == -1 {
		return urlstr
	}
	scheme := urlstr[:i+3]
	host, port, path := urlstr[len(scheme):], "", ""
	if i := strings.Index(host, "/"); i != -1 {
		host, path = host[:i], host[i:]
	}
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.HasSuffix(host, "]") {
		host, port = host[:i], host[i:]
	}
	if host == "localhost" || strings.HasPrefix(host, "[") {
		return urlstr
	}
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return urlstr
	}
	ip := addr.IP.String()
	if addr.IP.To4() == nil {
		ip = "[" + ip + "]"
	}
	return scheme + ip + port + path
}
