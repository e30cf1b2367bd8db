package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/cdpmux/cdpmux/log"
)

const (
	incomingBufferSize = 10 * 1024 * 1024
	outgoingBufferSize = 25 * 1024 * 1024
)

// proxy relays a DevTools client to a browser, logging every protocol
// message. HTTP discovery requests are passed through, with the browser's
// websocket URLs rewritten to point at the proxy.
type proxy struct {
	remote *url.URL
	logger *log.Logger

	http     *httputil.ReverseProxy
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
}

func newProxy(remote string, logger *log.Logger) (*proxy, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote %q: %w", remote, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid remote %q: unsupported scheme", remote)
	}
	u.Path, u.RawQuery = "", ""

	p := &proxy{
		remote: u,
		logger: logger,
		http:   httputil.NewSingleHostReverseProxy(u),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  incomingBufferSize,
			WriteBufferSize: outgoingBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{
			ReadBufferSize:  outgoingBufferSize,
			WriteBufferSize: incomingBufferSize,
		},
	}
	p.http.ModifyResponse = p.rewrite
	return p, nil
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.URL.Path, "/devtools/") {
		p.serveWS(w, req)
		return
	}
	p.http.ServeHTTP(w, req)
}

// rewrite points the websocket URLs in discovery responses at the proxy.
func (p *proxy) rewrite(res *http.Response) error {
	if !strings.HasPrefix(res.Request.URL.Path, "/json") {
		return nil
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	_ = res.Body.Close()

	body = bytes.ReplaceAll(body, []byte("://"+p.remote.Host+"/"), []byte("://"+res.Request.Host+"/"))
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

func (p *proxy) serveWS(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Path[strings.LastIndexByte(req.URL.Path, '/')+1:]
	p.logger.Infof("proxy", "id:%s connection from %s", id, req.RemoteAddr)

	endpoint := *p.remote
	endpoint.Scheme = "ws"
	if p.remote.Scheme == "https" {
		endpoint.Scheme = "wss"
	}
	endpoint.Path = req.URL.Path

	out, res, err := p.dialer.DialContext(req.Context(), endpoint.String(), nil)
	if err != nil {
		msg := fmt.Sprintf("could not connect to %s: %v", endpoint.String(), err)
		p.logger.Errorf("proxy", "id:%s %s", id, msg)
		http.Error(w, msg, http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	defer out.Close()

	in, err := p.upgrader.Upgrade(w, req, nil)
	if err != nil {
		p.logger.Errorf("proxy", "id:%s could not upgrade connection from %s: %v", id, req.RemoteAddr, err)
		return
	}
	defer in.Close()

	// Both relays report, the second after the deferred closes unblock it.
	errc := make(chan error, 2)
	go p.relay(id, "->", in, out, errc)
	go p.relay(id, "<-", out, in, errc)
	select {
	case err = <-errc:
	case <-req.Context().Done():
		err = req.Context().Err()
	}
	p.logger.Infof("proxy", "id:%s closing connection from %s: %v", id, req.RemoteAddr, err)
}

func (p *proxy) relay(id, dir string, from, to *websocket.Conn, errc chan<- error) {
	for {
		typ, buf, err := from.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		p.logger.Infof("proxy", "id:%s %s %s", id, dir, buf)
		if err := to.WriteMessage(typ, buf); err != nil {
			errc <- err
			return
		}
	}
}
