package cdptest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
)

// BrowserPath is the websocket path the Server accepts connections on.
const BrowserPath = "/devtools/browser/cdptest"

// Server can be used as a test alternative to a real CDP compatible browser,
// reachable over HTTP and websockets.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	opts     []Option
	browsers chan *Browser
}

// NewServer returns a running Server. Every accepted websocket connection
// is served by a new Browser configured with opts.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		t:        t,
		opts:     opts,
		browsers: make(chan *Browser, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.version)
	mux.HandleFunc(BrowserPath, s.serveWS)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server's HTTP address, as passed to --remote-debugging-port
// clients.
func (s *Server) URL() string {
	return s.srv.URL
}

// WebSocketURL returns the browser websocket URL.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + BrowserPath
}

// Browser returns the Browser serving the next accepted connection.
func (s *Server) Browser(ctx context.Context) *Browser {
	s.t.Helper()
	select {
	case b := <-s.browsers:
		return b
	case <-ctx.Done():
		s.t.Fatalf("no connection accepted: %v", ctx.Err())
	}
	return nil
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{
		"Browser": "HeadlessChrome/120.0.6099.109",
		"Protocol-Version": "1.3",
		"webSocketDebuggerUrl": "` + s.WebSocketURL() + `"
	}`))
}

func (s *Server) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
	if err != nil {
		s.t.Logf("cdptest: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	b := newBrowser(s.t, s.opts)
	b.send = func(msg *cdproto.Message) error {
		buf, err := easyjson.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, buf)
	}
	// Closing without a close frame exchange looks like a crash to the
	// client.
	b.hangup = func() { _ = conn.Close() }
	s.browsers <- b

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg := new(cdproto.Message)
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			s.t.Logf("cdptest: could not decode message: %v", err)
			continue
		}
		b.serve(msg)
	}
}
