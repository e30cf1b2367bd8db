package cdpmux

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	// DefaultReadBufferSize is the default maximum read buffer size.
	DefaultReadBufferSize = 25 * 1024 * 1024

	// DefaultWriteBufferSize is the default maximum write buffer size.
	DefaultWriteBufferSize = 10 * 1024 * 1024

	// DefaultDialTimeout is the default websocket handshake timeout.
	DefaultDialTimeout = 60 * time.Second
)

// Transport is the common interface to send/receive messages to a browser.
//
// Read and Write are each called from a single goroutine at a time; Close
// must unblock a pending Read.
type Transport interface {
	Read(context.Context, *cdproto.Message) error
	Write(context.Context, *cdproto.Message) error
	io.Closer
}

// Conn implements Transport with a gobwas/ws websocket connection.
type Conn struct {
	conn net.Conn

	// rw reads from the handshake's leftover buffer first, if there was
	// one.
	rw io.ReadWriter

	// reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// DialOption is a dial option.
type DialOption = func(*ws.Dialer)

// WithDialTimeout sets the websocket handshake timeout.
func WithDialTimeout(d time.Duration) DialOption {
	return func(dl *ws.Dialer) { dl.Timeout = d }
}

// WithReadBufferSize sets the websocket read buffer size.
func WithReadBufferSize(n int) DialOption {
	return func(dl *ws.Dialer) { dl.ReadBufferSize = n }
}

// WithWriteBufferSize sets the websocket write buffer size.
func WithWriteBufferSize(n int) DialOption {
	return func(dl *ws.Dialer) { dl.WriteBufferSize = n }
}

// DialContext dials the specified websocket URL using gobwas/ws.
func DialContext(ctx context.Context, urlstr string, opts ...DialOption) (*Conn, error) {
	d := ws.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
		Timeout:         DefaultDialTimeout,
	}
	for _, o := range opts {
		o(&d)
	}

	conn, br, _, err := d.Dial(ctx, urlstr)
	if err != nil {
		return nil, err
	}

	c := &Conn{conn: conn, rw: conn}
	if br != nil {
		c.rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	return c, nil
}

// Read reads the next message.
func (c *Conn) Read(_ context.Context, msg *cdproto.Message) error {
	buf, _, err := wsutil.ReadServerData(c.rw)
	if err != nil {
		return err
	}

	c.decoder = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.decoder)
	return c.decoder.Error()
}

// Write writes a message.
func (c *Conn) Write(_ context.Context, msg *cdproto.Message) error {
	c.encoder = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.encoder)
	if err := c.encoder.Error; err != nil {
		return err
	}

	buf, err := c.encoder.BuildBytes()
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, buf)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// ForceIP forces the host component in urlstr to be an IP address.
//
// Since Chrome 66+, Chrome DevTools Protocol clients connecting to a browser
// must send the "Host:" header as either an IP address, or "localhost".
func ForceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme):], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if strings.HasPrefix(host, "[") {
			return urlstr
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if addr, err := net.ResolveIPAddr("ip", host); err == nil {
			ip := addr.IP.String()
			if addr.IP.To4() == nil {
				ip = "[" + ip + "]"
			}
			urlstr = scheme + ip + port + path
		}
	}
	return urlstr
}
