package cdptest

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
)

// Pipe is an in-memory transport between a client and a fake Browser. It
// satisfies the cdpmux Transport interface.
type Pipe struct {
	toClient  chan *cdproto.Message
	toBrowser chan *cdproto.Message

	once   sync.Once
	closed chan struct{}

	mu     sync.Mutex
	writes int
}

// NewPipe returns a Pipe whose far end is served by a new Browser. The pipe
// is closed when the test ends.
func NewPipe(t testing.TB, opts ...Option) (*Pipe, *Browser) {
	p := &Pipe{
		toClient:  make(chan *cdproto.Message, 1024),
		toBrowser: make(chan *cdproto.Message, 1024),
		closed:    make(chan struct{}),
	}
	b := newBrowser(t, opts)
	b.send = p.deliver
	b.hangup = func() { _ = p.Close() }

	go func() {
		for {
			select {
			case msg := <-p.toBrowser:
				b.serve(msg)
			case <-p.closed:
				return
			}
		}
	}()
	t.Cleanup(func() { _ = p.Close() })
	return p, b
}

// Read reads the next message sent by the browser.
func (p *Pipe) Read(ctx context.Context, msg *cdproto.Message) error {
	// Drain what the browser already sent before reporting closure.
	select {
	case m := <-p.toClient:
		*msg = *m
		return nil
	default:
	}
	select {
	case m := <-p.toClient:
		*msg = *m
		return nil
	case <-p.closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write sends msg to the browser.
func (p *Pipe) Write(ctx context.Context, msg *cdproto.Message) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}

	p.mu.Lock()
	p.writes++
	p.mu.Unlock()

	m := *msg
	select {
	case p.toBrowser <- &m:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Writes returns the number of messages the client has written.
func (p *Pipe) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// Close closes the pipe, failing pending and later reads and writes on both
// ends.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *Pipe) deliver(msg *cdproto.Message) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.toClient <- msg:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}
