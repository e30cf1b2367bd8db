package cdpmux

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cdpmux/cdpmux/cdptest"
)

func TestExecute(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		errc <- target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c))
	}()

	msg := b.Next()
	assert.Equal(t, cdproto.MethodType(target.CommandSetDiscoverTargets), msg.Method)
	assert.Empty(t, msg.SessionID)
	assert.NotZero(t, msg.ID)
	b.Reply(msg, "{}")

	require.NoError(t, <-errc)
}

func TestExecuteConcurrentIDsAreUnique(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := make(map[int64]int)
	c, _, _ := newTestConnection(t, cdptest.WithHandler("Test.echo", func(b *cdptest.Browser, msg *cdproto.Message) {
		mu.Lock()
		seen[msg.ID]++
		mu.Unlock()
		b.Reply(msg, "{}")
	}))

	g, ctx := errgroup.WithContext(testContext(t))
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			return c.Execute(ctx, "Test.echo", nil, nil)
		})
	}
	require.NoError(t, g.Wait())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %d", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}

func createTargetURL(t *testing.T, msg *cdproto.Message) string {
	t.Helper()
	params := new(target.CreateTargetParams)
	require.NoError(t, easyjson.Unmarshal(msg.Params, params))
	return params.URL
}

func TestExecuteOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)
	ctx := testContext(t)

	type result struct {
		id  target.ID
		err error
	}
	create := func(url string) <-chan result {
		ch := make(chan result, 1)
		go func() {
			id, err := target.CreateTarget(url).Do(cdp.WithExecutor(ctx, c))
			ch <- result{id, err}
		}()
		return ch
	}
	resA, resB := create("a"), create("b")

	msgs := nextN(b, 2)
	for i := len(msgs) - 1; i >= 0; i-- {
		b.Reply(msgs[i], `{"targetId":"T-`+createTargetURL(t, msgs[i])+`"}`)
	}

	a, bb := <-resA, <-resB
	require.NoError(t, a.err)
	require.NoError(t, bb.err)
	assert.Equal(t, target.ID("T-a"), a.id)
	assert.Equal(t, target.ID("T-b"), bb.id)
}

func TestExecuteRemoteError(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestConnection(t, cdptest.WithHandler("Test.fail", func(b *cdptest.Browser, msg *cdproto.Message) {
		b.ReplyError(msg, -32000, "No target with given id found")
	}))

	err := c.Execute(testContext(t), "Test.fail", nil, nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Test.fail", pe.Method)
	require.NotNil(t, pe.RemoteError())
	assert.Equal(t, int64(-32000), pe.RemoteError().Code)
	assert.False(t, IsDisconnected(err))
	assert.Contains(t, err.Error(), "Protocol error (Test.fail)")
}

func TestExecuteContextCanceled(t *testing.T) {
	t.Parallel()

	p, b := cdptest.NewPipe(t)
	m := NewMetrics(prometheus.NewRegistry())
	c := NewConnection(context.Background(), p, WithMetrics(m))
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- c.Execute(ctx, "Test.slow", nil, nil)
	}()

	msg := b.Next()
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// The late response matches nothing.
	b.Reply(msg, "{}")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.droppedMessages) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues(outcomeCanceled)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, StateConnected, c.State())
}

func TestCloseResolvesEverything(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)
	s := attachSession(t, c, b, "T1")

	const n, m = 3, 2
	errs := make(chan error, n+m)
	for i := 0; i < n; i++ {
		go func() { errs <- c.Execute(context.Background(), "Test.root", nil, nil) }()
	}
	for i := 0; i < m; i++ {
		go func() { errs <- s.Execute(context.Background(), "Test.session", nil, nil) }()
	}
	nextN(b, n+m)

	never := func(interface{}) bool { return false }
	rootW := c.Waiters().WaitFor(never, 30*time.Second)
	sessW := s.Waiters().WaitFor(never, 30*time.Second)

	var disconnected int32
	c.On(EventDisconnected, func(ev interface{}) {
		atomic.AddInt32(&disconnected, 1)
		assert.Equal(t, ErrConnectionClosed, ev)
		assert.Equal(t, StateClosed, c.State())
		for _, w := range []*Waiter{rootW, sessW} {
			select {
			case <-w.Done():
			default:
				t.Error("waiter unresolved when disconnected was emitted")
			}
		}
	})

	start := time.Now()
	require.NoError(t, c.Close())

	for i := 0; i < n+m; i++ {
		err := <-errs
		var pe *ProtocolError
		assert.ErrorAs(t, err, &pe)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.True(t, IsDisconnected(err))
	}
	for _, w := range []*Waiter{rootW, sessW} {
		_, err := w.Result()
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, SessionDetached, s.State())
	assert.ErrorIs(t, s.Err(), ErrConnectionClosed)
	assert.Empty(t, c.Sessions())
	assert.Zero(t, c.Waiters().Len())

	// Closing again does nothing.
	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, atomic.LoadInt32(&disconnected))
}

func TestMatchWinsOverCloseFromListener(t *testing.T) {
	t.Parallel()

	syncClose := func(c *Connection) { _ = c.Close() }
	asyncClose := func(c *Connection) { go c.Close() }
	tests := []struct {
		name    string
		session bool
		close   func(c *Connection)
	}{
		{"session sync", true, syncClose},
		{"session goroutine", true, asyncClose},
		{"root sync", false, syncClose},
		{"root goroutine", false, asyncClose},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c, _, b := newTestConnection(t)
			s := attachSession(t, c, b, "T1")

			isCustom := func(ev interface{}) bool {
				msg, ok := ev.(*cdproto.Message)
				return ok && msg.Method == "Custom.event"
			}
			closer := func(interface{}) { test.close(c) }

			var w *Waiter
			if test.session {
				w = s.Waiters().WaitFor(isCustom, 30*time.Second)
				s.On("Custom.event", closer)
				b.EmitJSON(s.ID(), "Custom.event", "{}")
			} else {
				w = c.Waiters().WaitFor(isCustom, 30*time.Second)
				c.On("Custom.event", closer)
				b.EmitJSON("", "Custom.event", "{}")
			}

			ev, err := w.Wait(testContext(t))
			require.NoError(t, err)
			assert.True(t, isCustom(ev))

			select {
			case <-c.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("connection not closed by listener")
			}
			assert.Equal(t, StateClosed, c.State())
			assert.ErrorIs(t, s.Err(), ErrConnectionClosed)
		})
	}
}

func TestCloseWaitsForEvaluation(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)
	s := attachSession(t, c, b, "T1")

	entered, release := make(chan struct{}), make(chan struct{})
	w := s.Waiters().WaitFor(func(ev interface{}) bool {
		msg, ok := ev.(*cdproto.Message)
		if !ok || msg.Method != "Custom.slow" {
			return false
		}
		close(entered)
		<-release
		return true
	}, 30*time.Second)

	b.EmitJSON(s.ID(), "Custom.slow", "{}")
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case <-c.Done():
		t.Fatal("connection closed during evaluation")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-closed)
	ev, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, cdproto.MethodType("Custom.slow"), ev.(*cdproto.Message).Method)
	assert.ErrorIs(t, s.Err(), ErrConnectionClosed)
}

// brokenWriter is a Transport whose writes always fail. Reads block until it
// is closed.
type brokenWriter struct {
	once   sync.Once
	closed chan struct{}
}

func (bw *brokenWriter) Read(ctx context.Context, _ *cdproto.Message) error {
	select {
	case <-bw.closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (bw *brokenWriter) Write(context.Context, *cdproto.Message) error {
	return io.ErrClosedPipe
}

func (bw *brokenWriter) Close() error {
	bw.once.Do(func() { close(bw.closed) })
	return nil
}

func TestExecuteWriteFailureClosesConnection(t *testing.T) {
	t.Parallel()

	bw := &brokenWriter{closed: make(chan struct{})}
	c := NewConnection(context.Background(), bw)
	t.Cleanup(func() { _ = c.Close() })

	disconnected := make(chan interface{}, 1)
	c.On(EventDisconnected, func(ev interface{}) { disconnected <- ev })
	w := c.Waiters().WaitFor(func(interface{}) bool { return false }, 30*time.Second)

	err := c.Execute(testContext(t), "Test.root", nil, nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Test.root", pe.Method)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, IsDisconnected(err))

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, ErrConnectionClosed, <-disconnected)
	_, err = w.Result()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestBrowserHangup(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)
	s := attachSession(t, c, b, "T1")

	errc := make(chan error, 1)
	go func() { errc <- s.Execute(context.Background(), "Runtime.evaluate", nil, nil) }()
	b.Next()

	b.Hangup()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed after hangup")
	}

	assert.ErrorIs(t, <-errc, ErrConnectionClosed)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, SessionDetached, s.State())
}

func TestExecuteAfterClose(t *testing.T) {
	t.Parallel()

	c, p, _ := newTestConnection(t)
	require.NoError(t, c.Close())

	writes := p.Writes()
	err := c.Execute(context.Background(), "Test.root", nil, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, writes, p.Writes())

	_, err = c.WaitFor(context.Background(), func(interface{}) bool { return true }, time.Minute)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionContextCancel(t *testing.T) {
	t.Parallel()

	p, _ := cdptest.NewPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConnection(ctx, p)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed after context cancel")
	}
}

func TestListeners(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)

	got := make(chan interface{}, 8)
	once := make(chan interface{}, 8)
	c.On("Custom.event", func(interface{}) { panic("boom") })
	c.On("Custom.event", func(ev interface{}) { got <- ev })
	c.Once("Custom.event", func(ev interface{}) { once <- ev })

	for i := 0; i < 2; i++ {
		b.Send(&cdproto.Message{Method: "Custom.event", Params: easyjson.RawMessage(`{}`)})
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			msg, ok := ev.(*cdproto.Message)
			require.True(t, ok, "unknown events are delivered raw")
			assert.Equal(t, cdproto.MethodType("Custom.event"), msg.Method)
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Len(t, once, 1)
	assert.Equal(t, StateConnected, c.State())
}

func TestListenUntilCanceled(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)
	event := func(method string) {
		b.Send(&cdproto.Message{Method: cdproto.MethodType(method), Params: easyjson.RawMessage(`{}`)})
	}

	var n int32
	ctx, cancel := context.WithCancel(context.Background())
	c.Listen(ctx, func(interface{}) { atomic.AddInt32(&n, 1) })

	event("Custom.a")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&n) == 1
	}, 5*time.Second, time.Millisecond)
	cancel()

	synced := make(chan struct{})
	c.Once("Custom.sync", func(interface{}) { close(synced) })
	event("Custom.b")
	event("Custom.sync")
	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&n))
}

func TestMalformedMessageIsDropped(t *testing.T) {
	t.Parallel()

	p, b := cdptest.NewPipe(t, cdptest.WithAutoReply())
	m := NewMetrics(nil)
	c := NewConnection(context.Background(), p, WithMetrics(m))
	t.Cleanup(func() { _ = c.Close() })

	b.Send(&cdproto.Message{})
	require.NoError(t, c.Execute(testContext(t), "Test.after", nil, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedMessages))
	assert.Equal(t, StateConnected, c.State())
}

func TestLegacyEnvelopeIsUnwrapped(t *testing.T) {
	t.Parallel()

	c, _, b := newTestConnection(t)
	s := attachSession(t, c, b, "T1")

	got := make(chan interface{}, 1)
	s.On(string(cdproto.EventPageFrameNavigated), func(ev interface{}) { got <- ev })

	b.Emit("", cdproto.EventTargetReceivedMessageFromTarget, &target.EventReceivedMessageFromTarget{
		SessionID: s.ID(),
		Message:   `{"method":"Page.frameNavigated","params":{"frame":{"id":"F1","loaderId":"L1","url":"http://localhost/","securityOrigin":"http://localhost","mimeType":"text/html"}}}`,
	})

	select {
	case ev := <-got:
		nav, ok := ev.(*page.EventFrameNavigated)
		require.True(t, ok)
		assert.Equal(t, cdp.FrameID("F1"), nav.Frame.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("enveloped event not delivered")
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p, b := cdptest.NewPipe(t, cdptest.WithAutoReply())
	c := NewConnection(context.Background(), p, WithMetrics(m))

	s := attachSession(t, c, b, "T1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))

	require.NoError(t, s.Execute(testContext(t), "Test.ok", nil, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues(outcomeOK)))

	w := s.Waiters().WaitFor(func(interface{}) bool { return false }, time.Minute)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.waiters))

	require.NoError(t, c.Close())
	<-w.Done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.waiters))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.waiterOutcomes.WithLabelValues(outcomeDisconnected)))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}
