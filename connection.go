package cdpmux

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/cdpmux/cdpmux/client"
	"github.com/cdpmux/cdpmux/log"
)

// State is the lifecycle state of a Connection.
type State int32

// Connection states.
const (
	StateConnected State = iota
	StateClosing
	StateClosed
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection multiplexes commands and events for the browser and all of its
// sessions over a single Transport.
//
// Messages are read by one goroutine and dispatched in arrival order.
// Listeners and predicates run on that goroutine, so they must not block on
// the result of a command sent over the same Connection. An event is
// evaluated against waiters before its listeners run.
type Connection struct {
	conn Transport

	// next is the last message id handed out.
	next int64

	mu       sync.Mutex
	state    State
	pending  map[int64]*call
	sessions map[target.SessionID]*Session

	// writeMu serializes writes to conn.
	writeMu sync.Mutex

	// stepMu is held while an event is evaluated against waiters. Close
	// acquires it before resolving anything.
	stepMu sync.Mutex

	events  *emitter
	waiters *Waiters
	targets *Targets

	done chan struct{}

	logger         *log.Logger
	metrics        *Metrics
	defaultTimeout time.Duration
	dialOpts       []DialOption
}

// ConnectionOption is a Connection option.
type ConnectionOption = func(*Connection)

// WithLogger sets the logger. The default logger discards everything.
func WithLogger(l *log.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = l }
}

// WithMetrics sets the collectors the connection reports to.
func WithMetrics(m *Metrics) ConnectionOption {
	return func(c *Connection) { c.metrics = m }
}

// WithDefaultTimeout sets the timeout used by WaitFor calls that pass a zero
// timeout. Zero, the default, means no timeout.
func WithDefaultTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.defaultTimeout = d }
}

// WithDialOptions sets the websocket dial options used by Connect.
func WithDialOptions(opts ...DialOption) ConnectionOption {
	return func(c *Connection) { c.dialOpts = append(c.dialOpts, opts...) }
}

var _ cdp.Executor = (*Connection)(nil)

func newConnection(opts []ConnectionOption) *Connection {
	c := &Connection{
		pending:  make(map[int64]*call),
		sessions: make(map[target.SessionID]*Session),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = log.NewNullLogger()
	}
	c.events = newEmitter(c.logger)
	c.waiters = newWaiters(c.logger, c.metrics)
	c.targets = newTargets(c)
	return c
}

// NewConnection starts a Connection over t. The connection is closed when
// ctx is done.
func NewConnection(ctx context.Context, t Transport, opts ...ConnectionOption) *Connection {
	c := newConnection(opts)
	c.conn = t
	c.start(ctx)
	return c
}

// Connect dials urlstr and starts a Connection over it. urlstr is either the
// browser's websocket debugger URL, or its http(s) remote debugging address,
// in which case the websocket URL is looked up first.
func Connect(ctx context.Context, urlstr string, opts ...ConnectionOption) (*Connection, error) {
	c := newConnection(opts)

	if strings.HasPrefix(urlstr, "http://") || strings.HasPrefix(urlstr, "https://") {
		wsURL, err := client.New(client.URL(urlstr)).WebSocketURL(ctx)
		if err != nil {
			return nil, err
		}
		urlstr = wsURL
	}

	conn, err := DialContext(ctx, ForceIP(urlstr), c.dialOpts...)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("connection", "connected to %s", urlstr)

	c.conn = conn
	c.start(ctx)
	return c, nil
}

func (c *Connection) start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	go c.run()
}

// run reads and dispatches messages until the transport fails or is closed.
func (c *Connection) run() {
	ctx := context.Background()
	for {
		msg := new(cdproto.Message)
		if err := c.conn.Read(ctx, msg); err != nil {
			if c.State() == StateConnected {
				c.logger.Debugf("cdp:recv", "connection lost: %v", err)
			}
			c.Close()
			return
		}
		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg *cdproto.Message) {
	if c.logger.DebugMode() {
		buf, _ := easyjson.Marshal(msg)
		c.logger.Debugf("cdp:recv", "<- %s", buf)
	}

	if msg.Method == cdproto.EventTargetReceivedMessageFromTarget {
		var ok bool
		if msg, ok = c.unwrap(msg); !ok {
			return
		}
	}

	switch {
	case msg.ID != 0:
		c.resolve(msg)
	case msg.Method != "":
		c.dispatchEvent(msg)
	default:
		c.logger.Errorf("cdp:recv", "ignoring malformed incoming message (missing id or method): %#v", msg)
		c.metrics.messageDropped()
	}
}

// unwrap extracts the inner message from a legacy
// Target.receivedMessageFromTarget envelope.
func (c *Connection) unwrap(msg *cdproto.Message) (*cdproto.Message, bool) {
	ev := new(target.EventReceivedMessageFromTarget)
	if err := easyjson.Unmarshal(msg.Params, ev); err != nil {
		c.logger.Errorf("cdp:recv", "could not unmarshal envelope: %v", err)
		c.metrics.messageDropped()
		return nil, false
	}
	inner := new(cdproto.Message)
	if err := easyjson.Unmarshal([]byte(ev.Message), inner); err != nil {
		c.logger.Errorf("cdp:recv", "could not unmarshal enveloped message: %v", err)
		c.metrics.messageDropped()
		return nil, false
	}
	inner.SessionID = ev.SessionID
	return inner, true
}

func (c *Connection) resolve(msg *cdproto.Message) {
	c.mu.Lock()
	cl, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debugf("cdp:recv", "id %d not present in response map", msg.ID)
		c.metrics.messageDropped()
		return
	}
	if cl.session != nil {
		cl.session.untrack(cl.id)
	}
	cl.resolve(msg, nil)
}

func (c *Connection) dispatchEvent(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); !ok {
			c.logger.Errorf("cdp:recv", "could not unmarshal event %s: %v", msg.Method, err)
			c.metrics.messageDropped()
			return
		}
		ev = msg
	}

	if msg.SessionID == "" {
		c.targets.handle(nil, ev)
		c.evaluate(c.waiters, ev)
		c.events.emit(string(msg.Method), ev)
		return
	}

	s := c.Session(msg.SessionID)
	if s == nil {
		c.logger.Debugf("cdp:recv", "unknown session ID %q for %s", msg.SessionID, msg.Method)
		c.metrics.messageDropped()
		return
	}
	c.targets.handle(s, ev)
	s.dispatch(string(msg.Method), ev)
}

// evaluate resolves the waiters in ws that ev matches. It runs before the
// event's listeners, so a listener that closes the connection cannot fail a
// waiter the event matched.
func (c *Connection) evaluate(ws *Waiters, ev interface{}) {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	ws.dispatch(ev)
}

// Execute sends a browser level command and waits for its result. It
// satisfies cdp.Executor.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.execute(ctx, nil, method, params, res)
}

func (c *Connection) execute(ctx context.Context, s *Session, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return err
		}
	}

	// The id is allocated and the call registered before anything is
	// written, so a response can never arrive for an unknown id.
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return &ProtocolError{Method: method, Err: ErrConnectionClosed}
	}
	id := atomic.AddInt64(&c.next, 1)
	cl := newCall(id, method, s, c.metrics)
	if s != nil {
		if err := s.track(cl); err != nil {
			c.mu.Unlock()
			return &ProtocolError{Method: method, Err: err}
		}
	}
	c.pending[id] = cl
	c.mu.Unlock()
	c.metrics.commandSent()

	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	if s != nil {
		msg.SessionID = s.id
	}
	if err := c.write(ctx, msg); err != nil {
		if ctx.Err() != nil {
			c.abandon(cl, ctx.Err())
		} else {
			// A failed write means the transport is gone. Close resolves
			// cl along with everything else.
			c.logger.Errorf("cdp:send", "could not write %s: %v", method, err)
			c.Close()
		}
	}

	select {
	case <-cl.done:
	case <-ctx.Done():
		c.abandon(cl, ctx.Err())
		<-cl.done
	}
	return cl.result(res)
}

func (c *Connection) write(ctx context.Context, msg *cdproto.Message) error {
	if c.logger.DebugMode() {
		buf, _ := easyjson.Marshal(msg)
		c.logger.Debugf("cdp:send", "-> %s", buf)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, msg)
}

// abandon resolves cl with err if it is still pending. A late response for
// it is dropped.
func (c *Connection) abandon(cl *call, err error) {
	c.mu.Lock()
	_, ok := c.pending[cl.id]
	delete(c.pending, cl.id)
	c.mu.Unlock()

	if !ok {
		return
	}
	if cl.session != nil {
		cl.session.untrack(cl.id)
	}
	cl.resolve(nil, err)
}

// Session returns the attached session with the given id, or nil.
func (c *Connection) Session(id target.SessionID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// Sessions returns the attached sessions.
func (c *Connection) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	return list
}

// session returns the session with the given id, creating it if necessary.
// It returns nil once the connection is closing.
func (c *Connection) session(id target.SessionID, targetID target.ID) *Session {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	if s, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return s
	}
	s := newSession(c, id, targetID)
	c.sessions[id] = s
	c.mu.Unlock()

	c.metrics.sessionAdded()
	c.logger.Debugf("connection", "sid:%v tid:%v session attached", id, targetID)
	return s
}

// forget removes s and the calls in its pending set, returning the calls it
// removed.
func (c *Connection) forget(s *Session, pending map[int64]*call) []*call {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
		c.metrics.sessionRemoved()
	}
	var owned []*call
	for id, cl := range pending {
		if c.pending[id] == cl {
			delete(c.pending, id)
			owned = append(owned, cl)
		}
	}
	return owned
}

// Targets returns the connection's target registry.
func (c *Connection) Targets() *Targets {
	return c.targets
}

// Waiters returns the registry of browser level waits.
func (c *Connection) Waiters() *Waiters {
	return c.waiters
}

// WaitFor waits for the first browser level event matching pred. A zero
// timeout uses the connection's default timeout.
func (c *Connection) WaitFor(ctx context.Context, pred Predicate, timeout time.Duration) (interface{}, error) {
	return c.waiters.WaitFor(pred, c.timeout(timeout)).Wait(ctx)
}

func (c *Connection) timeout(d time.Duration) time.Duration {
	if d == 0 {
		return c.defaultTimeout
	}
	return d
}

// On registers fn for browser level events named name, returning a func that
// removes it. Use EventDisconnected to learn about the connection closing.
func (c *Connection) On(name string, fn Listener) func() {
	return c.events.on(name, fn)
}

// Once is like On, but fn is removed after its first call.
func (c *Connection) Once(name string, fn Listener) func() {
	return c.events.once(name, fn)
}

// Listen registers fn for every browser level event until ctx is done.
func (c *Connection) Listen(ctx context.Context, fn Listener) {
	c.events.listen(ctx, fn)
}

// State returns the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed once the connection is closed and every
// outstanding command and wait has been resolved.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Every pending command is failed with
// ErrConnectionClosed, every session is detached, and every waiter is
// resolved before the "disconnected" event is emitted.
//
// Closing a connection that is already closing or closed does nothing.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	pending, sessions := c.pending, c.sessions
	c.pending = make(map[int64]*call)
	c.sessions = make(map[target.SessionID]*Session)
	c.mu.Unlock()

	c.logger.Debugf("connection", "closing with %d pending commands and %d sessions", len(pending), len(sessions))

	// Let an event already being evaluated resolve its waiters first.
	c.stepMu.Lock()
	c.stepMu.Unlock()

	err := c.conn.Close()

	for _, cl := range pending {
		cl.disconnect(ErrConnectionClosed)
	}
	for _, s := range sessions {
		s.detach(ErrConnectionClosed)
		c.metrics.sessionRemoved()
	}
	c.waiters.close(ErrConnectionClosed)
	c.targets.close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.done)

	c.events.emit(EventDisconnected, ErrConnectionClosed)
	return err
}

// Shutdown asks the browser to close, then closes the connection.
func (c *Connection) Shutdown(ctx context.Context) error {
	if err := closeBrowser(ctx, c); err != nil && !IsDisconnected(err) {
		c.logger.Warnf("connection", "could not close browser: %v", err)
	}
	return c.Close()
}

// CloseTarget closes the target with the given id.
func (c *Connection) CloseTarget(ctx context.Context, id target.ID) error {
	return target.CloseTarget(id).Do(cdp.WithExecutor(ctx, c))
}
