package cdpmux

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

// Session states.
const (
	SessionAttached SessionState = iota
	SessionDetached
)

// String satisfies fmt.Stringer.
func (s SessionState) String() string {
	if s == SessionAttached {
		return "attached"
	}
	return "detached"
}

// Session is a flattened CDP session attached to a single target, sharing
// its Connection's transport.
//
// Once detached, a session never becomes attached again; commands on it
// fail immediately without being sent.
type Session struct {
	conn     *Connection
	id       target.SessionID
	targetID target.ID

	mu      sync.Mutex
	state   SessionState
	crashed bool
	reason  error
	pending map[int64]*call

	events   *emitter
	waiters  *Waiters
	detached chan struct{}
}

var _ cdp.Executor = (*Session)(nil)

func newSession(c *Connection, id target.SessionID, targetID target.ID) *Session {
	return &Session{
		conn:     c,
		id:       id,
		targetID: targetID,
		pending:  make(map[int64]*call),
		events:   newEmitter(c.logger),
		waiters:  newWaiters(c.logger, c.metrics),
		detached: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns the id of the target the session is attached to.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session was detached, or nil while it is
// attached.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done returns a channel closed once the session is detached.
func (s *Session) Done() <-chan struct{} {
	return s.detached
}

// Execute sends a command to the session's target and waits for its result.
// It satisfies cdp.Executor.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if method == target.CommandCloseTarget {
		return errors.New("to close the target, use Connection.CloseTarget")
	}

	s.mu.Lock()
	err := s.unusable()
	s.mu.Unlock()
	if err != nil {
		return &ProtocolError{Method: method, Err: err}
	}
	return s.conn.execute(ctx, s, method, params, res)
}

// unusable returns the error commands on s fail with, or nil. s.mu must be
// held.
func (s *Session) unusable() error {
	switch {
	case s.state == SessionDetached:
		return s.reason
	case s.crashed:
		return ErrTargetCrashed
	}
	return nil
}

// track adds cl to the session's pending set. It is called with the
// connection's lock held.
func (s *Session) track(cl *call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unusable(); err != nil {
		return err
	}
	s.pending[cl.id] = cl
	return nil
}

func (s *Session) untrack(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *Session) markCrashed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashed = true
}

// detach transitions s to detached, failing its pending commands and waits
// with reason. It reports whether this call did the transition.
func (s *Session) detach(reason error) bool {
	s.mu.Lock()
	if s.state == SessionDetached {
		s.mu.Unlock()
		return false
	}
	s.state = SessionDetached
	s.reason = reason
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, cl := range s.conn.forget(s, pending) {
		cl.disconnect(reason)
	}
	s.waiters.close(reason)
	s.conn.targets.sessionDetached(s)
	close(s.detached)

	s.conn.logger.Debugf("session", "sid:%v tid:%v detached: %v", s.id, s.targetID, reason)
	s.events.emit(EventSessionDetached, reason)
	return true
}

// Detach detaches the session. The session is unusable as soon as Detach is
// called; the browser is then asked to detach on a best effort basis.
func (s *Session) Detach(ctx context.Context) error {
	if !s.detach(ErrSessionDetached) {
		return nil
	}
	err := target.DetachFromTarget().WithSessionID(s.id).Do(cdp.WithExecutor(ctx, s.conn))
	if IsDisconnected(err) {
		return nil
	}
	return err
}

// dispatch delivers an event received for the session.
func (s *Session) dispatch(name string, ev interface{}) {
	if s.State() == SessionDetached {
		return
	}
	s.conn.evaluate(s.waiters, ev)
	s.events.emit(name, ev)
}

// Waiters returns the session's wait registry.
func (s *Session) Waiters() *Waiters {
	return s.waiters
}

// WaitFor waits for the first session event matching pred. A zero timeout
// uses the connection's default timeout.
func (s *Session) WaitFor(ctx context.Context, pred Predicate, timeout time.Duration) (interface{}, error) {
	return s.waiters.WaitFor(pred, s.conn.timeout(timeout)).Wait(ctx)
}

// On registers fn for session events named name, returning a func that
// removes it.
func (s *Session) On(name string, fn Listener) func() {
	return s.events.on(name, fn)
}

// Once is like On, but fn is removed after its first call.
func (s *Session) Once(name string, fn Listener) func() {
	return s.events.once(name, fn)
}

// Listen registers fn for every session event until ctx is done.
func (s *Session) Listen(ctx context.Context, fn Listener) {
	s.events.listen(ctx, fn)
}
