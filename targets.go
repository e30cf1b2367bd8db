package cdpmux

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/cdpmux/cdpmux/log"
)

// TargetState is the lifecycle state of a target as seen by Targets.
type TargetState int32

// Target states.
const (
	TargetDiscovered TargetState = iota
	TargetAttaching
	TargetAttached
	TargetDestroyed
)

// String satisfies fmt.Stringer.
func (s TargetState) String() string {
	switch s {
	case TargetDiscovered:
		return "discovered"
	case TargetAttaching:
		return "attaching"
	case TargetAttached:
		return "attached"
	case TargetDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// TargetInfo is a snapshot of a target's attributes.
type TargetInfo struct {
	ID               target.ID
	Type             string
	Title            string
	URL              string
	ParentID         target.ID
	OpenerID         target.ID
	BrowserContextID cdp.BrowserContextID

	// SessionID is the session this client has attached to the target,
	// if any.
	SessionID target.SessionID
	State     TargetState
}

type targetEntry struct {
	info TargetInfo

	// attaching is closed when an in-flight Attach finishes.
	attaching chan struct{}
}

// Targets tracks the browser's targets from Target domain events, and
// attaches sessions to them.
type Targets struct {
	conn *Connection

	mu      sync.Mutex
	targets map[target.ID]*targetEntry

	events  *emitter
	waiters *Waiters
	logger  *log.Logger
}

func newTargets(c *Connection) *Targets {
	return &Targets{
		conn:    c,
		targets: make(map[target.ID]*targetEntry),
		events:  newEmitter(c.logger),
		waiters: newWaiters(c.logger, c.metrics),
		logger:  c.logger,
	}
}

// Discover asks the browser to report its targets.
func (t *Targets) Discover(ctx context.Context) error {
	return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, t.conn))
}

// Get returns a snapshot of the target with the given id.
func (t *Targets) Get(id target.ID) (*TargetInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.targets[id]
	if !ok {
		return nil, false
	}
	info := e.info
	return &info, true
}

// List returns snapshots of the known targets, ordered by id.
func (t *Targets) List() []*TargetInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := maps.Keys(t.targets)
	slices.Sort(ids)
	list := make([]*TargetInfo, 0, len(ids))
	for _, id := range ids {
		info := t.targets[id].info
		list = append(list, &info)
	}
	return list
}

// Attach attaches a flattened session to the target with the given id, or
// returns the session already attached to it.
//
// Attaching to a target that is not known, or that is destroyed before the
// attach completes, fails with ErrTargetClosed.
func (t *Targets) Attach(ctx context.Context, id target.ID) (*Session, error) {
	for {
		t.mu.Lock()
		e, ok := t.targets[id]
		if !ok {
			t.mu.Unlock()
			return nil, ErrTargetClosed
		}
		switch e.info.State {
		case TargetAttached:
			sid := e.info.SessionID
			t.mu.Unlock()
			if s := t.conn.Session(sid); s != nil {
				return s, nil
			}
			return nil, ErrTargetClosed
		case TargetAttaching:
			ch := e.attaching
			t.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch := make(chan struct{})
		e.info.State = TargetAttaching
		e.attaching = ch
		t.mu.Unlock()

		s, err := t.attach(ctx, e)
		close(ch)
		return s, err
	}
}

func (t *Targets) attach(ctx context.Context, e *targetEntry) (*Session, error) {
	id := e.info.ID
	sid, err := target.AttachToTarget(id).WithFlatten(true).Do(cdp.WithExecutor(ctx, t.conn))

	var s *Session
	if err == nil {
		if s = t.conn.session(sid, id); s == nil {
			err = &ProtocolError{Method: target.CommandAttachToTarget, Err: ErrConnectionClosed}
		}
	}

	t.mu.Lock()
	removed := t.targets[id] != e
	e.attaching = nil
	if err != nil {
		if !removed && e.info.State == TargetAttaching {
			e.info.State = TargetDiscovered
		}
		t.mu.Unlock()
		t.logger.Debugf("targets", "tid:%v attach failed: %v", id, err)
		return nil, err
	}
	if removed {
		t.mu.Unlock()
		s.detach(ErrSessionDetached)
		return nil, ErrTargetClosed
	}
	ready := t.bind(e, s.id)
	info := e.info
	t.mu.Unlock()

	if ready {
		t.events.emit(EventTargetReady, &info)
	}
	return s, nil
}

// bind records sid as the session attached to e, reporting whether that
// changed anything. t.mu must be held.
func (t *Targets) bind(e *targetEntry, sid target.SessionID) bool {
	if e.info.State == TargetAttached && e.info.SessionID == sid {
		return false
	}
	e.info.State = TargetAttached
	e.info.SessionID = sid
	return true
}

// WaitForTarget waits for a target matching pred, checking the known targets
// first. A zero timeout uses the connection's default timeout.
func (t *Targets) WaitForTarget(ctx context.Context, pred func(*TargetInfo) bool, timeout time.Duration) (*TargetInfo, error) {
	w := t.waiters.WaitFor(func(ev interface{}) bool {
		info, ok := ev.(*TargetInfo)
		return ok && pred(info)
	}, t.conn.timeout(timeout))

	for _, info := range t.List() {
		if pred(info) {
			w.Cancel()
			return info, nil
		}
	}

	ev, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return ev.(*TargetInfo), nil
}

// On registers fn for target events named name, returning a func that removes
// it. The event value is a *TargetInfo.
func (t *Targets) On(name string, fn Listener) func() {
	return t.events.on(name, fn)
}

// Once is like On, but fn is removed after its first call.
func (t *Targets) Once(name string, fn Listener) func() {
	return t.events.once(name, fn)
}

// Listen registers fn for every target event until ctx is done.
func (t *Targets) Listen(ctx context.Context, fn Listener) {
	t.events.listen(ctx, fn)
}

// handle updates the registry from a Target domain event received on scope,
// which is nil for browser level events.
func (t *Targets) handle(scope *Session, ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		t.created(e.TargetInfo)
	case *target.EventTargetInfoChanged:
		t.changed(e.TargetInfo)
	case *target.EventTargetDestroyed:
		t.destroyed(e.TargetID)
	case *target.EventTargetCrashed:
		t.crashed(e.TargetID)
	case *target.EventAttachedToTarget:
		t.attached(scope, e)
	case *target.EventDetachedFromTarget:
		if s := t.conn.Session(e.SessionID); s != nil {
			s.detach(ErrSessionDetached)
		}
	}
}

func fromInfo(ti *target.Info) TargetInfo {
	return TargetInfo{
		ID:               ti.TargetID,
		Type:             ti.Type,
		Title:            ti.Title,
		URL:              ti.URL,
		OpenerID:         ti.OpenerID,
		BrowserContextID: ti.BrowserContextID,
	}
}

// update refreshes the browser reported attributes of e, keeping the ones
// tracked locally.
func (e *targetEntry) update(ti *target.Info) {
	info := fromInfo(ti)
	info.ParentID = e.info.ParentID
	info.SessionID = e.info.SessionID
	info.State = e.info.State
	e.info = info
}

func (t *Targets) created(ti *target.Info) {
	if ti == nil {
		return
	}
	t.mu.Lock()
	if e, ok := t.targets[ti.TargetID]; ok {
		e.update(ti)
		t.mu.Unlock()
		return
	}
	e := &targetEntry{info: fromInfo(ti)}
	t.targets[ti.TargetID] = e
	info := e.info
	t.mu.Unlock()

	t.logger.Debugf("targets", "tid:%v type:%s created", info.ID, info.Type)
	t.events.emit(EventTargetCreated, &info)
	t.waiters.dispatch(&info)
}

func (t *Targets) changed(ti *target.Info) {
	if ti == nil {
		return
	}
	t.mu.Lock()
	e, ok := t.targets[ti.TargetID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debugf("targets", "tid:%v changed before being created", ti.TargetID)
		return
	}
	e.update(ti)
	info := e.info
	t.mu.Unlock()

	t.events.emit(EventTargetChanged, &info)
	t.waiters.dispatch(&info)
}

// destroyed detaches the target's session, if any, before removing the
// target and emitting EventTargetDestroyed with its last known attributes.
func (t *Targets) destroyed(id target.ID) {
	t.mu.Lock()
	e, ok := t.targets[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	info := e.info
	t.mu.Unlock()

	if info.SessionID != "" {
		if s := t.conn.Session(info.SessionID); s != nil {
			s.detach(ErrSessionDetached)
		}
	}

	t.mu.Lock()
	if t.targets[id] == e {
		delete(t.targets, id)
	}
	t.mu.Unlock()

	info.State = TargetDestroyed
	t.logger.Debugf("targets", "tid:%v destroyed", id)
	t.events.emit(EventTargetDestroyed, &info)
}

func (t *Targets) crashed(id target.ID) {
	t.mu.Lock()
	e, ok := t.targets[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	info := e.info
	t.mu.Unlock()

	if info.SessionID != "" {
		if s := t.conn.Session(info.SessionID); s != nil {
			s.markCrashed()
		}
	}
	t.logger.Warnf("targets", "tid:%v crashed", id)
	t.events.emit(EventTargetCrashed, &info)
}

// attached handles an auto-attached or flattened attach notification. The
// target's parent is the target of the session the notification arrived on.
func (t *Targets) attached(scope *Session, ev *target.EventAttachedToTarget) {
	if ev.TargetInfo == nil {
		return
	}
	id := ev.TargetInfo.TargetID
	s := t.conn.session(ev.SessionID, id)
	if s == nil {
		return
	}

	t.mu.Lock()
	e, existed := t.targets[id]
	if !existed {
		e = &targetEntry{info: fromInfo(ev.TargetInfo)}
		t.targets[id] = e
	} else {
		e.update(ev.TargetInfo)
	}
	if scope != nil {
		e.info.ParentID = scope.targetID
	}
	ready := t.bind(e, s.id)
	info := e.info
	t.mu.Unlock()

	if !existed {
		t.events.emit(EventTargetCreated, &info)
		t.waiters.dispatch(&info)
	}
	if ready {
		t.events.emit(EventTargetReady, &info)
	}
}

// sessionDetached unbinds s from its target.
func (t *Targets) sessionDetached(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.targets[s.targetID]
	if !ok || e.info.SessionID != s.id {
		return
	}
	e.info.SessionID = ""
	if e.info.State == TargetAttached {
		e.info.State = TargetDiscovered
	}
}

// close forgets every target and fails pending target waits.
func (t *Targets) close() {
	t.mu.Lock()
	t.targets = make(map[target.ID]*targetEntry)
	t.mu.Unlock()
	t.waiters.close(ErrConnectionClosed)
}
