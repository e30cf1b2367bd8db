package cdpmux

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cdpmux/cdpmux/log"
)

// Predicate reports whether an event satisfies a wait. It is called on the
// dispatch goroutine with the registry locked, so it must be fast, and must
// not call back into the Waiters it was registered with or close the
// connection.
type Predicate func(ev interface{}) bool

// Waiters is a registry of predicate based waits scoped to a Session, or to
// a Connection for browser level events.
//
// Each Waiter resolves exactly once: with the first event its predicate
// matches, with the scope's closure error, with ErrWaitTimeout, or with the
// caller's cancellation, whichever happens first. Whoever removes a Waiter
// from the registry owns its resolution.
//
// An event is evaluated against waiters before its listeners run, and
// Connection.Close waits for an evaluation in progress before closing any
// registry. A waiter matched by an event therefore resolves with it, even
// when that event's listener closes the connection.
type Waiters struct {
	mu      sync.Mutex
	waiters []*Waiter
	// err is the closure error, set once.
	err error

	logger  *log.Logger
	metrics *Metrics
}

func newWaiters(logger *log.Logger, metrics *Metrics) *Waiters {
	return &Waiters{logger: logger, metrics: metrics}
}

// Waiter is a single registered wait.
type Waiter struct {
	reg          *Waiters
	pred         Predicate
	registeredAt time.Time
	timer        *time.Timer

	once  sync.Once
	done  chan struct{}
	value interface{}
	err   error
}

// WaitFor registers a waiter for the first event matching pred. A timeout of
// zero or less means the waiter only ends on a match, closure or Cancel.
//
// Registering on a closed registry returns a waiter already resolved with
// the closure error.
func (ws *Waiters) WaitFor(pred Predicate, timeout time.Duration) *Waiter {
	w := &Waiter{
		reg:          ws,
		pred:         pred,
		registeredAt: time.Now(),
		done:         make(chan struct{}),
	}

	ws.mu.Lock()
	if err := ws.err; err != nil {
		ws.mu.Unlock()
		w.resolve(nil, err, false)
		return w
	}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			w.finish(nil, ErrWaitTimeout)
		})
	}
	ws.waiters = append(ws.waiters, w)
	ws.mu.Unlock()

	ws.metrics.waiterAdded()
	return w
}

// Len returns the number of unresolved waiters.
func (ws *Waiters) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.waiters)
}

// dispatch evaluates ev against every waiter in registration order and
// resolves the ones that match.
func (ws *Waiters) dispatch(ev interface{}) {
	ws.mu.Lock()
	if ws.err != nil || len(ws.waiters) == 0 {
		ws.mu.Unlock()
		return
	}
	var matched []*Waiter
	kept := ws.waiters[:0]
	for _, w := range ws.waiters {
		if ws.match(w, ev) {
			matched = append(matched, w)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(ws.waiters); i++ {
		ws.waiters[i] = nil
	}
	ws.waiters = kept
	ws.mu.Unlock()

	for _, w := range matched {
		w.resolve(ev, nil, true)
	}
}

func (ws *Waiters) match(w *Waiter, ev interface{}) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			ws.logger.Errorf("waiter", "predicate panicked: %v", v)
			ok = false
		}
	}()
	return w.pred(ev)
}

// close resolves every waiter with err and makes later registrations
// resolve immediately with it. Only the first call has any effect.
func (ws *Waiters) close(err error) {
	ws.mu.Lock()
	if ws.err != nil {
		ws.mu.Unlock()
		return
	}
	ws.err = err
	list := ws.waiters
	ws.waiters = nil
	ws.mu.Unlock()

	for _, w := range list {
		w.resolve(nil, err, true)
	}
}

// remove deletes w from the registry, reporting whether it was there.
func (ws *Waiters) remove(w *Waiter) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i, x := range ws.waiters {
		if x == w {
			ws.waiters = append(ws.waiters[:i], ws.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// finish resolves w with err if it is still registered.
func (w *Waiter) finish(value interface{}, err error) {
	if w.reg.remove(w) {
		w.resolve(value, err, true)
	}
}

func (w *Waiter) resolve(value interface{}, err error, registered bool) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.value, w.err = value, err
		close(w.done)
		w.reg.metrics.waiterDone(waiterOutcome(err), registered)
	})
}

func waiterOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeMatch
	case errors.Is(err, ErrWaitTimeout):
		return outcomeTimeout
	case IsDisconnected(err):
		return outcomeDisconnected
	default:
		return outcomeCanceled
	}
}

// Done returns a channel closed once the waiter is resolved.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Result returns the matched event or the error the waiter resolved with.
// It must only be called after Done is closed.
func (w *Waiter) Result() (interface{}, error) {
	return w.value, w.err
}

// RegisteredAt returns the time the waiter was registered.
func (w *Waiter) RegisteredAt() time.Time {
	return w.registeredAt
}

// Cancel resolves the waiter with ErrWaitCanceled, unless it has already
// resolved.
func (w *Waiter) Cancel() {
	w.finish(nil, ErrWaitCanceled)
}

// Wait blocks until the waiter resolves. If ctx is done first, the waiter is
// canceled with ctx's error.
func (w *Waiter) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.finish(nil, ctx.Err())
		<-w.done
	}
	return w.value, w.err
}

// WaitForEvent waits on ws for the first event of type T that satisfies
// pred. A nil pred matches any event of type T.
func WaitForEvent[T any](ctx context.Context, ws *Waiters, timeout time.Duration, pred func(T) bool) (T, error) {
	w := ws.WaitFor(func(ev interface{}) bool {
		v, ok := ev.(T)
		return ok && (pred == nil || pred(v))
	}, timeout)

	ev, err := w.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return ev.(T), nil
}
