package cdpmux

import (
	"context"
	"sync"

	"github.com/cdpmux/cdpmux/log"
)

// Event names emitted by cdpmux itself. Listeners may also subscribe to any
// CDP event method name, such as "Network.responseReceived".
const (
	// EventDisconnected is emitted on a Connection once it has closed. The
	// event value is the error that closed it.
	EventDisconnected = "disconnected"

	// EventSessionDetached is emitted on a Session once it has detached. The
	// event value is the detach reason.
	EventSessionDetached = "detached"

	// EventTargetCreated, EventTargetChanged, EventTargetDestroyed,
	// EventTargetReady and EventTargetCrashed are emitted by Targets with a
	// *TargetInfo value.
	EventTargetCreated   = "targetcreated"
	EventTargetChanged   = "targetchanged"
	EventTargetDestroyed = "targetdestroyed"
	EventTargetReady     = "targetready"
	EventTargetCrashed   = "targetcrashed"
)

// Listener receives events.
//
// For CDP events ev is the decoded cdproto event, for example
// *network.EventResponseReceived, or the raw *cdproto.Message for events
// cdproto does not know about. Listeners run on the connection's dispatch
// goroutine: they must not block waiting for a command result, and should
// start a goroutine to do so.
type Listener func(ev interface{})

// emitter delivers events to its listeners in subscription order.
type emitter struct {
	mu        sync.Mutex
	listeners []*cancelableListener

	logger *log.Logger
}

func newEmitter(logger *log.Logger) *emitter {
	return &emitter{logger: logger}
}

func (e *emitter) add(l *cancelableListener) func() {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, x := range e.listeners {
			if x == l {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// on registers fn for the named event and returns a func removing it.
func (e *emitter) on(name string, fn Listener) func() {
	return e.add(&cancelableListener{name: name, fn: fn})
}

// once registers fn for the next occurrence of the named event only.
func (e *emitter) once(name string, fn Listener) func() {
	return e.add(&cancelableListener{name: name, once: true, fn: fn})
}

// listen registers fn for every event until ctx is done.
func (e *emitter) listen(ctx context.Context, fn Listener) {
	e.add(&cancelableListener{ctx: ctx, fn: fn})
}

// emit delivers ev to the listeners of name. Cancelled listeners are pruned
// and once listeners removed before any of them runs.
func (e *emitter) emit(name string, ev interface{}) {
	e.mu.Lock()
	var run []*cancelableListener
	kept := e.listeners[:0]
	for _, l := range e.listeners {
		if l.ctx != nil && l.ctx.Err() != nil {
			continue
		}
		if l.name != "" && l.name != name {
			kept = append(kept, l)
			continue
		}
		run = append(run, l)
		if !l.once {
			kept = append(kept, l)
		}
	}
	for i := len(kept); i < len(e.listeners); i++ {
		e.listeners[i] = nil
	}
	e.listeners = kept
	e.mu.Unlock()

	runListeners(run, name, ev, e.report)
}

func (e *emitter) report(name string, v interface{}) {
	e.logger.Errorf("cdp:dispatch", "listener for %q panicked: %v", name, v)
}

func (e *emitter) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
