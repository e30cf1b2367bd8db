package cdpmux

import (
	"context"
)

// cancelableListener is a listener registered on an emitter. It is removed
// once ctx is done, after its first delivery when once is set, or when its
// remove func is called.
type cancelableListener struct {
	ctx  context.Context
	name string // empty means every event
	once bool
	fn   Listener
}

// runListeners calls every listener in list with ev, in order. A panicking
// listener is reported through report and does not stop delivery to the
// ones after it.
func runListeners(list []*cancelableListener, name string, ev interface{}, report func(name string, v interface{})) {
	for _, l := range list {
		func() {
			defer func() {
				if v := recover(); v != nil {
					report(name, v)
				}
			}()
			l.fn(ev)
		}()
	}
}
