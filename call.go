package cdpmux

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
)

// call is a command waiting for its response. Whoever removes it from the
// connection's pending table resolves it; the result is assigned once.
type call struct {
	id      int64
	method  string
	session *Session

	once sync.Once
	done chan struct{}
	msg  *cdproto.Message
	err  error

	metrics *Metrics
}

func newCall(id int64, method string, s *Session, metrics *Metrics) *call {
	return &call{
		id:      id,
		method:  method,
		session: s,
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// resolve assigns the call's result, reporting whether this call did it.
func (cl *call) resolve(msg *cdproto.Message, err error) bool {
	resolved := false
	cl.once.Do(func() {
		cl.msg, cl.err = msg, err
		close(cl.done)
		cl.metrics.commandDone(callOutcome(msg, err))
		resolved = true
	})
	return resolved
}

// disconnect resolves the call with a disconnection kind error.
func (cl *call) disconnect(reason error) bool {
	return cl.resolve(nil, &ProtocolError{Method: cl.method, Err: reason})
}

// result returns the call's error, unmarshaling a successful result into
// res when it is not nil.
func (cl *call) result(res easyjson.Unmarshaler) error {
	switch {
	case cl.err != nil:
		return cl.err
	case cl.msg.Error != nil:
		return &ProtocolError{Method: cl.method, Err: cl.msg.Error}
	case res != nil && len(cl.msg.Result) != 0:
		return easyjson.Unmarshal(cl.msg.Result, res)
	}
	return nil
}

func callOutcome(msg *cdproto.Message, err error) string {
	switch {
	case err == nil && msg != nil && msg.Error != nil:
		return outcomeRemoteError
	case err == nil:
		return outcomeOK
	case IsDisconnected(err), errors.Is(err, ErrTargetCrashed):
		return outcomeDisconnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeWriteError
	}
}
