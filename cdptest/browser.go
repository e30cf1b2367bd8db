// Package cdptest provides a scripted fake browser to test CDP clients
// against, over an in-memory transport or a real websocket server.
package cdptest

import (
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// DefaultNextTimeout is how long Next waits for a command.
var DefaultNextTimeout = 5 * time.Second

// Handler answers a command received by a Browser.
type Handler func(b *Browser, msg *cdproto.Message)

// Option is a Browser option.
type Option func(*Browser)

// WithHandler answers every command named method with h.
func WithHandler(method string, h Handler) Option {
	return func(b *Browser) { b.handlers[method] = h }
}

// WithAutoReply answers every command that has no handler with an empty
// result, instead of queuing it for Next.
func WithAutoReply() Option {
	return func(b *Browser) { b.autoReply = true }
}

// WithAttach answers Target.attachToTarget the way a browser does with
// flatten set: a Target.attachedToTarget event followed by the response.
func WithAttach() Option {
	return WithHandler(target.CommandAttachToTarget, AttachToTarget)
}

// Browser is the browser side of a fake connection. Commands sent by the
// client are answered by handlers, or queued for the test to read with Next.
type Browser struct {
	t testing.TB

	send   func(*cdproto.Message) error
	hangup func()

	handlers  map[string]Handler
	autoReply bool
	unhandled chan *cdproto.Message

	mu       sync.Mutex
	received []string
}

func newBrowser(t testing.TB, opts []Option) *Browser {
	b := &Browser{
		t:         t,
		handlers:  make(map[string]Handler),
		unhandled: make(chan *cdproto.Message, 1024),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// serve handles a message sent by the client.
func (b *Browser) serve(msg *cdproto.Message) {
	b.mu.Lock()
	b.received = append(b.received, string(msg.Method))
	b.mu.Unlock()

	if h, ok := b.handlers[string(msg.Method)]; ok {
		h(b, msg)
		return
	}
	if b.autoReply {
		b.Reply(msg, "{}")
		return
	}
	b.unhandled <- msg
}

// Next returns the next command that no handler answered. It must be called
// from the test goroutine.
func (b *Browser) Next() *cdproto.Message {
	b.t.Helper()
	select {
	case msg := <-b.unhandled:
		return msg
	case <-time.After(DefaultNextTimeout):
		b.t.Fatalf("no command received within %v", DefaultNextTimeout)
	}
	return nil
}

// Received returns the method names of every command received so far.
func (b *Browser) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...)
}

// Send writes msg to the client.
func (b *Browser) Send(msg *cdproto.Message) {
	if err := b.send(msg); err != nil {
		b.t.Logf("cdptest: could not send message: %v", err)
	}
}

// Reply answers msg with result, a JSON object.
func (b *Browser) Reply(msg *cdproto.Message, result string) {
	b.Send(&cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage(result),
	})
}

// ReplyError answers msg with a protocol error.
func (b *Browser) ReplyError(msg *cdproto.Message, code int64, message string) {
	b.Send(&cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Error:     &cdproto.Error{Code: code, Message: message},
	})
}

// Emit sends the event method with params to the session sessionID, or to
// the browser when sessionID is empty.
func (b *Browser) Emit(sessionID target.SessionID, method cdproto.MethodType, params easyjson.Marshaler) {
	buf, err := easyjson.Marshal(params)
	if err != nil {
		b.t.Errorf("cdptest: could not marshal %s: %v", method, err)
		return
	}
	b.Send(&cdproto.Message{
		SessionID: sessionID,
		Method:    method,
		Params:    buf,
	})
}

// EmitJSON is like Emit, with params given as a JSON object. Use it for
// events whose cdproto types carry enums that must not be sent empty.
func (b *Browser) EmitJSON(sessionID target.SessionID, method cdproto.MethodType, params string) {
	b.Send(&cdproto.Message{
		SessionID: sessionID,
		Method:    method,
		Params:    easyjson.RawMessage(params),
	})
}

// TargetCreated emits Target.targetCreated for a new target.
func (b *Browser) TargetCreated(id target.ID, typ, url string) {
	b.Emit("", cdproto.EventTargetTargetCreated, &target.EventTargetCreated{
		TargetInfo: &target.Info{TargetID: id, Type: typ, URL: url},
	})
}

// TargetDestroyed emits Target.targetDestroyed.
func (b *Browser) TargetDestroyed(id target.ID) {
	b.Emit("", cdproto.EventTargetTargetDestroyed, &target.EventTargetDestroyed{TargetID: id})
}

// AttachedToTarget emits Target.attachedToTarget on scope, announcing a
// session to the target id.
func (b *Browser) AttachedToTarget(scope, sessionID target.SessionID, id target.ID, typ string) {
	b.Emit(scope, cdproto.EventTargetAttachedToTarget, &target.EventAttachedToTarget{
		SessionID:  sessionID,
		TargetInfo: &target.Info{TargetID: id, Type: typ, Attached: true},
	})
}

// Hangup drops the connection without answering anything else, as a
// crashing browser would.
func (b *Browser) Hangup() {
	b.hangup()
}

// SessionID returns the session id AttachToTarget hands out for id.
func SessionID(id target.ID) target.SessionID {
	return target.SessionID("session-" + string(id))
}

// AttachToTarget is a Handler for Target.attachToTarget.
func AttachToTarget(b *Browser, msg *cdproto.Message) {
	params := new(target.AttachToTargetParams)
	if err := easyjson.Unmarshal(msg.Params, params); err != nil {
		b.ReplyError(msg, -32602, err.Error())
		return
	}
	sid := SessionID(params.TargetID)
	b.AttachedToTarget("", sid, params.TargetID, "page")
	b.Reply(msg, `{"sessionId":"`+string(sid)+`"}`)
}
