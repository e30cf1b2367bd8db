package tab

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpmux/cdpmux"
	"github.com/cdpmux/cdpmux/cdptest"
)

func TestTruthy(t *testing.T) {
	t.Parallel()

	for v, want := range map[string]bool{
		``:         false,
		`null`:     false,
		`false`:    false,
		`0`:        false,
		`""`:       false,
		`true`:     true,
		`1`:        true,
		`"0"`:      true,
		`[]`:       true,
		`{}`:       true,
		` false  `: false,
	} {
		assert.Equal(t, want, truthy([]byte(v)), "%q", v)
	}
}

func TestPoll(t *testing.T) {
	t.Parallel()

	var polls int32
	s, _ := newTestSession(t,
		cdptest.WithHandler(runtime.CommandEvaluate, func(b *cdptest.Browser, msg *cdproto.Message) {
			if atomic.AddInt32(&polls, 1) < 3 {
				b.Reply(msg, `{"result":{"type":"object","subtype":"null","value":null}}`)
				return
			}
			b.Reply(msg, `{"result":{"type":"object","value":{"ready":true}}}`)
		}))

	var res struct {
		Ready bool `json:"ready"`
	}
	require.NoError(t, Poll(testContext(t), s, "window.state", &res, time.Millisecond, 5*time.Second))
	assert.True(t, res.Ready)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestPollTimeout(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t,
		cdptest.WithHandler(runtime.CommandEvaluate, func(b *cdptest.Browser, msg *cdproto.Message) {
			b.Reply(msg, `{"result":{"type":"boolean","value":false}}`)
		}))

	err := Poll(testContext(t), s, "false", nil, time.Millisecond, 50*time.Millisecond)
	assert.ErrorIs(t, err, cdpmux.ErrWaitTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Poll(ctx, s, "false", nil, time.Millisecond, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollEndsOnDisconnect(t *testing.T) {
	t.Parallel()

	s, b := newTestSession(t)

	errc := make(chan error, 1)
	go func() {
		errc <- Poll(context.Background(), s, "window.ready", nil, time.Millisecond, time.Minute)
	}()
	b.Next()
	b.Hangup()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, cdpmux.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("poll outlived the connection")
	}
}
