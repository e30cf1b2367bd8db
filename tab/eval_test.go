package tab

import (
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpmux/cdpmux/cdptest"
)

// evaluator answers Runtime.evaluate with the result registered for the
// expression.
func evaluator(results map[string]string) cdptest.Handler {
	return func(b *cdptest.Browser, msg *cdproto.Message) {
		var params runtime.EvaluateParams
		if err := easyjson.Unmarshal(msg.Params, &params); err != nil {
			b.ReplyError(msg, -32602, err.Error())
			return
		}
		res, ok := results[params.Expression]
		if !ok {
			b.ReplyError(msg, -32000, "unexpected expression "+params.Expression)
			return
		}
		b.Reply(msg, res)
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, cdptest.WithHandler(runtime.CommandEvaluate, evaluator(map[string]string{
		"123":            `{"result":{"type":"number","value":123}}`,
		"'str'":          `{"result":{"type":"string","value":"str"}}`,
		"document.body":  `{"result":{"type":"object","objectId":"O1"}}`,
		"":               `{"result":{"type":"undefined"}}`,
		"[1, 2]":         `{"result":{"type":"object","value":[1,2]}}`,
		"throw 'oops'":   `{"result":{"type":"string","value":"oops"},"exceptionDetails":{"exceptionId":1,"text":"Uncaught","lineNumber":0,"columnNumber":0}}`,
		"window.missing": `{"result":{"type":"undefined"}}`,
	})))
	ctx := testContext(t)

	var n int
	require.NoError(t, Evaluate(ctx, s, "123", &n))
	assert.Equal(t, 123, n)

	var str string
	require.NoError(t, Evaluate(ctx, s, "'str'", &str))
	assert.Equal(t, "str", str)

	var raw []byte
	require.NoError(t, Evaluate(ctx, s, "[1, 2]", &raw))
	assert.JSONEq(t, `[1,2]`, string(raw))

	var obj *runtime.RemoteObject
	require.NoError(t, Evaluate(ctx, s, "document.body", &obj))
	assert.Equal(t, runtime.RemoteObjectID("O1"), obj.ObjectID)

	require.NoError(t, Evaluate(ctx, s, "", nil))
	assert.EqualError(t, Evaluate(ctx, s, "window.missing", &str), "encountered an undefined value")

	err := Evaluate(ctx, s, "throw 'oops'", &str)
	var exp *runtime.ExceptionDetails
	require.ErrorAs(t, err, &exp)
	assert.Equal(t, "Uncaught", exp.Text)
}

func TestEvaluateOptions(t *testing.T) {
	t.Parallel()

	s, b := newTestSession(t)

	errc := make(chan error, 1)
	go func() {
		errc <- Evaluate(testContext(t), s, "fetch('/')", nil,
			EvalObjectGroup("console"), EvalWithCommandLineAPI, EvalIgnoreExceptions, EvalAwaitPromise)
	}()

	msg := b.Next()
	var params runtime.EvaluateParams
	require.NoError(t, easyjson.Unmarshal(msg.Params, &params))
	assert.Equal(t, "console", params.ObjectGroup)
	assert.True(t, params.IncludeCommandLineAPI)
	assert.True(t, params.Silent)
	assert.True(t, params.AwaitPromise)
	assert.True(t, params.ReturnByValue)

	b.Reply(msg, `{"result":{"type":"object","value":{}}}`)
	assert.NoError(t, <-errc)
}
