package tab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/cdpmux/cdpmux"
)

// Evaluate evaluates the Javascript expression in the page of s, and
// unmarshals the result to res.
//
// When res is nil, the result is ignored. When res is a *[]byte, it is set
// to the raw JSON value of the result. When res is a **runtime.RemoteObject,
// it is set to the remote object and nothing is returned by value; release
// it with runtime.ReleaseObject when done.
//
// Any exception thrown by the expression is returned as an error.
func Evaluate(ctx context.Context, s *cdpmux.Session, expression string, res interface{}, opts ...EvaluateOption) error {
	p := runtime.Evaluate(expression)
	if _, ok := res.(**runtime.RemoteObject); !ok {
		p = p.WithReturnByValue(true)
	}
	for _, o := range opts {
		p = o(p)
	}

	v, exp, err := p.Do(cdp.WithExecutor(ctx, s))
	if err != nil {
		return err
	}
	if exp != nil {
		return exp
	}
	return parseRemoteObject(v, res)
}

func parseRemoteObject(v *runtime.RemoteObject, res interface{}) error {
	if res == nil {
		return nil
	}

	switch x := res.(type) {
	case **runtime.RemoteObject:
		*x = v
		return nil
	case *[]byte:
		*x = v.Value
		return nil
	}

	if v.Type == runtime.TypeUndefined {
		// json.Unmarshal would fail with "unexpected end of JSON input".
		return fmt.Errorf("encountered an undefined value")
	}
	return json.Unmarshal(v.Value, res)
}

// EvaluateOption is an Evaluate option.
type EvaluateOption = func(*runtime.EvaluateParams) *runtime.EvaluateParams

// EvalObjectGroup sets the object group of the evaluated result.
func EvalObjectGroup(objectGroup string) EvaluateOption {
	return func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithObjectGroup(objectGroup)
	}
}

// EvalWithCommandLineAPI makes the DevTools Command Line API available to
// the expression. It must not be used with untrusted Javascript.
func EvalWithCommandLineAPI(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithIncludeCommandLineAPI(true)
}

// EvalIgnoreExceptions keeps exceptions from pausing execution.
func EvalIgnoreExceptions(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithSilent(true)
}

// EvalAwaitPromise waits for the result when the expression is a promise.
func EvalAwaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}
