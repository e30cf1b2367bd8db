package tab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cdpmux/cdpmux"
)

// DefaultPollInterval is the Poll interval used when none is given.
var DefaultPollInterval = 100 * time.Millisecond

// Poll evaluates expression in the page of s every interval until its result
// is truthy, and unmarshals that result to res when res is not nil. When the
// timeout elapses first, Poll returns cdpmux.ErrWaitTimeout.
func Poll(ctx context.Context, s *cdpmux.Session, expression string, res interface{}, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var v []byte
		err := Evaluate(pollCtx, s, expression, &v)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return cdpmux.ErrWaitTimeout
		case err != nil:
			return err
		case truthy(v):
			if res == nil {
				return nil
			}
			return json.Unmarshal(v, res)
		}

		select {
		case <-ticker.C:
		case <-s.Done():
			return s.Err()
		case <-pollCtx.Done():
			if ctx.Err() == nil {
				return cdpmux.ErrWaitTimeout
			}
			return ctx.Err()
		}
	}
}

// truthy reports whether the JSON value v is truthy in Javascript. An empty
// v is an undefined result.
func truthy(v []byte) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", "false", "0", "-0", `""`:
		return false
	}
	return true
}
