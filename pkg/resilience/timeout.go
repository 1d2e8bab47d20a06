// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/jllopis/codeagent/pkg/errors"
)

// WithTimeout runs fn with a derived context bounded by d.
// A zero duration runs fn with ctx unchanged.
//
// Unlike a goroutine race, fn receives the bounded context so the callee can
// release its resources; a deadline hit is reported as a recoverable TIMEOUT
// while a cancellation of the parent context is reported as ABORTED.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.New(errors.CodeAborted, "operation aborted", ctx.Err())
	}
	if tctx.Err() == context.DeadlineExceeded {
		return errors.New(errors.CodeTimeout, "operation exceeded timeout", err).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	}
	return err
}

// WithTimeoutValue is WithTimeout for functions returning a value.
func WithTimeoutValue[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := WithTimeout(ctx, d, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}
