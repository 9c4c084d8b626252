// Package retry implements the jittered exponential backoff loop used
// by the MQTT publisher and the LiveUploader, replacing the source
// project's decorator-based retry (`@backoff.on_exception`) with an
// explicit, context-aware loop, per spec.md's design notes.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// Budget is the total wall-clock time allotted to a single retry
// sequence, matching the "60 s total" cap in spec.md §4.2 and §4.6.
const Budget = 60 * time.Second

// ErrExhausted is returned when Budget elapses without fn succeeding.
var ErrExhausted = errors.New("retry: budget exhausted")

// Do runs fn under jittered exponential backoff until it succeeds, ctx
// is cancelled, or Budget elapses. A non-nil, non-retryable error
// returned by fn (via backoff.Permanent) aborts immediately and is
// returned as is, not as ErrExhausted.
func Do(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.Multiplier = 2

	permanent := false
	wrapped := func() (struct{}, error) {
		err := fn()
		var p *backoff.PermanentError
		if errors.As(err, &p) {
			permanent = true
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(Budget),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanent {
			return err
		}
		return errors.Wrap(ErrExhausted, err.Error())
	}
	return nil
}

// Permanent marks err as non-retryable, short-circuiting Do.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
