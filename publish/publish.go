// Package publish sends serialized payloads to a message broker under
// a topic string, owning connection lifecycle, reconnects and
// publish-retry with backoff.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package publish

import (
	"context"

	"github.com/pkg/errors"
)

// Publisher sends payload under topic, returning true iff the broker
// acknowledged publication (at-least-once semantics).
type Publisher interface {
	Send(ctx context.Context, payload []byte, topic string) (bool, error)
}

// ErrNotSent is returned by a Publisher when the call was rejected
// before any broker round-trip was attempted (e.g. an empty payload).
// It is distinct from a transient publish failure, which a Publisher
// absorbs and reports as (false, nil) rather than returning an error.
var ErrNotSent = errors.New("publish: not sent")
