// Package pubsub provides the generic broker carrying run progress
// snapshots and log entries to live subscribers.
package pubsub

import (
	"context"
	"time"
)

// EventType labels what a published event represents.
type EventType string

const (
	// CreatedEvent marks a newly produced item, such as a log entry.
	CreatedEvent EventType = "created"
	// ProgressEvent marks an updated aggregate, such as a run snapshot.
	ProgressEvent EventType = "progress"
)

// Event is a published value with its type and publication time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// ContinuousListener wraps a broker subscription with a blocking receive.
// The subscription is released when the constructor context is cancelled.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener subscribes to the broker for the lifetime of ctx.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until an event arrives. The second return is false once the
// context is cancelled or the broker closes; no more events will follow.
func (l *ContinuousListener[T]) Next() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		var zero Event[T]
		return zero, false
	case event, ok := <-l.ch:
		if !ok {
			var zero Event[T]
			return zero, false
		}
		return event, true
	}
}
