package messenger

import (
	"context"
	"fmt"
)

// Subscriber receives messages of the types it was registered for.
// A non-nil error or a panic counts as a failed delivery.
type Subscriber interface {
	Receive(ctx context.Context, msg Message) error
}

type funcSubscriber struct {
	name string
	fn   func(ctx context.Context, msg Message) error
}

// Func adapts fn into a Subscriber. Each call returns a distinct subscriber,
// so registering the same Func value twice is deduplicated but two Func calls
// with the same fn are not.
func Func(name string, fn func(ctx context.Context, msg Message) error) Subscriber {
	return &funcSubscriber{name: name, fn: fn}
}

func (s *funcSubscriber) Receive(ctx context.Context, msg Message) error {
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, msg)
}

func (s *funcSubscriber) Name() string { return s.name }

// Handle registers a typed handler for messages of type T and returns the
// subscriber so callers can register it for further types.
func Handle[T Message](m *Messenger, name string, fn func(ctx context.Context, msg T) error) Subscriber {
	sub := Func(name, func(ctx context.Context, msg Message) error {
		v, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%s: unexpected message type %T", name, msg)
		}
		return fn(ctx, v)
	})
	m.Register(sub, TypeOf[T]())
	return sub
}

func subscriberName(sub Subscriber) string {
	if n, ok := sub.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", sub)
}
