package messenger

import "errors"

var (
	// ErrSubscriberPanic wraps a panic recovered from Subscriber.Receive.
	ErrSubscriberPanic = errors.New("subscriber panicked")
)
