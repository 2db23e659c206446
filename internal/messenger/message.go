package messenger

import (
	"reflect"
	"sync"
)

// Envelope carries the delivery attempt counter. Embed it in message structs
// and always pass those messages by pointer:
//
//	type OrderPlaced struct {
//		messenger.Envelope
//		ID string
//	}
//
//	m.Post(&OrderPlaced{ID: "42"})
type Envelope struct {
	mu       sync.Mutex
	attempts int
}

// Attempts returns how many routing decisions the message has gone through.
func (e *Envelope) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

func (e *Envelope) envelope() *Envelope { return e }

// advance is the atomic read-increment step of routing. It returns the count
// before the increment, or ok=false when the ceiling has been reached (the
// counter is left untouched in that case).
func (e *Envelope) advance(ceiling int) (prev int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attempts >= ceiling {
		return e.attempts, false
	}
	prev = e.attempts
	e.attempts++
	return prev, true
}

// Message is any pointer type embedding Envelope. Its dynamic Go type selects
// the subscribers it is delivered to.
type Message interface {
	Attempts() int
	envelope() *Envelope
}

// TypeOf returns the registry key for message type T.
func TypeOf[T Message]() reflect.Type { return reflect.TypeFor[T]() }

func envelopeOf(msg Message) *Envelope {
	if msg == nil {
		return nil
	}
	if v := reflect.ValueOf(msg); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil
	}
	return msg.envelope()
}
