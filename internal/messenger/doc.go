// Package messenger is an in-process publish/subscribe messenger with
// at-least-once delivery.
//
// # Delivery
//
// Post routes a message through a single choke point that advances the
// message's attempt counter. The first attempt is dispatched synchronously on
// the caller's goroutine to every subscriber registered for the message's Go
// type. If any subscriber fails (error or panic) the whole message is routed
// again, this time into the punish queue with a linear backoff of
// attempts*PunishStep. A background sweeper wakes every SweepInterval and
// redelivers due entries.
//
// After MaxAttempts routing decisions a message is dropped silently.
//
// # Idempotency
//
// A single failing subscriber causes the message to be redelivered to all
// subscribers of its type, including the ones that already succeeded.
// Subscribers must tolerate duplicates.
//
// # Lifecycle
//
// New does not start any goroutines. Start launches the sweeper under a
// supervisor; Stop halts it and discards pending retries. State is volatile.
package messenger
