// Package broadcast is the scheduling and delivery engine.
//
// It decides when a cycle is due (Scheduler), which destinations receive it
// (Resolve), and how one destination is delivered to under rate limits and
// permanent failures (Engine). Dispatcher runs the same pass on demand over a
// connection it owns for the duration of the call.
//
// Persistence and the actual send channel are collaborators behind the Store,
// Sender and Connector interfaces.
package broadcast
