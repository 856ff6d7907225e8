// Package panel is the owner-facing configuration surface.
//
// It reads bot updates, routes slash commands through a small middleware
// chain and writes settings, lists and payloads into storage. On-demand
// dispatches (/force, /forcehere) run in their own goroutines under the
// panel's supervisor and reply when done.
//
// Only configured owners are served; the owner's user id is the broadcast
// identity every command acts on.
package panel
