// Package signaling is the call signaling surface: call record REST endpoints,
// envelope relaying, and the per-user inbox WebSocket. Client is the matching
// remote implementation of the session package's record service and relay;
// Local is the in-process one.
package signaling
