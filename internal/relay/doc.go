// Package relay delivers call notifications and signaling envelopes to
// per-user inboxes.
//
// Delivery is at most once: each inbox has a bounded queue and messages that
// do not fit are dropped and counted. A Broker carries messages between
// publishers and inboxes, either in process or across instances via Redis
// pub/sub.
package relay
