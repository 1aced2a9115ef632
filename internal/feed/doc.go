// Package feed maintains the in-memory state of one open conversation.
//
// # Overview
//
// A Controller merges two sources into a single ordered message sequence:
// paginated history fetched over HTTP (newest page first, walked backwards
// with a before-cursor) and live events pushed over the realtime connection.
// The sequence it exposes is ascending by creation time and unique by
// message id regardless of how many times, or through which path, a message
// arrives.
//
// # Lifecycle
//
// New registers the controller's push listeners immediately; LoadInitial
// seeds the history and marks the conversation read. Close unregisters the
// listeners synchronously, after which late fetch completions are discarded.
//
// # Transient state
//
// Beyond the message sequence the controller tracks the draft text, the
// in-flight send and load flags, and the peer-typing indicator, which
// auto-clears after a short quiet period. Outbound typing signals are
// throttled; a typing-stop accompanies every send unconditionally.
package feed
