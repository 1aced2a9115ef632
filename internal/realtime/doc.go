// Package realtime maintains the single authenticated push connection to the
// chat backend and multiplexes four logical channels over it.
//
// # Overview
//
// One Manager exists per process/session. It is created at session start and
// injected into every consumer; individual views never reconnect or
// disconnect it themselves.
//
//	m := realtime.NewManager(cfg.Server.WebsocketURL, logger)
//	err := m.Connect(ctx, tokenSource)
//
// # Lifecycle
//
// The connection moves through four states:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connecting   (on transport failure)
//
// Reconnects retry indefinitely on a fixed 5s delay. There is no backoff and
// no terminal failure; consumers only ever observe a boolean connectivity
// flag via OnConnectionChange. A handshake-time authorization rejection is
// the one failure surfaced as an error, and only to the Connect caller.
//
// # Channels
//
// Four inbound topics are subscribed in a single frame after every
// successful handshake: messages, conversation-updates, read-receipts, and
// typing. There is one outbound destination (typing), exposed as
// PublishTyping, which is fire-and-forget and silently dropped while
// disconnected.
//
// # Listeners
//
// OnMessage, OnConversationUpdate, OnReadReceipt, OnTyping, and
// OnConnectionChange each return an unregistration handle. Dispatch within a
// topic follows transport arrival order; no ordering holds across topics.
// Payloads are decoded and validated at the transport boundary (see the wire
// package) before any listener runs, and replayed message pushes from a
// resubscribe are suppressed.
package realtime
