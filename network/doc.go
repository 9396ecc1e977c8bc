// Package network provides the named broadcast channels votation events
// travel on.
//
// # Core Components
//
// Channel: the contract every transport implements. A channel has a name, a
// stable node identity, a publish primitive and a single subscription
// callback. Every message published on a channel is delivered to every
// connected member, the publisher included, in publish order.
//
// Hub: an in-process broker. Nodes of the same process (and tests) join
// channels on a shared Hub. Connectivity can be toggled per node to simulate
// network loss.
//
// WebSocketChannel: a channel backed by a WebSocket connection to a Relay,
// with optional automatic reconnection.
//
// Relay: an http.Handler fanning out every message received on a channel to
// all the connections joined to it.
//
// # Connectivity
//
// Transport failures are never returned as fatal errors to the consensus
// layer. A channel reports them through the OnConnected and OnDisconnected
// callbacks of its Options, and Publish fails fast with ErrDisconnected while
// the channel is down.
//
// # Naming
//
// ChannelName and SearchChannelName derive channel names from the session and
// collection type so that every node registered for the same type converges
// on the same channel.
package network
