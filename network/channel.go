package network

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrDisconnected is returned by Publish while a channel has no connection.
var ErrDisconnected = errors.New("channel disconnected")

// Channel is a named broadcast medium.
type Channel interface {
	// NodeID returns the identity this process uses on the channel.
	NodeID() string

	// Name returns the channel name.
	Name() string

	// Publish sends data to every member of the channel, this one included.
	Publish(ctx context.Context, data []byte) error

	// Subscribe sets the callback invoked, in order, for every inbound message.
	Subscribe(handler func(data []byte))

	// Connected reports whether the channel currently has a connection.
	Connected() bool

	// Disconnect leaves the channel for good.
	Disconnect() error
}

// Options are the connectivity hooks of a channel.
// Callbacks run on the goroutine delivering messages and must not block.
type Options struct {
	OnConnected    func()
	OnDisconnected func()
	AutoReconnect  bool
	Logger         *slog.Logger
}

func (o Options) connected() {
	if o.OnConnected != nil {
		o.OnConnected()
	}
}

func (o Options) disconnected() {
	if o.OnDisconnected != nil {
		o.OnDisconnected()
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// ChannelName returns the name of the channel of one collection type.
func ChannelName(sessionID, sessionName, typeID, typeName string) string {
	return strings.Join([]string{
		normalize(sessionID), normalize(sessionName), normalize(typeID), normalize(typeName),
	}, "-")
}

// SearchChannelName returns the name of the channel used to look for codes
// whose collection is unknown.
func SearchChannelName(sessionID, sessionName string) string {
	return normalize(sessionID) + "-" + normalize(sessionName) + "-UNKNOWN"
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), "_")
}
