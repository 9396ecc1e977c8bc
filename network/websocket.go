package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	minReconnect   = 250 * time.Millisecond
	maxReconnect   = 10 * time.Second
	dialTimeout    = 5 * time.Second
	nodeQueryParam = "node"
)

// WebSocketChannel is a Channel connected to a Relay.
type WebSocketChannel struct {
	endpoint string
	name     string
	nodeID   string
	opts     Options
	dialer   *websocket.Dialer

	box *mailbox

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Channel = (*WebSocketChannel)(nil)

// DialWebSocket joins the channel called name on the relay at relayURL
// ("ws://host:port"). Connection happens in the background: the returned
// channel reports it through opts.OnConnected. Without opts.AutoReconnect a
// failed or dropped connection is not retried.
func DialWebSocket(relayURL, name, nodeID string, opts Options) (*WebSocketChannel, error) {
	endpoint, err := channelURL(relayURL, name, nodeID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketChannel{
		endpoint: endpoint,
		name:     name,
		nodeID:   nodeID,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
		box:      newMailbox(opts),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run()
	return c, nil
}

func channelURL(relayURL, name, nodeID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", relayURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", relayURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/channels/" + url.PathEscape(name)
	u.RawQuery = url.Values{nodeQueryParam: []string{nodeID}}.Encode()
	return u.String(), nil
}

func (c *WebSocketChannel) NodeID() string { return c.nodeID }

func (c *WebSocketChannel) Name() string { return c.name }

func (c *WebSocketChannel) Subscribe(handler func([]byte)) {
	c.box.setHandler(handler)
}

func (c *WebSocketChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WebSocketChannel) Publish(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("publish on %s: %w", c.name, ErrDisconnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("publish on %s: %w", c.name, errors.Join(ErrDisconnected, err))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("publish on %s: %w", c.name, errors.Join(ErrDisconnected, err))
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *WebSocketChannel) Disconnect() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	<-c.done
	c.box.close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *WebSocketChannel) run() {
	defer close(c.done)
	logger := c.opts.logger().With("channel", c.name)
	backoff := minReconnect
	for {
		conn, _, err := c.dialer.DialContext(c.ctx, c.endpoint, nil)
		if err == nil {
			backoff = minReconnect
			c.serve(conn)
		} else if c.ctx.Err() == nil {
			logger.Debug("relay unreachable", "error", err)
		}
		if c.ctx.Err() != nil || !c.opts.AutoReconnect {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxReconnect)
	}
}

// serve delivers inbound messages until the connection drops.
func (c *WebSocketChannel) serve(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.box.push(notice{kind: noticeConnected})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.box.push(notice{kind: noticeMessage, data: data})
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
	if c.ctx.Err() == nil {
		c.box.push(notice{kind: noticeDisconnected})
	}
}
