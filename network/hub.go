package network

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process broker of named channels.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*HubChannel]struct{}
	offline  map[string]bool
}

// NewHub returns an empty hub with every node online.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[*HubChannel]struct{}),
		offline:  make(map[string]bool),
	}
}

// Join connects nodeID to the channel called name.
func (h *Hub) Join(name, nodeID string, opts Options) *HubChannel {
	c := &HubChannel{
		hub:    h,
		name:   name,
		nodeID: nodeID,
		box:    newMailbox(opts),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[name]
	if !ok {
		members = make(map[*HubChannel]struct{})
		h.channels[name] = members
	}
	members[c] = struct{}{}
	if !h.offline[nodeID] {
		c.online = true
		c.box.push(notice{kind: noticeConnected})
	}
	return c
}

// SetNodeOnline changes the connectivity of every channel joined by nodeID.
func (h *Hub) SetNodeOnline(nodeID string, online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline[nodeID] = !online
	for _, members := range h.channels {
		for c := range members {
			if c.nodeID == nodeID {
				h.setOnline(c, online)
			}
		}
	}
}

// SetOnline changes the connectivity of every channel of the hub.
func (h *Hub) SetOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, members := range h.channels {
		for c := range members {
			h.offline[c.nodeID] = !online
			h.setOnline(c, online)
		}
	}
}

// setOnline flips c and notifies it. h.mu must be held.
func (h *Hub) setOnline(c *HubChannel, online bool) {
	if c.online == online {
		return
	}
	c.online = online
	if online {
		c.box.push(notice{kind: noticeConnected})
	} else {
		c.box.push(notice{kind: noticeDisconnected})
	}
}

func (h *Hub) publish(from *HubChannel, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !from.online {
		return fmt.Errorf("publish on %s: %w", from.name, ErrDisconnected)
	}
	for c := range h.channels[from.name] {
		if c.online {
			c.box.push(notice{kind: noticeMessage, data: append([]byte(nil), data...)})
		}
	}
	return nil
}

func (h *Hub) leave(c *HubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[c.name], c)
	c.online = false
}

// HubChannel is a member of a Hub channel.
type HubChannel struct {
	hub    *Hub
	name   string
	nodeID string
	box    *mailbox

	// guarded by hub.mu
	online bool
}

var _ Channel = (*HubChannel)(nil)

func (c *HubChannel) NodeID() string { return c.nodeID }

func (c *HubChannel) Name() string { return c.name }

func (c *HubChannel) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.publish(c, data)
}

func (c *HubChannel) Subscribe(handler func([]byte)) {
	c.box.setHandler(handler)
}

func (c *HubChannel) Connected() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.online
}

func (c *HubChannel) Disconnect() error {
	c.hub.leave(c)
	c.box.close()
	return nil
}
