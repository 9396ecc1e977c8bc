package network

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBuffer   = 256
	maxFrameSize = 1 << 20
)

// Relay fans out every message received on a channel to all the connections
// joined to that channel, sender included. Mount it on a pattern with a
// {name} wildcard:
//
//	mux.Handle("GET /channels/{name}", relay)
type Relay struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*relayConn]struct{}
}

type relayConn struct {
	conn   *websocket.Conn
	nodeID string
	send   chan []byte
}

// NewRelay returns an empty relay.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*relayConn]struct{}),
	}
}

// Members returns the number of connections joined to the channel.
func (r *Relay) Members(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[name])
}

// Drop closes every connection of nodeID and returns how many were closed.
func (r *Relay) Drop(nodeID string) int {
	r.mu.Lock()
	var conns []*relayConn
	for _, room := range r.rooms {
		for rc := range room {
			if rc.nodeID == nodeID {
				conns = append(conns, rc)
			}
		}
	}
	r.mu.Unlock()
	for _, rc := range conns {
		rc.conn.Close()
	}
	return len(conns)
}

// Close closes every connection of the relay.
func (r *Relay) Close() {
	r.mu.Lock()
	var conns []*relayConn
	for _, room := range r.rooms {
		for rc := range room {
			conns = append(conns, rc)
		}
	}
	r.mu.Unlock()
	for _, rc := range conns {
		rc.conn.Close()
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	if name == "" {
		http.Error(w, "missing channel name", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	rc := &relayConn{
		conn:   conn,
		nodeID: req.URL.Query().Get(nodeQueryParam),
		send:   make(chan []byte, sendBuffer),
	}
	r.join(name, rc)
	r.logger.Info("node joined", "channel", name, "node", rc.nodeID)

	go r.writer(rc)
	r.reader(name, rc)
}

func (r *Relay) join(name string, rc *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		room = make(map[*relayConn]struct{})
		r.rooms[name] = room
	}
	room[rc] = struct{}{}
}

func (r *Relay) leave(name string, rc *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[name]
	if _, ok := room[rc]; !ok {
		return
	}
	delete(room, rc)
	if len(room) == 0 {
		delete(r.rooms, name)
	}
	close(rc.send)
}

func (r *Relay) broadcast(name string, data []byte) {
	r.mu.Lock()
	var slow []*relayConn
	for rc := range r.rooms[name] {
		select {
		case rc.send <- data:
		default:
			slow = append(slow, rc)
		}
	}
	r.mu.Unlock()
	for _, rc := range slow {
		r.logger.Warn("dropping slow node", "channel", name, "node", rc.nodeID)
		r.leave(name, rc)
	}
}

func (r *Relay) reader(name string, rc *relayConn) {
	defer func() {
		r.leave(name, rc)
		rc.conn.Close()
		r.logger.Info("node left", "channel", name, "node", rc.nodeID)
	}()
	rc.conn.SetReadLimit(maxFrameSize)
	_ = rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		r.broadcast(name, data)
	}
}

func (r *Relay) writer(rc *relayConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		rc.conn.Close()
	}()
	for {
		select {
		case data, ok := <-rc.send:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = rc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := rc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
