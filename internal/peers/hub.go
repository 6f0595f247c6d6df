package peers

import (
	"sync"
	"time"

	"github.com/sheerbytes/tracksync/pkg/protocol"
)

// Peer represents a connected peer.
type Peer struct {
	PeerID string
	ConnID string // unique per WebSocket connection
}

// Frame is one websocket message queued for a peer. Binary frames carry sync
// traffic verbatim; text frames carry JSON envelopes.
type Frame struct {
	Binary bool
	Data   []byte
}

const sendQueueSize = 256

// peerConnection holds a peer and its send channel.
type peerConnection struct {
	peer    Peer
	send    chan Frame
	closeFn func()
}

// Hub manages the peers of each room in a thread-safe manner.
// A second connection with the same peer_id in a room replaces the first.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*peerConnection // roomID -> peerID -> connection
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*peerConnection),
	}
}

// Add registers p in a room and returns a remove function. send is called
// from a dedicated writer goroutine; closeFn is called if the connection is
// replaced or its room is closed.
func (h *Hub) Add(roomID string, p Peer, send func(Frame) error, closeFn func()) (remove func()) {
	ch := make(chan Frame, sendQueueSize)
	pc := &peerConnection{peer: p, send: ch, closeFn: closeFn}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range ch {
			if err := send(f); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*peerConnection)
	}
	old := h.rooms[roomID][p.PeerID]
	h.rooms[roomID][p.PeerID] = pc
	if old != nil {
		close(old.send)
	}
	h.mu.Unlock()

	if old != nil && old.closeFn != nil {
		old.closeFn()
	}

	return func() {
		h.mu.Lock()
		roomPeers, exists := h.rooms[roomID]
		if !exists || roomPeers[p.PeerID] != pc {
			// Replaced or closed; the channel is already closed.
			h.mu.Unlock()
			return
		}
		delete(roomPeers, p.PeerID)
		if len(roomPeers) == 0 {
			delete(h.rooms, roomID)
		}
		close(ch)
		h.mu.Unlock()

		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
	}
}

// Present reports whether peerID currently has a connection in the room.
func (h *Hub) Present(roomID, peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][peerID]
	return ok
}

// List returns the peers connected to a room.
func (h *Hub) List(roomID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomPeers := h.rooms[roomID]
	peers := make([]protocol.PeerInfo, 0, len(roomPeers))
	for id := range roomPeers {
		peers = append(peers, protocol.PeerInfo{PeerID: id})
	}
	return peers
}

// SendTo queues f for peerID. It returns false if the peer is not connected
// or its queue is full.
func (h *Hub) SendTo(roomID, peerID string, f Frame) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pc, ok := h.rooms[roomID][peerID]
	if !ok {
		return false
	}
	select {
	case pc.send <- f:
		return true
	default:
		return false
	}
}

// Forward queues f for every peer in the room except from.
// It returns the number of peers the frame was queued for.
func (h *Hub) Forward(roomID, from string, f Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for id, pc := range h.rooms[roomID] {
		if id == from {
			continue
		}
		select {
		case pc.send <- f:
			n++
		default:
		}
	}
	return n
}

// CloseRoom drops every connection in the room and closes them.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	roomPeers := h.rooms[roomID]
	delete(h.rooms, roomID)
	for _, pc := range roomPeers {
		close(pc.send)
	}
	h.mu.Unlock()

	for _, pc := range roomPeers {
		if pc.closeFn != nil {
			pc.closeFn()
		}
	}
}

// Count returns the number of rooms with at least one connection.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
