// Package session keeps the relay's rooms: one room per pair of peers that
// name each other on the same virtual port.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Room is a relay pairing of two peers on one port.
type Room struct {
	ID        string    `json:"room_id"`
	Peers     [2]string `json:"peers"` // Sorted
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"` // Zero when rooms never expire
}

// Has reports whether peerID is one of the room's two peers.
func (r Room) Has(peerID string) bool {
	return r.Peers[0] == peerID || r.Peers[1] == peerID
}

// Partner returns the peer paired with peerID.
func (r Room) Partner(peerID string) string {
	if r.Peers[0] == peerID {
		return r.Peers[1]
	}
	return r.Peers[0]
}

type roomKey struct {
	lo, hi string
	port   int
}

func keyFor(peerID, target string, port int) roomKey {
	if target < peerID {
		peerID, target = target, peerID
	}
	return roomKey{lo: peerID, hi: target, port: port}
}

// Store is a thread-safe in-memory store for rooms.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]Room    // keyed by room ID
	byKey map[roomKey]string // peer pair and port -> room ID
	ttl   time.Duration
	now   func() time.Time
}

// NewStore creates a room store. A ttl of zero disables expiry.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		rooms: make(map[string]Room),
		byKey: make(map[roomKey]string),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Open returns the room pairing peerID with target on port, creating it if
// needed. The second result reports whether the room was created. Opening an
// existing room extends its lifetime.
func (s *Store) Open(peerID, target string, port int) (Room, bool) {
	key := keyFor(peerID, target, port)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		room := s.rooms[id]
		room.ExpiresAt = s.expiry(now)
		s.rooms[id] = room
		return room, false
	}

	room := Room{
		ID:        uuid.NewString(),
		Peers:     [2]string{key.lo, key.hi},
		Port:      port,
		CreatedAt: now,
		ExpiresAt: s.expiry(now),
	}
	s.rooms[room.ID] = room
	s.byKey[key] = room.ID
	return room, true
}

// Get retrieves a room by ID.
func (s *Store) Get(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	return room, ok
}

// Find retrieves the room for a peer pair without creating it.
func (s *Store) Find(peerID, target string, port int) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[keyFor(peerID, target, port)]
	if !ok {
		return Room{}, false
	}
	room, ok := s.rooms[id]
	return room, ok
}

// Touch extends the lifetime of a room in use.
func (s *Store) Touch(id string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[id]; ok {
		room.ExpiresAt = s.expiry(now)
		s.rooms[id] = room
	}
}

// Delete removes a room.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return
	}
	delete(s.rooms, id)
	delete(s.byKey, keyFor(room.Peers[0], room.Peers[1], room.Port))
}

// Count returns the number of rooms.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// CleanupExpired removes all rooms that expired before now and returns their IDs.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, room := range s.rooms {
		if room.ExpiresAt.IsZero() || !now.After(room.ExpiresAt) {
			continue
		}
		removed = append(removed, id)
		delete(s.rooms, id)
		delete(s.byKey, keyFor(room.Peers[0], room.Peers[1], room.Port))
	}
	return removed
}

func (s *Store) expiry(now time.Time) time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(s.ttl)
}
