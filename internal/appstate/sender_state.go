package appstate

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PeerState tracks what a sender offered to one receiver peer.
type PeerState struct {
	PeerID     string
	Candidates []string // Original candidate list, never the filtered queue
	Sessions   int      // Completed sessions
	LastSeen   time.Time
}

// SenderState remembers, per peer, the original candidate list so that a
// restarted or reconnected sender rebuilds its manifest from the same input.
type SenderState struct {
	mu    sync.RWMutex
	peers map[string]*PeerState // peer_id -> state
	now   func() time.Time
}

// NewSenderState creates an empty registry.
func NewSenderState() *SenderState {
	return &SenderState{
		peers: make(map[string]*PeerState),
		now:   time.Now,
	}
}

// Record stores the candidate list offered to peer. An empty list leaves an
// earlier recording untouched.
func (s *SenderState) Record(peerID string, candidates []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.peers[peerID]
	if !exists {
		state = &PeerState{PeerID: peerID}
		s.peers[peerID] = state
	}
	if len(candidates) > 0 {
		state.Candidates = append([]string(nil), candidates...)
	}
	state.LastSeen = s.now()
}

// Candidates returns a copy of the candidate list recorded for peer.
func (s *SenderState) Candidates(peerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, exists := s.peers[peerID]; exists {
		return append([]string(nil), state.Candidates...)
	}
	return nil
}

// HandleComplete records a completed session for peer.
func (s *SenderState) HandleComplete(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, exists := s.peers[peerID]; exists {
		state.Sessions++
		state.LastSeen = s.now()
	}
}

// Forget removes peer from the registry.
func (s *SenderState) Forget(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// Peers returns the known peer IDs in sorted order.
func (s *SenderState) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns the number of completed sessions for peer.
func (s *SenderState) Sessions(peerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, exists := s.peers[peerID]; exists {
		return state.Sessions
	}
	return 0
}

// Summary returns a one-line description for logs.
func (s *SenderState) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.peers))
	done := 0
	for id, state := range s.peers {
		ids = append(ids, id)
		if state.Sessions > 0 {
			done++
		}
	}
	sort.Strings(ids)
	if len(ids) <= 10 {
		return fmt.Sprintf("peers: %d (%d synced) %v", len(ids), done, ids)
	}
	return fmt.Sprintf("peers: %d (%d synced)", len(ids), done)
}
