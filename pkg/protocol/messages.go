package protocol

// Welcome is sent to a peer once it has been placed in a room.
type Welcome struct {
	RoomID    string `json:"room_id"`
	PeerID    string `json:"peer_id"`
	Target    string `json:"target"`
	Port      int    `json:"port"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo contains information about a peer.
type PeerInfo struct {
	PeerID string `json:"peer_id"`
}

// PeerJoined tells a peer that its partner is present in the room.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft tells a peer that its partner has gone.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}
