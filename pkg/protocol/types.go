package protocol

// Message type constants for relay envelopes.
const (
	TypeWelcome    = "welcome"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeError      = "error"
)

// Error codes carried in Error payloads.
const (
	CodeBadRequest   = "bad_request"
	CodeRoomExpired  = "room_expired"
	CodePeerReplaced = "peer_replaced"
	CodeNoPartner    = "no_partner"
)

// ServerID is the From value of envelopes generated by the relay.
const ServerID = "server"
