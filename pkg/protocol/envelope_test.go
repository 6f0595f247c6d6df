package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		msgID   string
		payload any
		wantErr bool
	}{
		{
			name:    "Welcome message",
			msgType: TypeWelcome,
			msgID:   "test123",
			payload: Welcome{RoomID: "room1", PeerID: "a1", Target: "b2", Port: 1337},
		},
		{
			name:    "Error message",
			msgType: TypeError,
			msgID:   "test456",
			payload: Error{Code: CodeBadRequest, Message: "missing peer_id"},
		},
		{
			name:    "nil payload",
			msgType: "test",
			msgID:   "test000",
			payload: nil,
		},
		{
			name:    "unmarshalable payload",
			msgType: "test",
			msgID:   "bad",
			payload: make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, tt.msgID, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEnvelope() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if env.V != ProtocolVersion {
				t.Errorf("NewEnvelope() V = %d, want %d", env.V, ProtocolVersion)
			}
			if env.Type != tt.msgType {
				t.Errorf("NewEnvelope() Type = %s, want %s", env.Type, tt.msgType)
			}
			if env.MsgID != tt.msgID {
				t.Errorf("NewEnvelope() MsgID = %s, want %s", env.MsgID, tt.msgID)
			}
			if tt.payload == nil && len(env.Payload) != 0 {
				t.Errorf("NewEnvelope() Payload = %s, want empty", env.Payload)
			}
		})
	}
}

func TestNewServerEnvelope(t *testing.T) {
	env, err := NewServerEnvelope(TypePeerLeft, "room9", PeerLeft{PeerID: "b2"})
	if err != nil {
		t.Fatalf("NewServerEnvelope() error = %v", err)
	}
	if env.From != ServerID {
		t.Errorf("From = %q, want %q", env.From, ServerID)
	}
	if env.RoomID != "room9" {
		t.Errorf("RoomID = %q, want room9", env.RoomID)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Errorf("ValidateBasic() error = %v", err)
	}
}

func TestEnvelope_DecodePayloadEmpty(t *testing.T) {
	env, _ := NewEnvelope(TypePeerJoined, "x", nil)
	var out PeerJoined
	if err := env.DecodePayload(&out); err == nil {
		t.Error("DecodePayload() on empty payload should fail")
	}
}

func TestEnvelope_ValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid", Envelope{V: ProtocolVersion, Type: TypeWelcome, MsgID: "m1"}, false},
		{"wrong version", Envelope{V: 2, Type: TypeWelcome, MsgID: "m1"}, true},
		{"missing type", Envelope{V: ProtocolVersion, MsgID: "m1"}, true},
		{"missing msg_id", Envelope{V: ProtocolVersion, Type: TypeWelcome}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.env.ValidateBasic(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateBasic() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	original, err := NewServerEnvelope(TypePeerJoined, "room1", PeerJoined{Peer: PeerInfo{PeerID: "a1"}})
	if err != nil {
		t.Fatalf("NewServerEnvelope() error = %v", err)
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	env, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	var joined PeerJoined
	if err := env.DecodePayload(&joined); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if joined.Peer.PeerID != "a1" {
		t.Errorf("Peer.PeerID = %q, want a1", joined.Peer.PeerID)
	}

	unknown := `{"v":1,"type":"peer_left","msg_id":"m","unknown_field":true,"payload":{"peer_id":"z"}}`
	if _, err := Parse([]byte(unknown)); err != nil {
		t.Errorf("Parse() with unknown fields error = %v", err)
	}
	if _, err := Parse([]byte(`{"v":1,"type":"peer_left"}`)); err == nil {
		t.Error("Parse() without msg_id should fail")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("Parse() of invalid JSON should fail")
	}
}

func TestNewMsgID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if len(id) != 16 {
			t.Fatalf("NewMsgID() length = %d, want 16", len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
				t.Fatalf("NewMsgID() = %q contains non-hex character", id)
			}
		}
		if seen[id] {
			t.Fatalf("NewMsgID() returned duplicate %q", id)
		}
		seen[id] = true
	}
}
