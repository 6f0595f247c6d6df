package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMessageTypes_JSONRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		msgType  string
		payload  any
		decodeTo func() any
	}{
		{
			name:     "Welcome",
			msgType:  TypeWelcome,
			payload:  Welcome{RoomID: "r1", PeerID: "a1", Target: "b2", Port: 1337, ExpiresAt: "2026-01-01T00:00:00Z"},
			decodeTo: func() any { return &Welcome{} },
		},
		{
			name:     "PeerJoined",
			msgType:  TypePeerJoined,
			payload:  PeerJoined{Peer: PeerInfo{PeerID: "b2"}},
			decodeTo: func() any { return &PeerJoined{} },
		},
		{
			name:     "PeerLeft",
			msgType:  TypePeerLeft,
			payload:  PeerLeft{PeerID: "b2"},
			decodeTo: func() any { return &PeerLeft{} },
		},
		{
			name:     "Error",
			msgType:  TypeError,
			payload:  Error{Code: CodePeerReplaced, Message: "replaced by a newer connection"},
			decodeTo: func() any { return &Error{} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, NewMsgID(), tt.payload)
			if err != nil {
				t.Fatalf("NewEnvelope() error = %v", err)
			}
			data, err := json.Marshal(env)
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			parsed, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if parsed.Type != tt.msgType {
				t.Errorf("Type = %s, want %s", parsed.Type, tt.msgType)
			}

			out := tt.decodeTo()
			if err := parsed.DecodePayload(out); err != nil {
				t.Fatalf("DecodePayload() error = %v", err)
			}
			got := reflect.ValueOf(out).Elem().Interface()
			if !reflect.DeepEqual(got, tt.payload) {
				t.Errorf("payload = %+v, want %+v", got, tt.payload)
			}
		})
	}
}

func TestWelcome_ExpiresAtOmitted(t *testing.T) {
	data, err := json.Marshal(Welcome{RoomID: "r", PeerID: "a", Target: "b", Port: 1})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if _, ok := fields["expires_at"]; ok {
		t.Errorf("expires_at should be omitted when empty: %s", data)
	}
}
