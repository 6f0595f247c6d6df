package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/tracksync/internal/logging"
	"github.com/sheerbytes/tracksync/internal/transfer"
	"github.com/sheerbytes/tracksync/pkg/protocol"
)

const testTimeout = 5 * time.Second

type recordingHandler struct {
	states chan transfer.ConnState
	frames chan []byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		states: make(chan transfer.ConnState, 16),
		frames: make(chan []byte, 16),
	}
}

func (h *recordingHandler) HandleConnState(s transfer.ConnState) { h.states <- s }
func (h *recordingHandler) HandleMessage(f []byte)              { h.frames <- f }

func (h *recordingHandler) expectState(t *testing.T, want transfer.ConnState) {
	t.Helper()
	select {
	case got := <-h.states:
		require.Equal(t, want, got)
	case <-time.After(testTimeout):
		t.Fatalf("no %v state before timeout", want)
	}
}

// scriptedRelay upgrades one connection, writes the given envelopes and
// binary frames in order, then waits for the client to go away.
func scriptedRelay(t *testing.T, script ...any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, item := range script {
			switch v := item.(type) {
			case protocol.Envelope:
				if conn.WriteJSON(v) != nil {
					return
				}
			case []byte:
				if conn.WriteMessage(websocket.BinaryMessage, v) != nil {
					return
				}
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func serverEnvelope(t *testing.T, msgType string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewServerEnvelope(msgType, "room-1", payload)
	require.NoError(t, err)
	return env
}

func TestDialer_URL(t *testing.T) {
	tests := []struct {
		relay string
		want  string
	}{
		{"http://relay.example:8080", "ws://relay.example:8080/ws?peer_id=alice&port=1337&target=bob"},
		{"https://relay.example", "wss://relay.example/ws?peer_id=alice&port=1337&target=bob"},
		{"ws://relay.example/custom", "ws://relay.example/custom?peer_id=alice&port=1337&target=bob"},
	}
	for _, tt := range tests {
		d := NewDialer(tt.relay, "alice", logging.Discard())
		got, err := d.URL("bob", 1337)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	_, err := NewDialer("ftp://relay.example", "alice", logging.Discard()).URL("bob", 1337)
	require.Error(t, err)
}

func TestLink_PartnerRejoinRestartsSession(t *testing.T) {
	joined := protocol.PeerJoined{Peer: protocol.PeerInfo{PeerID: "bob"}}
	ts := scriptedRelay(t,
		serverEnvelope(t, protocol.TypeWelcome, protocol.Welcome{RoomID: "room-1", PeerID: "alice", Target: "bob", Port: 1337}),
		serverEnvelope(t, protocol.TypePeerJoined, joined),
		serverEnvelope(t, protocol.TypePeerJoined, joined),
		[]byte("frame"),
	)

	h := newRecordingHandler()
	link, err := NewDialer(ts.URL, "alice", logging.Discard()).Connect(context.Background(), "bob", 1337, h)
	require.NoError(t, err)
	defer link.Close()

	h.expectState(t, transfer.Connected)
	h.expectState(t, transfer.Disconnected)
	h.expectState(t, transfer.Connected)

	select {
	case f := <-h.frames:
		require.Equal(t, "frame", string(f))
	case <-time.After(testTimeout):
		t.Fatal("frame not delivered")
	}
	require.Equal(t, "room-1", link.(*Link).RoomID())
}

func TestLink_FramesBeforeJoinDropped(t *testing.T) {
	ts := scriptedRelay(t,
		[]byte("early"),
		serverEnvelope(t, protocol.TypePeerJoined, protocol.PeerJoined{Peer: protocol.PeerInfo{PeerID: "bob"}}),
		[]byte("late"),
		serverEnvelope(t, protocol.TypePeerLeft, protocol.PeerLeft{PeerID: "bob"}),
	)

	h := newRecordingHandler()
	link, err := NewDialer(ts.URL, "alice", logging.Discard()).Connect(context.Background(), "bob", 1337, h)
	require.NoError(t, err)
	defer link.Close()

	h.expectState(t, transfer.Connected)
	h.expectState(t, transfer.Disconnected)
	select {
	case f := <-h.frames:
		require.Equal(t, "late", string(f))
	case <-time.After(testTimeout):
		t.Fatal("frame not delivered")
	}
	require.Empty(t, h.frames)
}

func TestLink_SendAfterCloseFails(t *testing.T) {
	ts := scriptedRelay(t)
	link, err := NewDialer(ts.URL, "alice", logging.Discard()).Connect(context.Background(), "bob", 1337, newRecordingHandler())
	require.NoError(t, err)
	require.NoError(t, link.Close())
	require.ErrorIs(t, link.Send([]byte("x")), ErrClosed)
}
