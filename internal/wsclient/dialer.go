// Package wsclient connects to the relay and exposes the connection as a sync
// link: binary frames are sync traffic, text frames are relay envelopes.
package wsclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sheerbytes/tracksync/internal/transfer"
	"github.com/sheerbytes/tracksync/pkg/protocol"
)

// DefaultRedialDelay is the pause between attempts to rejoin the relay after
// the connection was lost.
const DefaultRedialDelay = time.Second

// Dialer opens relay links for one local peer ID.
type Dialer struct {
	RelayURL    string
	PeerID      string
	RedialDelay time.Duration
	Logger      *slog.Logger
}

var _ transfer.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer.
func NewDialer(relayURL, peerID string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{RelayURL: relayURL, PeerID: peerID, RedialDelay: DefaultRedialDelay, Logger: logger}
}

// URL returns the websocket URL for pairing with peer on port.
func (d *Dialer) URL(peer string, port int) (string, error) {
	u, err := url.Parse(d.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("peer_id", d.PeerID)
	q.Set("target", peer)
	q.Set("port", strconv.Itoa(port))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay. h sees Connected once the relay reports the
// partner present and Disconnected when it leaves or the relay goes away.
// A lost relay connection is redialed until the link is closed.
func (d *Dialer) Connect(ctx context.Context, peer string, port int, h transfer.Handler) (transfer.Link, error) {
	wsURL, err := d.URL(peer, port)
	if err != nil {
		return nil, err
	}
	logger := d.Logger.With("component", "wsclient", "peer", peer, "port", port)
	conn, err := Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	delay := d.RedialDelay
	if delay <= 0 {
		delay = DefaultRedialDelay
	}
	runCtx, cancel := context.WithCancel(context.Background())
	l := &Link{
		url:         wsURL,
		handler:     h,
		logger:      logger,
		cancel:      cancel,
		peer:        peer,
		redialDelay: delay,
		conn:        conn,
	}
	go l.run(runCtx)
	return l, nil
}

// Link is a relay connection to one partner.
type Link struct {
	url         string
	handler     transfer.Handler
	logger      *slog.Logger
	cancel      context.CancelFunc
	peer        string
	redialDelay time.Duration

	mu        sync.Mutex
	conn      *Conn
	connected bool
	closed    bool
	roomID    string
	redials   int
}

// Send queues one sync frame for the partner.
func (l *Link) Send(frame []byte) error {
	return l.current().SendBinary(frame)
}

// Close leaves the relay. The handler is not notified.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	conn := l.conn
	l.mu.Unlock()
	err := conn.Close()
	l.cancel()
	return err
}

// RoomID returns the relay room, once welcomed.
func (l *Link) RoomID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roomID
}

// Redials returns how many times the relay connection was re-established.
func (l *Link) Redials() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.redials
}

func (l *Link) current() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) run(ctx context.Context) {
	for {
		conn := l.current()
		err := conn.ReadLoop(ctx, l.handleEnvelope, l.handleBinary)
		if l.isClosed() || ctx.Err() != nil {
			return
		}
		l.logger.Warn("relay connection lost", "error", err)
		l.setConnected(false)
		conn.Close()

		if !l.redial(ctx) {
			return
		}
	}
}

// redial reconnects until it succeeds or the link is closed.
func (l *Link) redial(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.redialDelay):
		}
		conn, err := Dial(ctx, l.url, l.logger)
		if err != nil {
			l.logger.Debug("relay redial failed", "error", err)
			continue
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return false
		}
		l.conn = conn
		l.redials++
		l.mu.Unlock()
		l.logger.Info("relay connection restored")
		return true
	}
}

func (l *Link) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWelcome:
		var w protocol.Welcome
		if err := env.DecodePayload(&w); err != nil {
			l.logger.Warn("invalid welcome", "error", err)
			return
		}
		l.mu.Lock()
		l.roomID = w.RoomID
		l.mu.Unlock()
		l.logger.Debug("joined relay room", "room_id", w.RoomID)
	case protocol.TypePeerJoined:
		var pj protocol.PeerJoined
		if err := env.DecodePayload(&pj); err != nil || pj.Peer.PeerID != l.peer {
			l.logger.Warn("unexpected peer_joined", "error", err, "peer_id", pj.Peer.PeerID)
			return
		}
		l.rejoined()
	case protocol.TypePeerLeft:
		l.setConnected(false)
	case protocol.TypeError:
		var e protocol.Error
		_ = env.DecodePayload(&e)
		l.logger.Warn("relay error", "code", e.Code, "message", e.Message)
	default:
		l.logger.Debug("unhandled envelope", "type", env.Type, "from", env.From)
	}
}

func (l *Link) handleBinary(data []byte) {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		l.logger.Debug("frame before partner joined dropped", "size", len(data))
		return
	}
	l.handler.HandleMessage(data)
}

// rejoined reports the partner as connected. A join while already connected
// means the partner came back on a new relay connection, so the handler sees
// Disconnected first and restarts its exchange.
func (l *Link) rejoined() {
	l.mu.Lock()
	wasConnected := l.connected
	l.mu.Unlock()
	if wasConnected {
		l.logger.Info("partner rejoined")
		l.setConnected(false)
	}
	l.setConnected(true)
}

// setConnected notifies the handler on transitions only.
func (l *Link) setConnected(v bool) {
	l.mu.Lock()
	if l.connected == v || l.closed {
		l.mu.Unlock()
		return
	}
	l.connected = v
	l.mu.Unlock()

	state := transfer.Disconnected
	if v {
		state = transfer.Connected
	}
	l.handler.HandleConnState(state)
}
