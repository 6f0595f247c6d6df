// Package relay implements the websocket relay that pairs two peers and
// forwards their sync frames.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gorilla/websocket"

	"github.com/sheerbytes/tracksync/internal/config"
	"github.com/sheerbytes/tracksync/internal/peers"
	"github.com/sheerbytes/tracksync/internal/session"
	"github.com/sheerbytes/tracksync/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	minReadLimit = 128 * 1024
)

// Server is the relay's HTTP surface: /ws and /health.
type Server struct {
	cfg      config.ServerConfig
	store    *session.Store
	hub      *peers.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	joins    *ipLimiter
	conns    *connLimiter

	// joinMu orders join and leave notifications so each peer sees exactly
	// one peer_joined per partner arrival.
	joinMu sync.Mutex
}

// New creates a relay server.
func New(cfg config.ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxMessageBytes < minReadLimit {
		cfg.MaxMessageBytes = minReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		store:  session.NewStore(cfg.RoomTTL),
		hub:    peers.NewHub(),
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		joins: newIPLimiter(cfg.JoinsPerMin, cfg.JoinBurst, clock.New()),
		conns: newConnLimiter(cfg.MaxConns),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Rooms returns the number of open rooms.
func (s *Server) Rooms() int {
	return s.store.Count()
}

// Reap closes expired rooms every interval until ctx is done.
func (s *Server) Reap(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapOnce(now)
		}
	}
}

func (s *Server) reapOnce(now time.Time) int {
	expired := s.store.CleanupExpired(now)
	for _, id := range expired {
		s.logger.Info("room expired", "room_id", id)
		for _, p := range s.hub.List(id) {
			s.sendEnvelope(id, p.PeerID, protocol.TypeError, protocol.Error{Code: protocol.CodeRoomExpired, Message: "room expired"})
		}
		s.hub.CloseRoom(id)
	}
	if n := s.joins.prune(); n > 0 {
		s.logger.Debug("join limiter pruned", "buckets", n)
	}
	return len(expired)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

type joinRequest struct {
	peerID string
	target string
	port   int
}

func parseJoin(r *http.Request) (joinRequest, error) {
	q := r.URL.Query()
	req := joinRequest{
		peerID: q.Get("peer_id"),
		target: q.Get("target"),
		port:   config.DefaultPort,
	}
	if req.peerID == "" {
		return req, errors.New("missing peer_id")
	}
	if req.target == "" {
		return req, errors.New("missing target")
	}
	if req.peerID == req.target {
		return req, errors.New("target must differ from peer_id")
	}
	if raw := q.Get("port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return req, errors.New("invalid port")
		}
		req.port = port
	}
	return req, nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	req, err := parseJoin(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ip := clientIP(r); !s.joins.Allow(ip) {
		s.logger.Warn("join rate limited", "ip", ip, "peer_id", req.peerID)
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !s.conns.Acquire() {
		sendError(w, http.StatusTooManyRequests, "connection limit reached")
		return
	}
	defer s.conns.Release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))

	var writeMu sync.Mutex
	if s.cfg.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
			writeMu.Unlock()
			return err
		})
	}

	send := func(f peers.Frame) error {
		kind := websocket.TextMessage
		if f.Binary {
			kind = websocket.BinaryMessage
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(kind, f.Data)
	}

	connID := protocol.NewMsgID()
	logger := s.logger.With("peer_id", req.peerID, "target", req.target, "port", req.port, "conn_id", connID)

	room, leave := s.join(req, connID, send, func() { _ = conn.Close() }, logger)
	defer leave()
	logger = logger.With("room_id", room.ID)

	if s.cfg.IdleTimeout > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
					writeMu.Unlock()
				}
			}
		}()
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		s.store.Touch(room.ID)

		switch messageType {
		case websocket.BinaryMessage:
			if s.hub.Forward(room.ID, req.peerID, peers.Frame{Binary: true, Data: message}) == 0 {
				logger.Debug("no partner, frame dropped", "size", len(message))
			}
		case websocket.TextMessage:
			s.relayEnvelope(room.ID, req.peerID, message, logger)
		}
	}
}

// join registers the connection and announces it. The returned leave func
// unregisters it and tells the partner.
func (s *Server) join(req joinRequest, connID string, send func(peers.Frame) error, closeFn func(), logger *slog.Logger) (session.Room, func()) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	room, created := s.store.Open(req.peerID, req.target, req.port)
	replacing := s.hub.Present(room.ID, req.peerID)
	remove := s.hub.Add(room.ID, peers.Peer{PeerID: req.peerID, ConnID: connID}, send, closeFn)
	logger.Info("peer connected", "room_id", room.ID, "room_created", created, "replacing", replacing)

	// The partner sees the replaced connection leave before the new one joins.
	if replacing && s.hub.Present(room.ID, req.target) {
		s.sendEnvelope(room.ID, req.target, protocol.TypePeerLeft, protocol.PeerLeft{PeerID: req.peerID})
	}

	welcome := protocol.Welcome{RoomID: room.ID, PeerID: req.peerID, Target: req.target, Port: req.port}
	if !room.ExpiresAt.IsZero() {
		welcome.ExpiresAt = room.ExpiresAt.Format(time.RFC3339)
	}
	s.sendEnvelope(room.ID, req.peerID, protocol.TypeWelcome, welcome)

	if s.hub.Present(room.ID, req.target) {
		s.sendEnvelope(room.ID, req.peerID, protocol.TypePeerJoined, protocol.PeerJoined{Peer: protocol.PeerInfo{PeerID: req.target}})
		s.sendEnvelope(room.ID, req.target, protocol.TypePeerJoined, protocol.PeerJoined{Peer: protocol.PeerInfo{PeerID: req.peerID}})
		logger.Info("room paired", "room_id", room.ID)
	}

	return room, func() {
		s.joinMu.Lock()
		defer s.joinMu.Unlock()

		remove()
		if s.hub.Present(room.ID, req.peerID) {
			// Replaced by a newer connection from the same peer.
			logger.Info("peer connection replaced")
			return
		}
		logger.Info("peer disconnected")
		if s.hub.Present(room.ID, req.target) {
			s.sendEnvelope(room.ID, req.target, protocol.TypePeerLeft, protocol.PeerLeft{PeerID: req.peerID})
			return
		}
		s.store.Delete(room.ID)
		logger.Info("room deleted", "room_id", room.ID)
	}
}

// relayEnvelope forwards a peer's control message to its partner.
func (s *Server) relayEnvelope(roomID, from string, message []byte, logger *slog.Logger) {
	env, err := protocol.Parse(message)
	if err != nil {
		logger.Warn("invalid envelope", "error", err)
		s.sendEnvelope(roomID, from, protocol.TypeError, protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	env.From = from
	env.RoomID = roomID
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("marshal envelope", "error", err)
		return
	}
	if s.hub.Forward(roomID, from, peers.Frame{Data: data}) == 0 {
		s.sendEnvelope(roomID, from, protocol.TypeError, protocol.Error{Code: protocol.CodeNoPartner, Message: "partner not connected"})
	}
}

func (s *Server) sendEnvelope(roomID, peerID, msgType string, payload any) {
	env, err := protocol.NewServerEnvelope(msgType, roomID, payload)
	if err != nil {
		s.logger.Error("failed to create envelope", "type", msgType, "error", err)
		return
	}
	env.To = peerID
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("failed to marshal envelope", "type", msgType, "error", err)
		return
	}
	if !s.hub.SendTo(roomID, peerID, peers.Frame{Data: data}) {
		s.logger.Warn("envelope not queued", "type", msgType, "peer_id", peerID)
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
