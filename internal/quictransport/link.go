package quictransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/tracksync/internal/transfer"
	"github.com/sheerbytes/tracksync/internal/transport"
)

const (
	// DefaultRedialDelay is the pause before the dialing side reconnects.
	DefaultRedialDelay = time.Second

	writeTimeout       = 10 * time.Second
	acceptStreamWait   = 10 * time.Second
	closeGrace         = time.Second
	codeNormal         = quic.ApplicationErrorCode(0)
	codeReplaced       = quic.ApplicationErrorCode(1)
	streamCancelClosed = quic.StreamErrorCode(0)
)

// Dialer opens direct links. In listen mode Connect binds the port and waits
// for the peer to dial in; otherwise it dials peer:port.
type Dialer struct {
	Listen      bool
	ListenAddr  string // listen mode; defaults to ":<port>"
	StunServer  string // listen mode; probe the public address before listening
	RedialDelay time.Duration
	Logger      *slog.Logger

	// Flow-control windows; zero selects the transport defaults.
	ConnWindow   int
	StreamWindow int

	// OnPublicAddr receives the STUN-mapped address of the listening socket,
	// for the user to share with the peer.
	OnPublicAddr func(addr *net.UDPAddr)
}

var _ transfer.Dialer = (*Dialer)(nil)

// Connect implements transfer.Dialer.
func (d *Dialer) Connect(ctx context.Context, peer string, port int, h transfer.Handler) (transfer.Link, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "quic", "peer", peer, "port", port)

	cfg, quicTune := transport.BuildQuicConfig(nil, d.ConnWindow, d.StreamWindow, transport.DefaultMaxStreams)
	delay := d.RedialDelay
	if delay <= 0 {
		delay = DefaultRedialDelay
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l := &Link{handler: h, logger: logger, cancel: cancel}

	if d.Listen {
		if err := d.listen(ctx, runCtx, l, port, cfg, quicTune); err != nil {
			cancel()
			return nil, err
		}
		return l, nil
	}

	addr := net.JoinHostPort(peer, strconv.Itoa(port))
	tlsConf := ClientConfig()
	conn, stream, err := dial(ctx, addr, tlsConf, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	go l.runDialer(runCtx, conn, stream, func(ctx context.Context) (*quic.Conn, *quic.Stream, error) {
		return dial(ctx, addr, tlsConf, cfg)
	}, delay)
	return l, nil
}

func (d *Dialer) listen(ctx, runCtx context.Context, l *Link, port int, cfg *quic.Config, quicTune transport.QuicTuneResult) error {
	addr := d.ListenAddr
	if addr == "" {
		addr = ":" + strconv.Itoa(port)
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	udpTune := transport.ApplyUDPBuffers(udpConn, transport.DefaultUDPBuffer, transport.DefaultUDPBuffer)
	l.logger.Debug("direct link tuning", "summary", transport.Summary(udpTune, quicTune))

	if d.StunServer != "" {
		public, err := ProbePublicAddr(ctx, udpConn, d.StunServer)
		if err != nil {
			l.logger.Warn("public address probe failed", "stun_server", d.StunServer, "error", err)
		} else {
			l.logger.Info("public address resolved", "addr", public)
			if d.OnPublicAddr != nil {
				d.OnPublicAddr(public)
			}
		}
	}

	tlsConf, err := ServerConfig()
	if err != nil {
		udpConn.Close()
		return err
	}
	ln, err := quic.Listen(udpConn, tlsConf, cfg)
	if err != nil {
		udpConn.Close()
		l.logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return fmt.Errorf("quic listen: %w", err)
	}
	l.logger.Info("QUIC listener created", "local_addr", udpConn.LocalAddr())
	l.listener = ln
	l.udpConn = udpConn
	go l.runListener(runCtx, ln)
	return nil
}

// dial opens the connection and the single sync stream. An empty frame is
// written first so the listener's AcceptStream returns.
func dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg *quic.Config) (*quic.Conn, *quic.Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(codeNormal, "")
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}
	if err := transfer.WriteFrame(stream, nil); err != nil {
		conn.CloseWithError(codeNormal, "")
		return nil, nil, fmt.Errorf("stream hello: %w", err)
	}
	return conn, stream, nil
}

// Link is a direct QUIC path to the peer. At most one connection is active;
// a newer inbound connection replaces the current one.
type Link struct {
	handler  transfer.Handler
	logger   *slog.Logger
	cancel   context.CancelFunc
	listener *quic.Listener
	udpConn  *net.UDPConn

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *quic.Conn
	stream    *quic.Stream
	served    chan struct{}
	gen       int
	connected bool
	closed    bool
}

// Send writes one frame on the sync stream.
func (l *Link) Send(frame []byte) error {
	l.mu.Lock()
	stream := l.stream
	closed := l.closed
	l.mu.Unlock()
	if stream == nil || closed {
		return transfer.ErrLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	return transfer.WriteFrame(stream, frame)
}

// LocalAddr returns the listening address in listen mode, nil otherwise.
func (l *Link) LocalAddr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Close finishes the sync stream, gives the peer a moment to read what was
// written, then tears the connection down. The handler is not notified.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn, stream, served := l.conn, l.stream, l.served
	l.mu.Unlock()

	l.cancel()
	if stream != nil {
		l.writeMu.Lock()
		stream.Close()
		l.writeMu.Unlock()
		select {
		case <-served:
		case <-time.After(closeGrace):
		}
	}
	if conn != nil {
		conn.CloseWithError(codeNormal, "closed")
	}
	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	if l.udpConn != nil {
		if cerr := l.udpConn.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	return err
}

func (l *Link) runDialer(ctx context.Context, conn *quic.Conn, stream *quic.Stream, redial func(context.Context) (*quic.Conn, *quic.Stream, error), delay time.Duration) {
	for {
		gen, served, ok := l.attach(conn, stream)
		if !ok {
			return
		}
		err := l.serve(gen, stream, served)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("direct connection lost", "error", err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			conn, stream, err = redial(ctx)
			if err == nil {
				l.logger.Info("direct connection restored", "remote_addr", conn.RemoteAddr())
				break
			}
			l.logger.Debug("redial failed", "error", err)
		}
	}
}

func (l *Link) runListener(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("QUIC accept failed", "error", err)
			}
			return
		}
		go l.adopt(ctx, conn)
	}
}

func (l *Link) adopt(ctx context.Context, conn *quic.Conn) {
	acceptCtx, cancel := context.WithTimeout(ctx, acceptStreamWait)
	stream, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		l.logger.Warn("peer opened no stream", "remote_addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(codeNormal, "no stream")
		return
	}
	l.logger.Info("peer connected", "remote_addr", conn.RemoteAddr())
	gen, served, ok := l.attach(conn, stream)
	if !ok {
		return
	}
	if err := l.serve(gen, stream, served); err != nil && ctx.Err() == nil {
		l.logger.Info("peer disconnected", "remote_addr", conn.RemoteAddr(), "error", err)
	}
}

// attach makes conn the active connection. A replaced connection is closed
// and reported as a disconnect so the handler restarts its exchange.
func (l *Link) attach(conn *quic.Conn, stream *quic.Stream) (int, chan struct{}, bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.CloseWithError(codeNormal, "closed")
		return 0, nil, false
	}
	old := l.conn
	l.gen++
	gen := l.gen
	served := make(chan struct{})
	l.conn, l.stream, l.served = conn, stream, served
	l.mu.Unlock()

	if old != nil {
		old.CloseWithError(codeReplaced, "replaced")
		l.setConnected(false)
	}
	l.setConnected(true)
	return gen, served, true
}

// serve reads frames until the stream fails. Empty frames are hellos.
func (l *Link) serve(gen int, stream *quic.Stream, served chan struct{}) error {
	defer close(served)

	for {
		frame, err := transfer.ReadFrame(stream)
		if err != nil {
			stream.CancelRead(streamCancelClosed)
			l.detach(gen)
			return err
		}
		if len(frame) == 0 {
			continue
		}
		l.handler.HandleMessage(frame)
	}
}

func (l *Link) detach(gen int) {
	l.mu.Lock()
	if gen != l.gen || l.closed {
		l.mu.Unlock()
		return
	}
	conn := l.conn
	l.conn, l.stream = nil, nil
	l.mu.Unlock()

	conn.CloseWithError(codeNormal, "")
	l.setConnected(false)
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
