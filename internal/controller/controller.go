// Package controller owns the lifecycle of one synchronization session at a
// time: connecting with retries, running the session event loop, reporting
// progress and completion, and cancellation.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/sheerbytes/tracksync/internal/appstate"
	"github.com/sheerbytes/tracksync/internal/library"
	"github.com/sheerbytes/tracksync/internal/transfer"
)

var (
	// ErrConnectExhausted is returned when every connection attempt failed.
	ErrConnectExhausted = errors.New("connection attempts exhausted")
	// ErrSessionActive is returned when a session is already running.
	ErrSessionActive = errors.New("session already active")
	// ErrCancelled is returned by Wait for a cancelled session.
	ErrCancelled = errors.New("session cancelled")
	// ErrNoSession is returned by Wait when no session was ever started.
	ErrNoSession = errors.New("no session")
)

const (
	DefaultConnectAttempts = 5
	DefaultRetryDelay      = 2 * time.Second
	DefaultTickInterval    = 100 * time.Millisecond
)

// Role is the side a session plays.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// AuxHandler receives frames that are not part of the file exchange, the
// link they can be answered on, and the session's connection changes.
type AuxHandler interface {
	Attach(link transfer.Link)
	HandleConnState(role Role, state transfer.ConnState)
	HandleMessage(frame []byte)
}

// Config configures a Controller.
type Config struct {
	Dialer  transfer.Dialer
	Library *library.Library
	Port    int
	Ext     string

	ConnectAttempts int
	RetryDelay      time.Duration
	AckTimeout      time.Duration
	TickInterval    time.Duration
	PurgeOnCancel   bool

	Clock  clock.Clock
	Logger *slog.Logger

	// Senders remembers each peer's original candidate list across sessions.
	Senders *appstate.SenderState
	// Aux, if set, receives non-sync frames such as playback commands.
	Aux AuxHandler
	// OnComplete runs once per completed session, on the session goroutine.
	OnComplete func(role Role, peer string)
}

// Progress is a snapshot of the active (or last) session.
type Progress struct {
	Role        Role
	Peer        string
	Connected   bool
	State       string
	Files       int
	FilesDone   int
	Chunks      int64
	ChunksDone  int64
	CurrentFile string
	Resends     int
	Done        bool
}

// Controller runs at most one session at a time.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	starting      bool
	cancelConnect context.CancelFunc
	active        *session
	last          *session
}

// New creates a Controller. Zero config values take defaults.
func New(cfg Config) *Controller {
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Senders == nil {
		cfg.Senders = appstate.NewSenderState()
	}
	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "controller"),
	}
}

// StartSending connects to peer and offers files. An empty files list reuses
// the candidates recorded for peer by an earlier session.
func (c *Controller) StartSending(ctx context.Context, peer string, files []string) error {
	if len(files) == 0 {
		files = c.cfg.Senders.Candidates(peer)
	}
	c.cfg.Senders.Record(peer, files)

	s := c.newSession(RoleSender, peer)
	s.sender = transfer.NewSender(peer, files, transfer.Options{
		AckTimeout: c.cfg.AckTimeout,
		Ext:        c.cfg.Ext,
	}, c.cfg.Clock, c.logger)
	return c.start(ctx, s)
}

// StartReceiving connects to peer and accepts files into the library.
func (c *Controller) StartReceiving(ctx context.Context, peer string) error {
	s := c.newSession(RoleReceiver, peer)
	s.receiver = transfer.NewReceiver(c.cfg.Library, nil, c.logger.With("peer", peer))
	return c.start(ctx, s)
}

// Cancel stops the active session, or aborts one that is still connecting.
// It is idempotent and returns once the controller is ready for a new session.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	s := c.active
	c.mu.Unlock()

	if s == nil {
		return
	}
	s.cancelOnce.Do(func() { close(s.cancel) })
	<-s.done
}

// Wait blocks until the active (or last) session ends. It returns nil on
// completion and ErrCancelled after Cancel.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	s := c.active
	if s == nil {
		s = c.last
	}
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns a snapshot of the active (or last) session.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	s := c.active
	if s == nil {
		s = c.last
	}
	c.mu.Unlock()
	if s == nil {
		return Progress{}
	}
	return s.snapshot()
}

// Active reports whether a session is connecting or running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starting || c.active != nil
}

func (c *Controller) start(ctx context.Context, s *session) error {
	c.mu.Lock()
	if c.starting || c.active != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.starting = true
	connectCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.mu.Unlock()

	link, events, err := c.connect(connectCtx, s)

	c.mu.Lock()
	c.starting = false
	c.cancelConnect = nil
	if err != nil {
		c.mu.Unlock()
		cancel()
		return err
	}
	c.active = s
	c.mu.Unlock()
	cancel()

	s.link = link
	s.events = events
	if s.sender != nil {
		s.sender.SetLink(link)
	}
	if s.receiver != nil {
		s.receiver.SetLink(link)
	}
	if c.cfg.Aux != nil {
		c.cfg.Aux.Attach(link)
	}
	s.logger.Info("session started")
	go c.run(s)
	return nil
}

// connect dials with bounded, fixed-delay retries. Each attempt gets a fresh
// event queue so a failed attempt cannot leak events into the session.
func (c *Controller) connect(ctx context.Context, s *session) (transfer.Link, *eventQueue, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		events := newEventQueue()
		link, err := c.cfg.Dialer.Connect(ctx, s.peer, c.cfg.Port, events)
		if err == nil {
			return link, events, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		s.logger.Warn("connect failed", "attempt", attempt, "max_attempts", c.cfg.ConnectAttempts, "error", err)
		if attempt == c.cfg.ConnectAttempts {
			break
		}
		select {
		case <-c.cfg.Clock.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, c.cfg.ConnectAttempts, lastErr)
}

func (c *Controller) run(s *session) {
	ticker := c.cfg.Clock.Ticker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancel:
			c.finishCancelled(s)
			return
		case <-s.events.ready:
			for _, ev := range s.events.drain() {
				c.dispatch(s, ev)
			}
		case now := <-ticker.C:
			if s.sender != nil {
				s.sender.Tick(now)
			}
		}
		s.refresh()
		if s.complete() {
			c.finishCompleted(s)
			return
		}
	}
}

func (c *Controller) dispatch(s *session, ev event) {
	if ev.isState {
		s.setConnected(ev.state == transfer.Connected)
		if ev.state == transfer.Connected {
			s.handleConnected()
		} else {
			s.handleDisconnected()
		}
		if c.cfg.Aux != nil {
			c.cfg.Aux.HandleConnState(s.role, ev.state)
		}
		return
	}
	typ, err := transfer.PeekType(ev.frame)
	if err != nil {
		s.logger.Warn("undecodable frame dropped", "error", err)
		return
	}
	if !typ.IsSync() {
		if c.cfg.Aux != nil {
			c.cfg.Aux.HandleMessage(ev.frame)
		}
		return
	}
	s.handleMessage(ev.frame)
}

func (c *Controller) finishCompleted(s *session) {
	s.link.Close()
	s.logger.Info("session complete")
	if s.role == RoleSender {
		c.cfg.Senders.HandleComplete(s.peer)
		s.logger.Debug("sender registry", "summary", c.cfg.Senders.Summary())
	}
	c.detach(s)
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(s.role, s.peer)
	}
	s.close(nil)
}

func (c *Controller) finishCancelled(s *session) {
	s.link.Close()
	if s.receiver != nil {
		s.receiver.Discard()
		if c.cfg.PurgeOnCancel {
			saved := s.receiver.SavedFiles()
			if err := c.cfg.Library.Purge(saved); err != nil {
				s.logger.Warn("purge after cancel incomplete", "error", err)
			}
			s.logger.Info("purged files from cancelled session", "files", len(saved))
		}
	}
	s.refresh()
	s.setState("cancelled")
	s.logger.Info("session cancelled")
	c.detach(s)
	s.close(ErrCancelled)
}

// detach frees the controller for a new session before s reports its end.
func (c *Controller) detach(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
	}
	c.last = s
}
