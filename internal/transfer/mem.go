package transfer

import (
	"context"
	"errors"
	"sync"
)

// ErrLinkClosed is returned when sending on a closed or unreachable link.
var ErrLinkClosed = errors.New("link closed")

// memNet is the shared state of a MemEndpoint pair.
type memNet struct {
	mu     sync.Mutex
	up     bool
	filter func(from string, frame []byte) bool
}

// MemEndpoint is one side of an in-memory link pair. Frames are delivered
// synchronously on the sending goroutine, so handlers must only enqueue.
type MemEndpoint struct {
	net         *memNet
	name        string
	peer        *MemEndpoint
	handler     Handler
	connectErrs []error
}

// NewMemPair creates two endpoints connected by a working in-memory network.
func NewMemPair() (*MemEndpoint, *MemEndpoint) {
	n := &memNet{up: true}
	a := &MemEndpoint{net: n, name: "a"}
	b := &MemEndpoint{net: n, name: "b"}
	a.peer = b
	b.peer = a
	return a, b
}

var _ Dialer = (*MemEndpoint)(nil)

// Name returns "a" or "b".
func (e *MemEndpoint) Name() string {
	return e.name
}

// Connect attaches h to this endpoint. Both handlers see Connected once both
// sides have attached and the network is up.
func (e *MemEndpoint) Connect(ctx context.Context, peer string, port int, h Handler) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.net.mu.Lock()
	if len(e.connectErrs) > 0 {
		err := e.connectErrs[0]
		e.connectErrs = e.connectErrs[1:]
		e.net.mu.Unlock()
		return nil, err
	}
	e.handler = h
	peerH := e.peer.handler
	notify := e.net.up && peerH != nil
	e.net.mu.Unlock()

	if notify {
		h.HandleConnState(Connected)
		peerH.HandleConnState(Connected)
	}
	return &memLink{ep: e, h: h}, nil
}

// FailConnects makes the next len(errs) Connect calls fail with errs in order.
func (e *MemEndpoint) FailConnects(errs ...error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.connectErrs = append(e.connectErrs, errs...)
}

// SetFilter installs fn to observe every frame; frames for which fn returns
// false are dropped silently. A nil fn delivers everything.
func (e *MemEndpoint) SetFilter(fn func(from string, frame []byte) bool) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.net.filter = fn
}

// Disconnect takes the network down and notifies attached handlers.
func (e *MemEndpoint) Disconnect() {
	e.setUp(false)
}

// Reconnect brings the network back and notifies attached handlers.
func (e *MemEndpoint) Reconnect() {
	e.setUp(true)
}

func (e *MemEndpoint) setUp(up bool) {
	e.net.mu.Lock()
	if e.net.up == up {
		e.net.mu.Unlock()
		return
	}
	e.net.up = up
	h1, h2 := e.handler, e.peer.handler
	e.net.mu.Unlock()

	if h1 == nil || h2 == nil {
		return
	}
	state := Disconnected
	if up {
		state = Connected
	}
	h1.HandleConnState(state)
	h2.HandleConnState(state)
}

type memLink struct {
	ep     *MemEndpoint
	h      Handler
	closed bool
}

func (l *memLink) Send(frame []byte) error {
	n := l.ep.net
	n.mu.Lock()
	if l.closed || !n.up || l.ep.handler != l.h || l.ep.peer.handler == nil {
		n.mu.Unlock()
		return ErrLinkClosed
	}
	filter := n.filter
	peerH := l.ep.peer.handler
	from := l.ep.name
	n.mu.Unlock()

	if filter != nil && !filter(from, frame) {
		return nil
	}
	peerH.HandleMessage(append([]byte(nil), frame...))
	return nil
}

func (l *memLink) Close() error {
	n := l.ep.net
	n.mu.Lock()
	if l.closed {
		n.mu.Unlock()
		return nil
	}
	l.closed = true
	var peerH Handler
	if l.ep.handler == l.h {
		l.ep.handler = nil
		if n.up {
			peerH = l.ep.peer.handler
		}
	}
	n.mu.Unlock()

	if peerH != nil {
		peerH.HandleConnState(Disconnected)
	}
	return nil
}
