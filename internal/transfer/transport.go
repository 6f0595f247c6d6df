package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ConnState is a link-level connection event.
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Handler receives events from a Link. Implementations must not block:
// transports call them from their own read goroutines.
type Handler interface {
	// HandleConnState reports that the peer became reachable or unreachable.
	// A link may report Connected again after Disconnected.
	HandleConnState(state ConnState)

	// HandleMessage delivers one whole frame. The handler owns the slice.
	HandleMessage(frame []byte)
}

// Link is a message-oriented path to one peer.
type Link interface {
	// Send delivers one whole frame to the peer.
	Send(frame []byte) error

	// Close tears the link down. No events are delivered after Close returns.
	Close() error
}

// Dialer creates links. Connect may return before the peer is reachable;
// readiness is reported through HandleConnState.
type Dialer interface {
	Connect(ctx context.Context, peer string, port int, h Handler) (Link, error)
}

// ErrFrameTooLarge is returned by ReadFrame when the length prefix exceeds the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// MaxFrameSize bounds a length-prefixed frame: a full DATA chunk plus headers
// and a maximum length name.
const MaxFrameSize = MaxChunkSize + maxNameLength + 64

// WriteFrame writes frame with a uint32 big-endian length prefix.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("frame write: %w", err)
		}
		written += n
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("frame body: %w", err)
	}
	return frame, nil
}
