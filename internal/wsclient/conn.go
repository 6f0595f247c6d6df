package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/tracksync/pkg/protocol"
)

const (
	readTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
	writeTimeout  = 10 * time.Second
	sendQueueSize = 1024
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrQueueFull is returned when the write queue cannot take another frame.
	ErrQueueFull = errors.New("send queue full")
)

type outbound struct {
	kind int
	data []byte
}

// Conn represents a WebSocket connection to the relay.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan outbound
	closing  chan struct{}
	done     chan struct{}
	writeMu  sync.Mutex
	once     sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial establishes a WebSocket connection to the relay.
// wsURL should be the full WebSocket URL including path and query parameters.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan outbound, sendQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop reads messages until the connection fails or ctx is done.
// Text frames are parsed as envelopes; binary frames are passed through.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope), onBinary func(data []byte)) error {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closing:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		// Closing the connection forces ReadMessage() to unblock instantly
		c.conn.Close()
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			onBinary(message)
		case websocket.TextMessage:
			env, err := protocol.Parse(message)
			if err != nil {
				c.logger.Warn("invalid envelope", "error", err)
				continue
			}
			onEnv(env)
		}
	}
}

// SendBinary queues a binary frame without blocking.
func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: data})
}

func (c *Conn) enqueue(o outbound) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop handles serialized writes to the WebSocket connection. Frames
// queued before Close are flushed.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.closing:
			for {
				select {
				case o := <-c.sendChan:
					if c.write(o) != nil {
						return
					}
				default:
					return
				}
			}
		case o := <-c.sendChan:
			if err := c.write(o); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				return
			}
		}
	}
}

func (c *Conn) write(o outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(o.kind, o.data)
}

// Close sends a close frame and closes the connection. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		<-c.done
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
