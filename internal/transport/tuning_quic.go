package transport

import (
	"time"

	"github.com/quic-go/quic-go"
)

// The direct link carries one stop-and-wait stream, so the windows only need
// to hold a few chunks in flight.
const (
	DefaultConnWindow   = 4 * 1024 * 1024
	DefaultStreamWindow = 1 * 1024 * 1024
	DefaultMaxStreams   = 4

	minQuicConnWindow   = 256 * 1024
	maxQuicConnWindow   = 256 * 1024 * 1024
	minQuicStreamWindow = 128 * 1024
	maxQuicStreamWindow = 64 * 1024 * 1024
	minQuicMaxStreams   = 1
	maxQuicMaxStreams   = 64

	keepAlivePeriod = 10 * time.Second
	maxIdleTimeout  = 30 * time.Second
)

// QuicTuneResult records the windows actually applied by BuildQuicConfig.
type QuicTuneResult struct {
	ConnWin    int
	StreamWin  int
	MaxStreams int
	Status     string
}

// BuildQuicConfig copies base (or a keep-alive default) and applies clamped
// flow-control windows. base is never modified. Zero values select defaults.
func BuildQuicConfig(base *quic.Config, connWin, streamWin, maxStreams int) (*quic.Config, QuicTuneResult) {
	cfg := &quic.Config{
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  maxIdleTimeout,
	}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clamp(orDefault(connWin, DefaultConnWindow), minQuicConnWindow, maxQuicConnWindow)
	stream := clamp(orDefault(streamWin, DefaultStreamWindow), minQuicStreamWindow, maxQuicStreamWindow)
	if stream > conn {
		stream = conn
	}
	streams := clamp(orDefault(maxStreams, DefaultMaxStreams), minQuicMaxStreams, maxQuicMaxStreams)

	cfg.InitialConnectionReceiveWindow = uint64(conn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = int64(streams)

	return cfg, QuicTuneResult{
		ConnWin:    conn,
		StreamWin:  stream,
		MaxStreams: streams,
		Status:     StatusOK,
	}
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
