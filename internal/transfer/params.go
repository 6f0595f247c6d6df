package transfer

import "time"

const (
	// DefaultAckTimeout is how long a chunk may stay unacknowledged before it is resent.
	DefaultAckTimeout = time.Second
)

// Options tune a Sender.
type Options struct {
	AckTimeout time.Duration
	Ext        string
}

// NormalizeOptions applies defaults.
func NormalizeOptions(opts Options) Options {
	out := opts
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.Ext == "" {
		out.Ext = ".mp3"
	}
	return out
}
