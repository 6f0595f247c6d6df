// Package playback mirrors playback commands between two peers over the same
// link the file exchange uses.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/sheerbytes/tracksync/internal/transfer"
)

// RemoteChangeWindow is how long after a local song change a remote one is
// ignored.
const RemoteChangeWindow = 300 * time.Millisecond

// ErrNotAttached is returned when no link is available to the peer.
var ErrNotAttached = errors.New("playback: no peer link")

// Command is a playback command.
type Command byte

const (
	PlayToggle Command = iota
	Next
	Prev
	Stop
)

func (c Command) String() string {
	switch c {
	case PlayToggle:
		return "play-toggle"
	case Next:
		return "next"
	case Prev:
		return "prev"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

func (c Command) valid() bool {
	return c <= Stop
}

func (c Command) changesSong() bool {
	return c == Next || c == Prev
}

// CallContext describes where a command came from.
type CallContext struct {
	Command     Command
	AutoAdvance bool   // Issued by the player itself at the end of a track
	Remote      bool   // Received from the peer
	Source      string // Peer ID for remote calls
}

// Mirror applies commands to a Player and keeps the peer in step.
type Mirror struct {
	player Player
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	link       transfer.Link
	peer       string
	lastLocal  time.Time
	forwarded  int
	suppressed int
}

// NewMirror creates a Mirror driving player.
func NewMirror(player Player, clk clock.Clock, logger *slog.Logger) *Mirror {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		player: player,
		clock:  clk,
		logger: logger.With("component", "playback"),
	}
}

// SetPeer names the peer that remote calls come from.
func (m *Mirror) SetPeer(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peer = peer
}

// Attach sets the link commands are forwarded on.
func (m *Mirror) Attach(link transfer.Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link = link
}

// Execute applies ctx.Command locally. Local calls that are not auto-advance
// are forwarded to the peer; remote calls never are.
func (m *Mirror) Execute(ctx CallContext) {
	if !ctx.Command.valid() {
		m.logger.Warn("unknown command ignored", "command", byte(ctx.Command))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if ctx.Remote && ctx.Command.changesSong() && m.withinLocalWindow(now) {
		m.suppressed++
		m.logger.Debug("remote song change ignored", "command", ctx.Command, "source", ctx.Source)
		return
	}

	m.apply(ctx.Command)
	if !ctx.Remote && ctx.Command.changesSong() {
		m.lastLocal = now
	}
	m.logger.Debug("command executed", "command", ctx.Command,
		"remote", ctx.Remote, "auto_advance", ctx.AutoAdvance)

	if ctx.Remote || ctx.AutoAdvance {
		return
	}
	if err := m.sendLocked(transfer.CommandMsg{Command: byte(ctx.Command)}); err != nil {
		m.logger.Debug("command not forwarded", "command", ctx.Command, "error", err)
		return
	}
	m.forwarded++
}

// RequestState asks the peer for its current playback state.
func (m *Mirror) RequestState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendLocked(transfer.StateRequestMsg{})
}

// HandleMessage processes one playback frame from the peer.
func (m *Mirror) HandleMessage(frame []byte) {
	f, err := transfer.Decode(frame)
	if err != nil {
		m.logger.Warn("undecodable playback frame dropped", "error", err)
		return
	}
	switch msg := f.Msg.(type) {
	case transfer.CommandMsg:
		m.mu.Lock()
		source := m.peer
		m.mu.Unlock()
		m.Execute(CallContext{Command: Command(msg.Command), Remote: true, Source: source})
	case transfer.StateRequestMsg:
		m.answerState()
	case transfer.StateMsg:
		m.applyState(State{SongIndex: msg.SongIndex, Playing: msg.Playing, Paused: msg.Paused})
	default:
		m.logger.Debug("unexpected playback message dropped", "type", f.Msg.Type())
	}
}

// Stats returns how many commands were forwarded and how many remote song
// changes were suppressed.
func (m *Mirror) Stats() (forwarded, suppressed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forwarded, m.suppressed
}

func (m *Mirror) answerState() {
	st := m.player.State()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendLocked(transfer.StateMsg{SongIndex: st.SongIndex, Playing: st.Playing, Paused: st.Paused}); err != nil {
		m.logger.Warn("state reply not sent", "error", err)
	}
}

// applyState follows the peer's song index. Play state is not adopted: a
// joining peer starts stopped.
func (m *Mirror) applyState(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.player.State().SongIndex == st.SongIndex {
		return
	}
	if m.withinLocalWindow(m.clock.Now()) {
		m.suppressed++
		m.logger.Debug("remote state ignored", "song_index", st.SongIndex)
		return
	}
	m.player.SetSongIndex(st.SongIndex)
	m.logger.Info("song index synced", "song_index", st.SongIndex)
}

func (m *Mirror) withinLocalWindow(now time.Time) bool {
	return !m.lastLocal.IsZero() && now.Sub(m.lastLocal) < RemoteChangeWindow
}

func (m *Mirror) apply(cmd Command) {
	switch cmd {
	case PlayToggle:
		m.player.PlayToggle()
	case Next:
		m.player.Next()
	case Prev:
		m.player.Prev()
	case Stop:
		m.player.Stop()
	}
}

func (m *Mirror) sendLocked(msg transfer.Message) error {
	if m.link == nil {
		return ErrNotAttached
	}
	frame, err := transfer.Encode(0, msg)
	if err != nil {
		return err
	}
	return m.link.Send(frame)
}
