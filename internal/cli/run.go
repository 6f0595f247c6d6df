// Package cli wires configuration, transport, library, playback and the
// progress view around one controller session. The sender and receiver
// subcommands are thin layers over Execute.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/andres-erbsen/clock"

	"github.com/sheerbytes/tracksync/internal/config"
	"github.com/sheerbytes/tracksync/internal/controller"
	"github.com/sheerbytes/tracksync/internal/library"
	"github.com/sheerbytes/tracksync/internal/logging"
	"github.com/sheerbytes/tracksync/internal/playback"
	"github.com/sheerbytes/tracksync/internal/progress"
	"github.com/sheerbytes/tracksync/internal/quictransport"
	"github.com/sheerbytes/tracksync/internal/transfer"
	"github.com/sheerbytes/tracksync/internal/wsclient"
)

// ErrUnknownTransport is returned for a transport other than relay or quic.
var ErrUnknownTransport = errors.New("unknown transport")

// Env is what Execute needs from the process. Zero fields take defaults.
type Env struct {
	Stdout io.Writer
	Stdin  io.Reader
	Logger *slog.Logger
	Dialer transfer.Dialer // overrides the transport named in the config
}

// Start begins the role-specific session on c.
type Start func(ctx context.Context, c *controller.Controller) error

// NewDialer builds the transport named by cfg.Transport.
func NewDialer(cfg config.ClientConfig, logger *slog.Logger, out io.Writer) (transfer.Dialer, error) {
	switch cfg.Transport {
	case "", "relay":
		return wsclient.NewDialer(cfg.RelayURL, cfg.PeerID, logger), nil
	case "quic":
		return &quictransport.Dialer{
			Listen:     cfg.Listen,
			StunServer: cfg.StunServer,
			Logger:     logger,
			OnPublicAddr: func(addr *net.UDPAddr) {
				fmt.Fprintf(out, "public address %s (share it with your peer)\n", addr)
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
}

// NewLogger returns the logger for a client run. While the interactive view
// owns the terminal, logs go to cfg.LogFile or nowhere.
func NewLogger(app string, cfg config.ClientConfig, interactive bool, stderr io.Writer) (*slog.Logger, func(), error) {
	if !interactive {
		return logging.NewWithWriter(stderr, app, cfg.LogLevel), func() {}, nil
	}
	if cfg.LogFile == "" {
		return logging.NewWithWriter(io.Discard, app, cfg.LogLevel), func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.NewWithWriter(f, app, cfg.LogLevel), func() { f.Close() }, nil
}

// Interactive reports whether the bubbletea view should be used.
func Interactive(cfg config.ClientConfig, out io.Writer) bool {
	return !cfg.NoUI && progress.IsTTY(out)
}

// sessionAux hands non-sync frames to the playback mirror. The receiving side
// asks for the partner's playback state every time the link comes up, so a
// late joiner lands on the song the sender is playing.
type sessionAux struct {
	*playback.Mirror
	logger *slog.Logger
}

func (a sessionAux) HandleConnState(role controller.Role, state transfer.ConnState) {
	if role != controller.RoleReceiver || state != transfer.Connected {
		return
	}
	if err := a.RequestState(); err != nil {
		a.logger.Debug("playback state not requested", "error", err)
	}
}

// Execute runs one session to its end. Cancelling ctx cancels the session.
// tracks seeds the playback list; the receiver refreshes it from the library
// when the session completes.
func Execute(ctx context.Context, cfg config.ClientConfig, env Env, tracks []string, start Start) error {
	if env.Stdout == nil {
		env.Stdout = os.Stdout
	}
	if env.Stdin == nil {
		env.Stdin = os.Stdin
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := env.Dialer
	if dialer == nil {
		d, err := NewDialer(cfg, logger, env.Stdout)
		if err != nil {
			return err
		}
		dialer = d
	}

	lib := library.New(cfg.SharedDir, cfg.PersonalDir, cfg.Extension, logger)
	player := playback.NewListPlayer(trackNames(tracks))
	mirror := playback.NewMirror(player, clock.New(), logger)
	mirror.SetPeer(cfg.Target)

	ctrl := controller.New(controller.Config{
		Dialer:          dialer,
		Library:         lib,
		Port:            cfg.Port,
		Ext:             cfg.Extension,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryDelay:      cfg.RetryDelay,
		AckTimeout:      cfg.AckTimeout,
		PurgeOnCancel:   cfg.PurgeOnCancel,
		Logger:          logger,
		Aux:             sessionAux{Mirror: mirror, logger: logger},
		OnComplete: func(role controller.Role, peer string) {
			if role != controller.RoleReceiver {
				return
			}
			if saved, err := lib.List(); err == nil {
				player.SetTracks(trackNames(saved))
			}
		},
	})

	if err := start(ctx, ctrl); err != nil {
		return err
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			ctrl.Cancel()
		case <-stopWatch:
		}
	}()

	meter := progress.NewMeter()
	view := func() progress.View {
		return buildView(ctrl.Progress(), meter, player)
	}
	var stopUI func()
	if Interactive(cfg, env.Stdout) {
		run := func(cmd playback.Command) func() {
			return func() { mirror.Execute(playback.CallContext{Command: cmd, Source: "keyboard"}) }
		}
		stopUI = progress.RunInteractive(ctx, env.Stdin, env.Stdout, view, progress.Keys{
			Cancel:    func() { go ctrl.Cancel() },
			PlayPause: run(playback.PlayToggle),
			Next:      run(playback.Next),
			Prev:      run(playback.Prev),
			Stop:      run(playback.Stop),
		})
	} else {
		stopUI = progress.RenderPlain(ctx, env.Stdout, progress.DefaultPlainInterval, view)
	}

	err := ctrl.Wait(context.Background())
	stopUI()

	p := ctrl.Progress()
	switch {
	case err == nil:
		fmt.Fprintf(env.Stdout, "sync with %s complete: %d/%d files\n", p.Peer, p.FilesDone, p.Files)
	case errors.Is(err, controller.ErrCancelled):
		fmt.Fprintf(env.Stdout, "sync with %s cancelled after %d/%d files\n", p.Peer, p.FilesDone, p.Files)
	}
	return err
}

func buildView(p controller.Progress, meter *progress.Meter, player *playback.ListPlayer) progress.View {
	meter.Observe(p.ChunksDone, p.Chunks)
	v := progress.View{
		Role:        string(p.Role),
		Peer:        p.Peer,
		State:       p.State,
		Connected:   p.Connected,
		Files:       p.Files,
		FilesDone:   p.FilesDone,
		CurrentFile: p.CurrentFile,
		Resends:     p.Resends,
		Stats:       meter.Snapshot(),
		ChunkSize:   transfer.MaxChunkSize,
		Done:        p.Done,
	}
	if track := player.Current(); track != "" {
		st := player.State()
		status := "stopped"
		switch {
		case st.Paused:
			status = "paused"
		case st.Playing:
			status = "playing"
		}
		v.Playback = fmt.Sprintf("track %d %s (%s)", st.SongIndex+1, track, status)
	}
	return v
}

func trackNames(paths []string) []string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return names
}
