package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// DefaultPlainInterval is how often RenderPlain prints a line.
const DefaultPlainInterval = time.Second

// View is what the progress renderers show for one session.
type View struct {
	Role        string
	Peer        string
	State       string
	Connected   bool
	Files       int
	FilesDone   int
	CurrentFile string
	Resends     int
	Stats       Stats
	ChunkSize   int
	Playback    string // optional playback status line
	Done        bool
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	}
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Render formats v as a few lines. color enables ANSI colors.
func Render(v View, color bool) string {
	var b strings.Builder
	status := v.State
	if status == "" {
		status = "-"
	}
	statusColor := colorCyan
	switch {
	case v.Done:
		statusColor = colorGreen
	case !v.Connected:
		statusColor = colorRed
	}
	fmt.Fprintf(&b, "%s %s  %s\n", v.Role, v.Peer, colorize(status, statusColor, color))
	fmt.Fprintf(&b, "%s\n", colorize(formatProgressLine(v), colorGreen, color))

	current := v.CurrentFile
	if current == "" {
		current = "-"
	}
	line := fmt.Sprintf("file: %s (%s)", current, formatFileCount(v.FilesDone, v.Files))
	if v.Resends > 0 {
		line += fmt.Sprintf("  resends=%d", v.Resends)
	}
	fmt.Fprintf(&b, "%s\n", colorize(line, colorCyan, color))
	if v.Playback != "" {
		fmt.Fprintf(&b, "%s\n", v.Playback)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// RenderLine is the single-line form used when output is not a terminal.
func RenderLine(v View) string {
	return fmt.Sprintf("%s peer=%s state=%s files=%s %s",
		v.Role, v.Peer, v.State, formatFileCount(v.FilesDone, v.Files), formatProgressLine(v))
}

// RenderPlain prints RenderLine to w every interval until ctx is done or the
// returned stop func is called. The final state is printed on stop.
func RenderPlain(ctx context.Context, w io.Writer, interval time.Duration, view func() View) func() {
	if interval <= 0 {
		interval = DefaultPlainInterval
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				fmt.Fprintln(w, RenderLine(view()))
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stop)
		<-done
		fmt.Fprintln(w, RenderLine(view()))
	}
}

func formatProgressLine(v View) string {
	bar := renderBar(v.Stats.Percent, 20)
	chunkSize := float64(v.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return fmt.Sprintf("%s %5.1f%%  %s  ETA %s  (chunks %d/%d)",
		bar,
		v.Stats.Percent,
		formatRate(v.Stats.Rate*chunkSize),
		formatETA(v.Stats.ETA),
		v.Stats.Done,
		v.Stats.Total,
	)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
	)
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatFileCount(done, total int) string {
	if total <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", done, total)
}
