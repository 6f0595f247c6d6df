package progress

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestRenderBar(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{-5, "[" + strings.Repeat("░", 10) + "]"},
		{50, "[" + strings.Repeat("█", 5) + strings.Repeat("░", 5) + "]"},
		{250, "[" + strings.Repeat("█", 10) + "]"},
	}
	for _, tt := range tests {
		if got := renderBar(tt.percent, 10); got != tt.want {
			t.Errorf("renderBar(%v) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

func TestFormatters(t *testing.T) {
	if got := formatETA(0); got != "--:--:--" {
		t.Errorf("formatETA(0) = %q", got)
	}
	if got := formatETA(3723 * time.Second); got != "01:02:03" {
		t.Errorf("formatETA = %q, want 01:02:03", got)
	}
	if got := formatRate(2 * 1024 * 1024); got != "2.0 MB/s" {
		t.Errorf("formatRate = %q", got)
	}
	if got := formatRate(512); got != "512 B/s" {
		t.Errorf("formatRate = %q", got)
	}
	if got := formatFileCount(1, 0); got != "-" {
		t.Errorf("formatFileCount = %q", got)
	}
}

func TestRender(t *testing.T) {
	v := View{
		Role:        "receiver",
		Peer:        "alice",
		State:       "receiving",
		Connected:   true,
		Files:       3,
		FilesDone:   1,
		CurrentFile: "b.mp3",
		Resends:     2,
		Stats:       Stats{Done: 5, Total: 10, Percent: 50, Rate: 2},
		ChunkSize:   1024,
		Playback:    "track 2 playing",
	}
	out := Render(v, false)
	for _, want := range []string{"receiver alice  receiving", "50.0%", "2 KB/s", "chunks 5/10", "file: b.mp3 (1/3)", "resends=2", "track 2 playing"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("Render without color emitted ANSI codes")
	}
	if !strings.Contains(Render(v, true), colorGreen) {
		t.Error("Render with color emitted no ANSI codes")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRenderPlainPrintsFinalState(t *testing.T) {
	var out syncBuffer
	state := "connecting"
	var mu sync.Mutex
	view := func() View {
		mu.Lock()
		defer mu.Unlock()
		return View{Role: "sender", Peer: "bob", State: state}
	}
	stop := RenderPlain(context.Background(), &out, 10*time.Millisecond, view)
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	state = "complete"
	mu.Unlock()
	stop()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.Contains(lines[len(lines)-1], "state=complete") {
		t.Fatalf("last line = %q, want final state", lines[len(lines)-1])
	}
}

func TestTeaModelKeys(t *testing.T) {
	var got []string
	record := func(name string) func() { return func() { got = append(got, name) } }
	m := teaModel{
		viewFn: func() View { return View{State: "streaming"} },
		keys: Keys{
			Cancel:    record("cancel"),
			PlayPause: record("play"),
			Next:      record("next"),
			Prev:      record("prev"),
		},
	}

	keys := []tea.KeyMsg{
		{Type: tea.KeySpace, Runes: []rune{' '}},
		{Type: tea.KeyRunes, Runes: []rune{'n'}},
		{Type: tea.KeyRunes, Runes: []rune{'p'}},
		{Type: tea.KeyRunes, Runes: []rune{'s'}}, // Stop unset
		{Type: tea.KeyRunes, Runes: []rune{'x'}},
		{Type: tea.KeyEsc},
	}
	var model tea.Model = m
	for _, k := range keys {
		var cmd tea.Cmd
		model, cmd = model.Update(k)
		if cmd != nil {
			t.Fatalf("key %q returned a command", k.String())
		}
	}

	want := []string{"play", "next", "prev", "cancel"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	if !strings.Contains(model.View(), "streaming") {
		t.Errorf("view not refreshed: %q", model.View())
	}
}

func TestTeaModelStop(t *testing.T) {
	m := teaModel{viewFn: func() View { return View{State: "complete", Done: true} }}
	model, cmd := m.Update(stopMsg{})
	if cmd == nil {
		t.Fatal("stop should quit the program")
	}
	if !strings.Contains(model.View(), "complete") {
		t.Errorf("final view not rendered: %q", model.View())
	}
}
