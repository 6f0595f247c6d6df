package progress

import (
	"context"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type tickMsg struct{}
type stopMsg struct{}

const keyHelp = "esc cancel  space play/pause  n next  p prev  s stop"

// Keys maps the interactive view's key presses to actions. Nil fields
// ignore the key.
type Keys struct {
	Cancel    func()
	PlayPause func()
	Next      func()
	Prev      func()
	Stop      func()
}

type teaModel struct {
	viewFn func() View
	keys   Keys
	color  bool
	view   View
}

func (m teaModel) Init() tea.Cmd {
	return nil
}

func (m teaModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "ctrl+c":
			call(m.keys.Cancel)
		case " ":
			call(m.keys.PlayPause)
		case "n":
			call(m.keys.Next)
		case "p":
			call(m.keys.Prev)
		case "s":
			call(m.keys.Stop)
		}
		m.view = m.viewFn()
	case tickMsg:
		m.view = m.viewFn()
	case stopMsg:
		m.view = m.viewFn()
		return m, tea.Quit
	}
	return m, nil
}

func (m teaModel) View() string {
	return Render(m.view, m.color) + "\n" + keyHelp
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// RunInteractive shows the live view on w, reading keys from in, until ctx is
// done or the returned stop func is called. stop waits for the terminal to be
// restored.
func RunInteractive(ctx context.Context, in io.Reader, w io.Writer, view func() View, keys Keys) func() {
	model := teaModel{viewFn: view, keys: keys, color: true, view: view()}
	program := tea.NewProgram(model, tea.WithInput(in), tea.WithOutput(w), tea.WithAltScreen())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_, _ = program.Run()
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				program.Send(stopMsg{})
				return
			case <-stop:
				return
			case <-ticker.C:
				program.Send(tickMsg{})
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stop)
		program.Send(stopMsg{})
		<-exited
	}
}
