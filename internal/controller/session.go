package controller

import (
	"log/slog"
	"sync"

	"github.com/sheerbytes/tracksync/internal/transfer"
)

type event struct {
	isState bool
	state   transfer.ConnState
	frame   []byte
}

// eventQueue is the transfer.Handler handed to the dialer. Transports call it
// from their own goroutines; it never blocks.
type eventQueue struct {
	mu    sync.Mutex
	items []event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) HandleConnState(state transfer.ConnState) {
	q.push(event{isState: true, state: state})
}

func (q *eventQueue) HandleMessage(frame []byte) {
	q.push(event{frame: frame})
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

type session struct {
	role   Role
	peer   string
	logger *slog.Logger

	link     transfer.Link
	events   *eventQueue
	sender   *transfer.Sender
	receiver *transfer.Receiver

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	err        error

	connected bool

	mu   sync.Mutex
	prog Progress
}

func (c *Controller) newSession(role Role, peer string) *session {
	return &session{
		role:   role,
		peer:   peer,
		logger: c.logger.With("peer", peer, "role", string(role)),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		prog:   Progress{Role: role, Peer: peer, State: "connecting"},
	}
}

func (s *session) setConnected(v bool) {
	s.connected = v
}

func (s *session) handleConnected() {
	if s.sender != nil {
		s.sender.HandleConnected()
	} else {
		s.receiver.HandleConnected()
	}
}

func (s *session) handleDisconnected() {
	if s.sender != nil {
		s.sender.HandleDisconnected()
	} else {
		s.receiver.HandleDisconnected()
	}
}

func (s *session) handleMessage(frame []byte) {
	if s.sender != nil {
		s.sender.HandleMessage(frame)
	} else {
		s.receiver.HandleMessage(frame)
	}
}

func (s *session) complete() bool {
	if s.sender != nil {
		return s.sender.Drained()
	}
	return s.receiver.Complete()
}

// refresh publishes a progress snapshot. Called on the session goroutine only.
func (s *session) refresh() {
	p := Progress{Role: s.role, Peer: s.peer, Connected: s.connected}
	if s.sender != nil {
		st := s.sender.Stats()
		p.State = st.State.String()
		p.Files = st.FilesTotal
		p.FilesDone = st.FilesSent
		p.Chunks = st.ChunksTotal
		p.ChunksDone = st.ChunksSent
		p.CurrentFile = st.CurrentFile
		p.Resends = st.Resends
		p.Done = st.State == transfer.SenderDrained
	} else {
		rp := s.receiver.Progress()
		p.State = "receiving"
		if rp.Complete {
			p.State = "complete"
		}
		p.Files = rp.ExpectedFiles
		p.FilesDone = rp.CompletedFiles
		p.Chunks = rp.TotalExpectedChunks
		p.ChunksDone = rp.ReceivedChunks
		p.Done = rp.Complete
	}
	s.mu.Lock()
	s.prog = p
	s.mu.Unlock()
}

func (s *session) setState(state string) {
	s.mu.Lock()
	s.prog.State = state
	s.mu.Unlock()
}

func (s *session) snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prog
}

func (s *session) close(err error) {
	s.err = err
	close(s.done)
}
