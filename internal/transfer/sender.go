package transfer

import (
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/sheerbytes/tracksync/internal/fingerprint"
	"github.com/sheerbytes/tracksync/pkg/manifest"
)

// SenderState is the phase of a sender session.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderManifestPending
	SenderAwaitingNeeded
	SenderStreaming
	SenderDrained
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderManifestPending:
		return "manifest-pending"
	case SenderAwaitingNeeded:
		return "awaiting-needed"
	case SenderStreaming:
		return "streaming"
	case SenderDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// PendingFile is a file queued for one peer.
type PendingFile struct {
	Peer        string
	Name        string
	Path        string
	Bytes       []byte
	TotalChunks int32
	SentChunks  int32
}

// SenderStats is a snapshot of sender progress.
type SenderStats struct {
	State       SenderState
	Epoch       uint32
	FilesTotal  int
	FilesSent   int
	CurrentFile string
	ChunksSent  int64
	ChunksTotal int64
	Resends     int
}

// Sender drives the sending side of one peer session. It is not safe for
// concurrent use; all methods must be called from the owning goroutine.
type Sender struct {
	peer       string
	candidates []string
	opts       Options
	clock      clock.Clock
	logger     *slog.Logger
	link       Link

	state    SenderState
	epoch    uint32
	manifest manifest.Manifest

	queue       []*PendingFile
	current     *PendingFile
	outstanding int32
	frame       []byte
	deadline    time.Time

	filesTotal  int
	filesSent   int
	chunksAcked int64
	chunksTotal int64
	resends     int
}

// NewSender creates a sender for peer offering candidates. The candidate list
// is kept as given and every connection rebuilds its manifest from it.
func NewSender(peer string, candidates []string, opts Options, clk clock.Clock, logger *slog.Logger) *Sender {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		peer:        peer,
		candidates:  append([]string(nil), candidates...),
		opts:        NormalizeOptions(opts),
		clock:       clk,
		logger:      logger.With("peer", peer, "role", "sender"),
		outstanding: -1,
	}
}

// SetLink sets the link frames are sent on.
func (s *Sender) SetLink(l Link) {
	s.link = l
}

// Candidates returns the original candidate list.
func (s *Sender) Candidates() []string {
	return append([]string(nil), s.candidates...)
}

// Epoch returns the epoch of the current connection.
func (s *Sender) Epoch() uint32 {
	return s.epoch
}

// Drained reports whether every needed file has been acknowledged.
func (s *Sender) Drained() bool {
	return s.state == SenderDrained
}

// Stats returns a progress snapshot.
func (s *Sender) Stats() SenderStats {
	st := SenderStats{
		State:       s.state,
		Epoch:       s.epoch,
		FilesTotal:  s.filesTotal,
		FilesSent:   s.filesSent,
		ChunksSent:  s.chunksAcked,
		ChunksTotal: s.chunksTotal,
		Resends:     s.resends,
	}
	if s.current != nil {
		st.CurrentFile = s.current.Name
		st.ChunksSent += int64(s.current.SentChunks)
	}
	return st
}

// HandleConnected starts a new exchange: the manifest is rebuilt from the
// original candidates under a fresh epoch and sent.
func (s *Sender) HandleConnected() {
	if s.state == SenderDrained {
		return
	}
	if s.state != SenderIdle {
		s.logger.Debug("connected while exchange in progress", "state", s.state)
		return
	}
	s.epoch++
	s.manifest = manifest.Build(s.candidates, s.opts.Ext, s.logger)
	s.queue = s.queue[:0]
	for _, e := range s.manifest.Entries {
		s.queue = append(s.queue, &PendingFile{
			Peer:        s.peer,
			Name:        e.Name,
			Path:        e.Path,
			TotalChunks: ChunkCount(e.Size),
		})
	}
	s.state = SenderManifestPending
	s.logger.Info("peer connected",
		"epoch", s.epoch,
		"manifest_id", manifest.ID(s.manifest),
		"files", len(s.manifest.Entries),
		"bytes", s.manifest.TotalBytes())
	s.sendManifest()
}

// HandleDisconnected drops all per-connection state. The candidate list and
// the files already acknowledged survive.
func (s *Sender) HandleDisconnected() {
	if s.state == SenderDrained || s.state == SenderIdle {
		return
	}
	if s.current != nil {
		s.logger.Info("transfer interrupted", "name", s.current.Name,
			"chunks_acked", s.current.SentChunks, "total_chunks", s.current.TotalChunks)
	}
	s.state = SenderIdle
	s.queue = nil
	s.current = nil
	s.clearOutstanding()
	s.filesTotal = s.filesSent
	s.chunksTotal = s.chunksAcked
}

// HandleMessage processes one inbound frame.
func (s *Sender) HandleMessage(payload []byte) {
	f, err := Decode(payload)
	if err != nil {
		s.logger.Warn("undecodable frame dropped", "error", err)
		return
	}
	if f.Epoch != s.epoch {
		s.logger.Debug("stale frame dropped", "type", f.Msg.Type(), "epoch", f.Epoch, "active_epoch", s.epoch)
		return
	}
	switch m := f.Msg.(type) {
	case NeededFilesMsg:
		s.handleNeeded(m)
	case AckMsg:
		s.handleAck(m)
	default:
		s.logger.Debug("unexpected message dropped", "type", f.Msg.Type())
	}
}

// Tick resends the outstanding chunk once its deadline has passed, and
// retries a manifest whose send failed.
func (s *Sender) Tick(now time.Time) {
	if s.state == SenderManifestPending {
		s.sendManifest()
		return
	}
	if s.outstanding < 0 || now.Before(s.deadline) {
		return
	}
	s.resends++
	s.deadline = now.Add(s.opts.AckTimeout)
	s.logger.Debug("ack timeout, resending chunk", "name", s.current.Name, "chunk", s.outstanding)
	s.send(s.frame)
}

func (s *Sender) sendManifest() {
	msg := ManifestMsg{Entries: make([]fingerprint.FileFingerprint, 0, len(s.manifest.Entries))}
	for _, e := range s.manifest.Entries {
		msg.Entries = append(msg.Entries, e.FileFingerprint)
	}
	frame, err := Encode(s.epoch, msg)
	if err != nil {
		s.logger.Error("encode manifest", "error", err)
		return
	}
	if !s.send(frame) {
		return
	}
	s.state = SenderAwaitingNeeded
}

func (s *Sender) handleNeeded(m NeededFilesMsg) {
	if s.state != SenderAwaitingNeeded {
		s.logger.Warn("needed files outside of exchange", "state", s.state)
		return
	}
	wanted := make(map[string]struct{}, len(m.Names))
	for _, name := range m.Names {
		wanted[name] = struct{}{}
	}

	kept := s.queue[:0]
	for _, pf := range s.queue {
		if _, ok := wanted[pf.Name]; !ok {
			continue
		}
		data, err := os.ReadFile(pf.Path)
		if err != nil {
			s.logger.Error("read failed, file dropped", "name", pf.Name, "error", err)
			continue
		}
		if len(data) > math.MaxInt32 {
			s.logger.Error("file too large, dropped", "name", pf.Name, "size", len(data))
			continue
		}
		pf.Bytes = data
		pf.TotalChunks = ChunkCount(int64(len(data)))
		kept = append(kept, pf)
	}
	s.queue = kept

	s.filesTotal = s.filesSent + len(kept)
	s.chunksTotal = s.chunksAcked
	for _, pf := range kept {
		s.chunksTotal += int64(pf.TotalChunks)
	}

	frame, err := Encode(s.epoch, FileCountMsg{Count: int32(len(kept))})
	if err != nil {
		s.logger.Error("encode file count", "error", err)
		return
	}
	s.send(frame)
	s.logger.Info("needed set received", "requested", len(m.Names), "sending", len(kept))

	s.state = SenderStreaming
	s.nextFile()
}

func (s *Sender) handleAck(m AckMsg) {
	if s.state != SenderStreaming || s.current == nil {
		s.logger.Debug("ack outside of streaming dropped", "name", m.Name, "chunk", m.ChunkIndex)
		return
	}
	if m.Name != s.current.Name || m.ChunkIndex != s.outstanding {
		s.logger.Debug("ack mismatch dropped",
			"name", m.Name, "chunk", m.ChunkIndex,
			"current", s.current.Name, "outstanding", s.outstanding)
		return
	}
	s.clearOutstanding()
	s.current.SentChunks++
	if s.current.SentChunks < s.current.TotalChunks {
		s.sendChunk(s.current.SentChunks)
		return
	}

	s.filesSent++
	s.chunksAcked += int64(s.current.TotalChunks)
	s.logger.Info("file sent", "name", s.current.Name, "size", len(s.current.Bytes),
		"files_sent", s.filesSent, "files_total", s.filesTotal)
	s.current.Bytes = nil
	s.current = nil
	s.nextFile()
}

func (s *Sender) nextFile() {
	if len(s.queue) == 0 {
		s.state = SenderDrained
		s.logger.Info("all files sent", "files", s.filesSent, "resends", s.resends)
		return
	}
	s.current = s.queue[0]
	s.queue = s.queue[1:]
	s.logger.Debug("sending file", "name", s.current.Name, "chunks", s.current.TotalChunks)
	s.sendChunk(0)
}

func (s *Sender) sendChunk(idx int32) {
	pf := s.current
	start := int(idx) * MaxChunkSize
	end := start + MaxChunkSize
	if end > len(pf.Bytes) {
		end = len(pf.Bytes)
	}
	frame, err := Encode(s.epoch, DataMsg{
		Name:         pf.Name,
		DeclaredSize: int32(len(pf.Bytes)),
		ChunkIndex:   idx,
		TotalChunks:  pf.TotalChunks,
		Payload:      pf.Bytes[start:end],
	})
	if err != nil {
		s.logger.Error("encode chunk", "name", pf.Name, "chunk", idx, "error", err)
		return
	}
	s.outstanding = idx
	s.frame = frame
	s.deadline = s.clock.Now().Add(s.opts.AckTimeout)
	s.send(frame)
}

func (s *Sender) clearOutstanding() {
	s.outstanding = -1
	s.frame = nil
	s.deadline = time.Time{}
}

// send reports whether the frame was handed to the link.
func (s *Sender) send(frame []byte) bool {
	if s.link == nil {
		s.logger.Warn("no link, frame not sent")
		return false
	}
	if err := s.link.Send(frame); err != nil {
		s.logger.Warn("send failed", "error", err)
		return false
	}
	return true
}
