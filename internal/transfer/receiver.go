package transfer

import (
	"bytes"
	"log/slog"

	"github.com/sheerbytes/tracksync/internal/fingerprint"
	"github.com/sheerbytes/tracksync/internal/library"
	"github.com/sheerbytes/tracksync/pkg/manifest"
)

// ReceivingFile collects the chunks of one file until all have arrived.
type ReceivingFile struct {
	Name         string
	DeclaredSize int32
	TotalChunks  int32
	Chunks       map[int32][]byte
}

func (rf *ReceivingFile) assemble() []byte {
	var buf bytes.Buffer
	buf.Grow(int(rf.DeclaredSize))
	for i := int32(0); i < rf.TotalChunks; i++ {
		buf.Write(rf.Chunks[i])
	}
	return buf.Bytes()
}

// ReceiverProgress is a snapshot of receiver progress.
type ReceiverProgress struct {
	ReceivedChunks      int64
	TotalExpectedChunks int64
	CompletedFiles      int
	ExpectedFiles       int
	Complete            bool
}

// Receiver drives the receiving side of one peer session. It is not safe for
// concurrent use; all methods must be called from the owning goroutine.
type Receiver struct {
	lib        *library.Library
	logger     *slog.Logger
	link       Link
	onComplete func()

	epoch      uint32
	countKnown bool

	expected  int
	completed int
	files     map[string]*ReceivingFile
	done      map[string]struct{}
	saved     []string

	completedChunks int64
	neededChunks    int64
	complete        bool
}

// NewReceiver creates a receiver that materializes files into lib.
// onComplete, if set, runs exactly once when the session completes.
func NewReceiver(lib *library.Library, onComplete func(), logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		lib:        lib,
		logger:     logger.With("role", "receiver"),
		onComplete: onComplete,
		files:      make(map[string]*ReceivingFile),
		done:       make(map[string]struct{}),
	}
}

// SetLink sets the link replies are sent on.
func (r *Receiver) SetLink(l Link) {
	r.link = l
}

// Complete reports whether every expected file has been saved.
func (r *Receiver) Complete() bool {
	return r.complete
}

// Epoch returns the epoch adopted from the last manifest.
func (r *Receiver) Epoch() uint32 {
	return r.epoch
}

// Progress returns a progress snapshot.
func (r *Receiver) Progress() ReceiverProgress {
	p := ReceiverProgress{
		ReceivedChunks:      r.completedChunks,
		TotalExpectedChunks: r.completedChunks + r.neededChunks,
		CompletedFiles:      r.completed,
		ExpectedFiles:       r.expected,
		Complete:            r.complete,
	}
	for _, rf := range r.files {
		p.ReceivedChunks += int64(len(rf.Chunks))
	}
	return p
}

// SavedFiles returns the names materialized during this session.
func (r *Receiver) SavedFiles() []string {
	return append([]string(nil), r.saved...)
}

// Discard drops every partially received file without touching disk.
func (r *Receiver) Discard() {
	for name := range r.files {
		r.logger.Debug("discarding partial file", "name", name)
	}
	r.files = make(map[string]*ReceivingFile)
	r.neededChunks = 0
}

// HandleConnected is a no-op: the sender opens every exchange.
func (r *Receiver) HandleConnected() {
	r.logger.Debug("peer connected")
}

// HandleDisconnected keeps partial files and the active epoch. DATA for that
// epoch is still accepted until the next manifest replaces it, so a partner
// that never saw the drop can carry on.
func (r *Receiver) HandleDisconnected() {
	if len(r.files) > 0 {
		r.logger.Info("peer disconnected with partial files", "partial", len(r.files))
	}
}

// HandleMessage processes one inbound frame.
func (r *Receiver) HandleMessage(payload []byte) {
	f, err := Decode(payload)
	if err != nil {
		r.logger.Warn("undecodable frame dropped", "error", err)
		return
	}
	if m, ok := f.Msg.(ManifestMsg); ok {
		r.handleManifest(f.Epoch, m)
		return
	}
	if f.Epoch != r.epoch {
		r.logger.Debug("stale frame dropped", "type", f.Msg.Type(), "epoch", f.Epoch, "active_epoch", r.epoch)
		return
	}
	switch m := f.Msg.(type) {
	case FileCountMsg:
		r.handleFileCount(m)
	case DataMsg:
		r.handleData(m)
	default:
		r.logger.Debug("unexpected message dropped", "type", f.Msg.Type())
	}
}

func (r *Receiver) handleManifest(epoch uint32, m ManifestMsg) {
	r.epoch = epoch
	r.countKnown = false

	mf := manifest.Manifest{Entries: make([]manifest.Entry, len(m.Entries))}
	for i, fp := range m.Entries {
		mf.Entries[i] = manifest.Entry{FileFingerprint: fp}
	}
	needed := manifest.ComputeNeeded(mf, r.lib, r.logger)

	r.neededChunks = 0
	for _, name := range needed {
		delete(r.done, name)
		if e, ok := mf.Lookup(name); ok {
			r.neededChunks += int64(ChunkCount(e.Size))
		}
	}
	for name, rf := range r.files {
		e, ok := mf.Lookup(name)
		if !ok || !needed.Contains(name) || !sameShape(rf, e.FileFingerprint) {
			r.logger.Debug("dropping retained partial file", "name", name)
			delete(r.files, name)
		}
	}

	r.logger.Info("manifest received",
		"epoch", epoch,
		"manifest_id", manifest.ID(mf),
		"offered", len(m.Entries),
		"offered_bytes", mf.TotalBytes(),
		"needed", len(needed))
	r.logger.Debug("manifest entries", "names", mf.Names(), "needed", []string(needed))

	r.reply(NeededFilesMsg{Names: needed})
	if len(needed) == 0 {
		r.markComplete()
	}
}

func (r *Receiver) handleFileCount(m FileCountMsg) {
	if m.Count < 0 {
		r.logger.Warn("negative file count dropped", "count", m.Count)
		return
	}
	r.countKnown = true
	r.expected = r.completed + int(m.Count)
	r.logger.Info("file count received", "count", m.Count, "expected_total", r.expected)
	if r.completed >= r.expected {
		r.markComplete()
	}
}

func (r *Receiver) handleData(m DataMsg) {
	if !r.countKnown {
		r.logger.Warn("data before file count dropped", "name", m.Name, "chunk", m.ChunkIndex)
		return
	}
	if m.TotalChunks < 1 || m.ChunkIndex < 0 || m.ChunkIndex >= m.TotalChunks || m.DeclaredSize < 0 {
		r.logger.Warn("chunk out of range dropped", "name", m.Name, "chunk", m.ChunkIndex, "total", m.TotalChunks)
		return
	}
	if _, err := r.lib.SharedPath(m.Name); err != nil {
		r.logger.Warn("chunk for disallowed file dropped", "name", m.Name, "error", err)
		return
	}
	if _, ok := r.done[m.Name]; ok {
		r.ack(m.Name, m.ChunkIndex)
		return
	}

	rf := r.files[m.Name]
	if rf != nil && (rf.DeclaredSize != m.DeclaredSize || rf.TotalChunks != m.TotalChunks) {
		r.logger.Info("file shape changed, restarting", "name", m.Name)
		rf = nil
	}
	if rf == nil {
		rf = &ReceivingFile{
			Name:         m.Name,
			DeclaredSize: m.DeclaredSize,
			TotalChunks:  m.TotalChunks,
			Chunks:       make(map[int32][]byte, m.TotalChunks),
		}
		r.files[m.Name] = rf
	}
	if _, dup := rf.Chunks[m.ChunkIndex]; !dup {
		rf.Chunks[m.ChunkIndex] = append([]byte(nil), m.Payload...)
	}
	r.ack(m.Name, m.ChunkIndex)

	if int32(len(rf.Chunks)) < rf.TotalChunks {
		return
	}
	delete(r.files, m.Name)
	r.finish(rf)
}

func (r *Receiver) finish(rf *ReceivingFile) {
	data := rf.assemble()
	if int64(len(data)) != int64(rf.DeclaredSize) {
		r.logger.Error("assembled size mismatch, file dropped", "name", rf.Name,
			"declared", rf.DeclaredSize, "assembled", len(data))
		return
	}
	if err := r.lib.Save(rf.Name, data); err != nil {
		r.logger.Error("save failed", "name", rf.Name, "error", err)
		return
	}
	r.done[rf.Name] = struct{}{}
	r.saved = append(r.saved, rf.Name)
	r.completed++
	r.completedChunks += int64(rf.TotalChunks)
	r.neededChunks -= int64(rf.TotalChunks)
	if r.neededChunks < 0 {
		r.neededChunks = 0
	}
	r.logger.Info("file received", "name", rf.Name, "size", len(data),
		"completed", r.completed, "expected", r.expected)

	if r.completed >= r.expected {
		r.markComplete()
	}
}

func (r *Receiver) markComplete() {
	if r.complete {
		return
	}
	r.complete = true
	r.logger.Info("receive complete", "files", r.completed)
	if r.onComplete != nil {
		r.onComplete()
	}
}

func (r *Receiver) ack(name string, idx int32) {
	r.reply(AckMsg{Name: name, ChunkIndex: idx})
}

func (r *Receiver) reply(msg Message) {
	frame, err := Encode(r.epoch, msg)
	if err != nil {
		r.logger.Error("encode reply", "type", msg.Type(), "error", err)
		return
	}
	if r.link == nil {
		r.logger.Warn("no link, reply not sent", "type", msg.Type())
		return
	}
	if err := r.link.Send(frame); err != nil {
		r.logger.Warn("send failed", "type", msg.Type(), "error", err)
	}
}

func sameShape(rf *ReceivingFile, fp fingerprint.FileFingerprint) bool {
	return int64(rf.DeclaredSize) == fp.Size && rf.TotalChunks == ChunkCount(fp.Size)
}
