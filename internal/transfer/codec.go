package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/tracksync/internal/bufpool"
	"github.com/sheerbytes/tracksync/internal/fingerprint"
)

const (
	frameMagic = "TSY1"

	// MaxChunkSize is the largest DATA payload.
	MaxChunkSize = bufpool.BlockSize

	maxNameLength = 0xFFFF

	// headerSize covers magic, type and epoch.
	headerSize = len(frameMagic) + 1 + 4
)

// MsgType identifies a frame body.
type MsgType byte

const (
	TypeManifest     MsgType = 0x01
	TypeNeededFiles  MsgType = 0x02
	TypeFileCount    MsgType = 0x03
	TypeData         MsgType = 0x04
	TypeAck          MsgType = 0x05
	TypeCommand      MsgType = 0x10
	TypeStateRequest MsgType = 0x11
	TypeState        MsgType = 0x12
)

func (t MsgType) String() string {
	switch t {
	case TypeManifest:
		return "MANIFEST"
	case TypeNeededFiles:
		return "NEEDED_FILES"
	case TypeFileCount:
		return "FILE_COUNT"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeCommand:
		return "COMMAND"
	case TypeStateRequest:
		return "STATE_REQUEST"
	case TypeState:
		return "STATE"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// IsSync reports whether t belongs to the file synchronization exchange.
func (t MsgType) IsSync() bool {
	return t >= TypeManifest && t <= TypeAck
}

var (
	// ErrInvalidMagic is returned when a frame does not start with the magic bytes.
	ErrInvalidMagic = errors.New("invalid frame magic")
	// ErrUnknownType is returned for an unrecognized message type.
	ErrUnknownType = errors.New("unknown message type")
	// ErrTruncated is returned when a frame ends before its body does.
	ErrTruncated = errors.New("truncated frame")
	// ErrNameTooLong is returned when a file name exceeds the wire limit.
	ErrNameTooLong = errors.New("file name too long")
	// ErrChunkTooLarge is returned when a DATA payload exceeds MaxChunkSize.
	ErrChunkTooLarge = errors.New("chunk payload too large")
)

// Message is any frame body.
type Message interface {
	Type() MsgType
}

// ManifestMsg lists the files a sender offers.
type ManifestMsg struct {
	Entries []fingerprint.FileFingerprint
}

// NeededFilesMsg names the files a receiver still needs, in order.
type NeededFilesMsg struct {
	Names []string
}

// FileCountMsg announces how many files will stream on this connection.
type FileCountMsg struct {
	Count int32
}

// DataMsg carries one chunk of a file.
type DataMsg struct {
	Name         string
	DeclaredSize int32
	ChunkIndex   int32
	TotalChunks  int32
	Payload      []byte
}

// AckMsg acknowledges one DATA frame. Within an epoch the name and index
// pair names exactly one frame.
type AckMsg struct {
	Name       string
	ChunkIndex int32
}

// CommandMsg carries a playback command byte.
type CommandMsg struct {
	Command byte
}

// StateRequestMsg asks the peer for its playback state.
type StateRequestMsg struct{}

// StateMsg reports playback state.
type StateMsg struct {
	SongIndex int32
	Playing   bool
	Paused    bool
}

func (ManifestMsg) Type() MsgType     { return TypeManifest }
func (NeededFilesMsg) Type() MsgType  { return TypeNeededFiles }
func (FileCountMsg) Type() MsgType    { return TypeFileCount }
func (DataMsg) Type() MsgType         { return TypeData }
func (AckMsg) Type() MsgType          { return TypeAck }
func (CommandMsg) Type() MsgType      { return TypeCommand }
func (StateRequestMsg) Type() MsgType { return TypeStateRequest }
func (StateMsg) Type() MsgType        { return TypeState }

// Frame is a decoded message with its epoch.
type Frame struct {
	Epoch uint32
	Msg   Message
}

// Encode serializes msg into a frame tagged with epoch.
func Encode(epoch uint32, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(headerSize + bodySizeHint(msg))
	buf.WriteString(frameMagic)
	buf.WriteByte(byte(msg.Type()))
	writeUint32(&buf, epoch)

	switch m := msg.(type) {
	case ManifestMsg:
		writeUint32(&buf, uint32(len(m.Entries)))
		for _, e := range m.Entries {
			if err := writeName(&buf, e.Name); err != nil {
				return nil, err
			}
			writeUint32(&buf, uint32(int32(e.Size)))
			writeUint32(&buf, uint32(e.Checksum))
		}
	case NeededFilesMsg:
		writeUint32(&buf, uint32(len(m.Names)))
		for _, name := range m.Names {
			if err := writeName(&buf, name); err != nil {
				return nil, err
			}
		}
	case FileCountMsg:
		writeUint32(&buf, uint32(m.Count))
	case DataMsg:
		if len(m.Payload) > MaxChunkSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(m.Payload))
		}
		if err := writeName(&buf, m.Name); err != nil {
			return nil, err
		}
		writeUint32(&buf, uint32(m.DeclaredSize))
		writeUint32(&buf, uint32(m.ChunkIndex))
		writeUint32(&buf, uint32(m.TotalChunks))
		writeUint32(&buf, uint32(len(m.Payload)))
		buf.Write(m.Payload)
	case AckMsg:
		if err := writeName(&buf, m.Name); err != nil {
			return nil, err
		}
		writeUint32(&buf, uint32(m.ChunkIndex))
	case CommandMsg:
		buf.WriteByte(m.Command)
	case StateRequestMsg:
	case StateMsg:
		writeUint32(&buf, uint32(m.SongIndex))
		buf.WriteByte(boolByte(m.Playing))
		buf.WriteByte(boolByte(m.Paused))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return buf.Bytes(), nil
}

// PeekType returns the message type of a frame without decoding its body.
func PeekType(frame []byte) (MsgType, error) {
	if len(frame) < headerSize {
		return 0, ErrTruncated
	}
	if string(frame[:len(frameMagic)]) != frameMagic {
		return 0, ErrInvalidMagic
	}
	return MsgType(frame[len(frameMagic)]), nil
}

// Decode parses a frame. DATA payloads alias frame.
func Decode(frame []byte) (Frame, error) {
	t, err := PeekType(frame)
	if err != nil {
		return Frame{}, err
	}
	r := bytes.NewReader(frame[len(frameMagic)+1:])
	epoch, err := readUint32(r, "epoch")
	if err != nil {
		return Frame{}, err
	}
	out := Frame{Epoch: epoch}

	switch t {
	case TypeManifest:
		count, err := readUint32(r, "manifest count")
		if err != nil {
			return Frame{}, err
		}
		// Each entry needs at least 10 bytes.
		if int64(count)*10 > int64(r.Len()) {
			return Frame{}, fmt.Errorf("manifest count %d: %w", count, ErrTruncated)
		}
		m := ManifestMsg{Entries: make([]fingerprint.FileFingerprint, 0, count)}
		for i := uint32(0); i < count; i++ {
			name, err := readName(r)
			if err != nil {
				return Frame{}, err
			}
			size, err := readUint32(r, "entry size")
			if err != nil {
				return Frame{}, err
			}
			sum, err := readUint32(r, "entry checksum")
			if err != nil {
				return Frame{}, err
			}
			m.Entries = append(m.Entries, fingerprint.FileFingerprint{
				Name:     name,
				Size:     int64(int32(size)),
				Checksum: int32(sum),
			})
		}
		out.Msg = m
	case TypeNeededFiles:
		count, err := readUint32(r, "needed count")
		if err != nil {
			return Frame{}, err
		}
		if int64(count)*2 > int64(r.Len()) {
			return Frame{}, fmt.Errorf("needed count %d: %w", count, ErrTruncated)
		}
		m := NeededFilesMsg{Names: make([]string, 0, count)}
		for i := uint32(0); i < count; i++ {
			name, err := readName(r)
			if err != nil {
				return Frame{}, err
			}
			m.Names = append(m.Names, name)
		}
		out.Msg = m
	case TypeFileCount:
		count, err := readUint32(r, "file count")
		if err != nil {
			return Frame{}, err
		}
		out.Msg = FileCountMsg{Count: int32(count)}
	case TypeData:
		var m DataMsg
		if m.Name, err = readName(r); err != nil {
			return Frame{}, err
		}
		var fields [4]uint32
		for i, op := range []string{"declared size", "chunk index", "total chunks", "payload length"} {
			if fields[i], err = readUint32(r, op); err != nil {
				return Frame{}, err
			}
		}
		m.DeclaredSize = int32(fields[0])
		m.ChunkIndex = int32(fields[1])
		m.TotalChunks = int32(fields[2])
		n := fields[3]
		if n > MaxChunkSize {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, n)
		}
		if int64(n) > int64(r.Len()) {
			return Frame{}, fmt.Errorf("payload: %w", ErrTruncated)
		}
		start := len(frame) - r.Len()
		m.Payload = frame[start : start+int(n) : start+int(n)]
		out.Msg = m
	case TypeAck:
		name, err := readName(r)
		if err != nil {
			return Frame{}, err
		}
		idx, err := readUint32(r, "ack index")
		if err != nil {
			return Frame{}, err
		}
		out.Msg = AckMsg{Name: name, ChunkIndex: int32(idx)}
	case TypeCommand:
		b, err := readByte(r, "command")
		if err != nil {
			return Frame{}, err
		}
		out.Msg = CommandMsg{Command: b}
	case TypeStateRequest:
		out.Msg = StateRequestMsg{}
	case TypeState:
		idx, err := readUint32(r, "song index")
		if err != nil {
			return Frame{}, err
		}
		playing, err := readByte(r, "playing")
		if err != nil {
			return Frame{}, err
		}
		paused, err := readByte(r, "paused")
		if err != nil {
			return Frame{}, err
		}
		out.Msg = StateMsg{SongIndex: int32(idx), Playing: playing != 0, Paused: paused != 0}
	default:
		return Frame{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return out, nil
}

// ChunkCount returns the number of DATA chunks needed for size bytes.
// A zero-byte file still takes one empty chunk.
func ChunkCount(size int64) int32 {
	if size <= 0 {
		return 1
	}
	return int32((size + MaxChunkSize - 1) / MaxChunkSize)
}

func bodySizeHint(msg Message) int {
	if m, ok := msg.(DataMsg); ok {
		return 2 + len(m.Name) + 16 + len(m.Payload)
	}
	return 64
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeName(buf *bytes.Buffer, name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(name)))
	buf.Write(b[:])
	buf.WriteString(name)
	return nil
}

func readFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read %s: %w", op, ErrTruncated)
		}
		return fmt.Errorf("read %s: %w", op, err)
	}
	return nil
}

func readByte(r io.Reader, op string) (byte, error) {
	var b [1]byte
	if err := readFull(r, b[:], op); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint16(r io.Reader, op string) (uint16, error) {
	var b [2]byte
	if err := readFull(r, b[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader, op string) (uint32, error) {
	var b [4]byte
	if err := readFull(r, b[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readName(r io.Reader) (string, error) {
	n, err := readUint16(r, "name length")
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if err := readFull(r, buf, "name"); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}
