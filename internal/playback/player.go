package playback

import (
	"sort"
	"sync"
)

// State is the observable state of a Player.
type State struct {
	SongIndex int32
	Playing   bool
	Paused    bool
}

// Player is the local playback engine a Mirror drives.
type Player interface {
	PlayToggle()
	Next()
	Prev()
	Stop()
	SetSongIndex(idx int32)
	State() State
}

// ListPlayer keeps playback state over an ordered track list. It does not
// produce audio.
type ListPlayer struct {
	mu      sync.Mutex
	tracks  []string
	idx     int32
	playing bool
	paused  bool
}

// NewListPlayer creates a player over tracks, sorted by name.
func NewListPlayer(tracks []string) *ListPlayer {
	p := &ListPlayer{}
	p.SetTracks(tracks)
	return p
}

// SetTracks replaces the playlist, keeping the index in range.
func (p *ListPlayer) SetTracks(tracks []string) {
	sorted := append([]string(nil), tracks...)
	sort.Strings(sorted)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = sorted
	p.idx = p.clamp(p.idx)
}

func (p *ListPlayer) PlayToggle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracks) == 0 {
		return
	}
	if !p.playing {
		p.playing = true
		p.paused = false
		return
	}
	p.paused = !p.paused
}

func (p *ListPlayer) Next() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracks) == 0 {
		return
	}
	p.idx = (p.idx + 1) % int32(len(p.tracks))
}

func (p *ListPlayer) Prev() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracks) == 0 {
		return
	}
	n := int32(len(p.tracks))
	p.idx = (p.idx - 1 + n) % n
}

func (p *ListPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.paused = false
}

// SetSongIndex moves to idx, clamped to the playlist.
func (p *ListPlayer) SetSongIndex(idx int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx = p.clamp(idx)
}

func (p *ListPlayer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{SongIndex: p.idx, Playing: p.playing && !p.paused, Paused: p.paused}
}

// Current returns the selected track name, or "" for an empty playlist.
func (p *ListPlayer) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracks) == 0 {
		return ""
	}
	return p.tracks[p.idx]
}

func (p *ListPlayer) clamp(idx int32) int32 {
	if idx < 0 || len(p.tracks) == 0 {
		return 0
	}
	if last := int32(len(p.tracks)) - 1; idx > last {
		return last
	}
	return idx
}
