package peers

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recorder) send(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) get(i int) Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_AddRemove(t *testing.T) {
	hub := NewHub()
	rec := &recorder{}

	remove := hub.Add("room1", Peer{PeerID: "alice", ConnID: "c1"}, rec.send, nil)
	if !hub.Present("room1", "alice") {
		t.Fatal("alice should be present")
	}
	if peers := hub.List("room1"); len(peers) != 1 || peers[0].PeerID != "alice" {
		t.Fatalf("List = %v, want [alice]", peers)
	}

	remove()
	remove()
	if hub.Present("room1", "alice") {
		t.Error("alice should be gone after remove")
	}
	if hub.Count() != 0 {
		t.Errorf("Count = %d, want 0", hub.Count())
	}
	if peers := hub.List("room1"); len(peers) != 0 {
		t.Errorf("List after remove = %v", peers)
	}
}

func TestHub_ForwardSkipsSender(t *testing.T) {
	hub := NewHub()
	alice, bob := &recorder{}, &recorder{}
	defer hub.Add("room1", Peer{PeerID: "alice", ConnID: "c1"}, alice.send, nil)()
	defer hub.Add("room1", Peer{PeerID: "bob", ConnID: "c2"}, bob.send, nil)()

	n := hub.Forward("room1", "alice", Frame{Binary: true, Data: []byte{1, 2, 3}})
	if n != 1 {
		t.Fatalf("Forward queued for %d peers, want 1", n)
	}
	waitFor(t, func() bool { return bob.count() == 1 })

	got := bob.get(0)
	if !got.Binary || string(got.Data) != "\x01\x02\x03" {
		t.Errorf("bob got %+v", got)
	}
	if alice.count() != 0 {
		t.Errorf("sender received its own frame")
	}
}

func TestHub_ForwardWithoutPartner(t *testing.T) {
	hub := NewHub()
	rec := &recorder{}
	defer hub.Add("room1", Peer{PeerID: "alice", ConnID: "c1"}, rec.send, nil)()

	if n := hub.Forward("room1", "alice", Frame{Data: []byte("x")}); n != 0 {
		t.Errorf("Forward without partner = %d, want 0", n)
	}
	if n := hub.Forward("missing", "alice", Frame{Data: []byte("x")}); n != 0 {
		t.Errorf("Forward to missing room = %d, want 0", n)
	}
}

func TestHub_SendTo(t *testing.T) {
	hub := NewHub()
	rec := &recorder{}
	defer hub.Add("room1", Peer{PeerID: "bob", ConnID: "c1"}, rec.send, nil)()

	if !hub.SendTo("room1", "bob", Frame{Data: []byte("hi")}) {
		t.Fatal("SendTo bob should succeed")
	}
	if hub.SendTo("room1", "carol", Frame{Data: []byte("hi")}) {
		t.Error("SendTo unknown peer should fail")
	}
	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestHub_SendToFullQueue(t *testing.T) {
	hub := NewHub()
	block := make(chan struct{})
	send := func(Frame) error {
		<-block
		return nil
	}
	remove := hub.Add("room1", Peer{PeerID: "bob", ConnID: "c1"}, send, nil)

	dropped := false
	for i := 0; i < sendQueueSize+2; i++ {
		if !hub.SendTo("room1", "bob", Frame{}) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Error("SendTo should report a full queue")
	}
	close(block)
	remove()
}

func TestHub_ReplaceClosesOldConnection(t *testing.T) {
	hub := NewHub()
	var closed atomic.Int32
	oldRec, newRec := &recorder{}, &recorder{}

	removeOld := hub.Add("room1", Peer{PeerID: "alice", ConnID: "c1"}, oldRec.send, func() { closed.Add(1) })
	removeNew := hub.Add("room1", Peer{PeerID: "alice", ConnID: "c2"}, newRec.send, nil)

	if closed.Load() != 1 {
		t.Fatalf("old connection closed %d times, want 1", closed.Load())
	}

	// The stale remove must not unregister the replacement.
	removeOld()
	if !hub.Present("room1", "alice") {
		t.Fatal("replacement should still be present")
	}
	hub.SendTo("room1", "alice", Frame{Data: []byte("x")})
	waitFor(t, func() bool { return newRec.count() == 1 })
	if oldRec.count() != 0 {
		t.Error("replaced connection received a frame")
	}
	removeNew()
}

func TestHub_CloseRoom(t *testing.T) {
	hub := NewHub()
	var closed atomic.Int32
	closeFn := func() { closed.Add(1) }
	removeA := hub.Add("room1", Peer{PeerID: "alice", ConnID: "c1"}, (&recorder{}).send, closeFn)
	removeB := hub.Add("room1", Peer{PeerID: "bob", ConnID: "c2"}, (&recorder{}).send, closeFn)
	defer hub.Add("room2", Peer{PeerID: "carol", ConnID: "c3"}, (&recorder{}).send, nil)()

	hub.CloseRoom("room1")
	if closed.Load() != 2 {
		t.Errorf("closed %d connections, want 2", closed.Load())
	}
	if hub.Present("room1", "alice") || hub.Present("room1", "bob") {
		t.Error("room1 peers should be gone")
	}
	if !hub.Present("room2", "carol") {
		t.Error("room2 should be untouched")
	}

	removeA()
	removeB()
}

func TestHub_WriterStopsOnSendError(t *testing.T) {
	hub := NewHub()
	var calls atomic.Int32
	send := func(Frame) error {
		calls.Add(1)
		return errors.New("broken pipe")
	}
	remove := hub.Add("room1", Peer{PeerID: "alice", ConnID: "c1"}, send, nil)
	defer remove()

	hub.SendTo("room1", "alice", Frame{})
	waitFor(t, func() bool { return calls.Load() == 1 })
	hub.SendTo("room1", "alice", Frame{})
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("send called %d times after error, want 1", calls.Load())
	}
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			remove := hub.Add("room", Peer{PeerID: id, ConnID: id}, (&recorder{}).send, nil)
			for j := 0; j < 20; j++ {
				hub.Forward("room", id, Frame{Data: []byte{byte(j)}})
				hub.List("room")
			}
			remove()
		}(i)
	}
	wg.Wait()
	if hub.Count() != 0 {
		t.Errorf("Count = %d, want 0", hub.Count())
	}
}
