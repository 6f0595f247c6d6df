package quictransport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"

	"github.com/sheerbytes/tracksync/internal/logging"
	"github.com/sheerbytes/tracksync/internal/transfer"
)

const testTimeout = 10 * time.Second

func TestServerConfig(t *testing.T) {
	config, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if len(config.Certificates) == 0 {
		t.Fatal("ServerConfig has no certificates")
	}
	cert := config.Certificates[0]
	if cert.PrivateKey == nil || len(cert.Certificate) == 0 {
		t.Fatal("certificate is incomplete")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", config.NextProtos, ALPNProtocol)
	}
}

func TestClientConfig(t *testing.T) {
	config := ClientConfig()
	if !config.InsecureSkipVerify {
		t.Error("ClientConfig InsecureSkipVerify should be true")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", config.NextProtos, ALPNProtocol)
	}
}

type chanHandler struct {
	states chan transfer.ConnState
	frames chan []byte
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		states: make(chan transfer.ConnState, 16),
		frames: make(chan []byte, 64),
	}
}

func (h *chanHandler) HandleConnState(s transfer.ConnState) { h.states <- s }
func (h *chanHandler) HandleMessage(f []byte)               { h.frames <- f }

func (h *chanHandler) expectState(t *testing.T, want transfer.ConnState) {
	t.Helper()
	select {
	case got := <-h.states:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(testTimeout):
		t.Fatalf("no %v state before timeout", want)
	}
}

func (h *chanHandler) expectFrame(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-h.frames:
		if !bytes.Equal(got, want) {
			t.Fatalf("frame = %x, want %x", got, want)
		}
	case <-time.After(testTimeout):
		t.Fatal("no frame before timeout")
	}
}

func listenLoopback(t *testing.T, h transfer.Handler) *Link {
	t.Helper()
	d := &Dialer{Listen: true, ListenAddr: "127.0.0.1:0", Logger: logging.Discard()}
	l, err := d.Connect(context.Background(), "", 0, h)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l.(*Link)
}

func TestLinkLoopbackExchange(t *testing.T) {
	hl, hd := newChanHandler(), newChanHandler()
	listener := listenLoopback(t, hl)
	port := listener.LocalAddr().(*net.UDPAddr).Port

	d := &Dialer{RedialDelay: 50 * time.Millisecond, Logger: logging.Discard()}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	dialed, err := d.Connect(ctx, "127.0.0.1", port, hd)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer dialed.Close()

	hd.expectState(t, transfer.Connected)
	hl.expectState(t, transfer.Connected)

	big := bytes.Repeat([]byte{0x5A}, transfer.MaxChunkSize)
	for _, f := range [][]byte{[]byte("TSY1 ping"), big} {
		if err := dialed.Send(f); err != nil {
			t.Fatalf("dialer send failed: %v", err)
		}
		hl.expectFrame(t, f)
	}
	if err := listener.Send([]byte("pong")); err != nil {
		t.Fatalf("listener send failed: %v", err)
	}
	hd.expectFrame(t, []byte("pong"))
}

func TestLinkCloseFlushesAndNotifiesPeer(t *testing.T) {
	hl, hd := newChanHandler(), newChanHandler()
	listener := listenLoopback(t, hl)
	port := listener.LocalAddr().(*net.UDPAddr).Port

	d := &Dialer{RedialDelay: time.Hour, Logger: logging.Discard()}
	dialed, err := d.Connect(context.Background(), "127.0.0.1", port, hd)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer dialed.Close()
	hd.expectState(t, transfer.Connected)
	hl.expectState(t, transfer.Connected)

	last := []byte("final ack")
	if err := listener.Send(last); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	hd.expectFrame(t, last)
	hd.expectState(t, transfer.Disconnected)

	if err := listener.Send([]byte("late")); !errors.Is(err, transfer.ErrLinkClosed) {
		t.Fatalf("send after close = %v, want ErrLinkClosed", err)
	}
	select {
	case s := <-hl.states:
		t.Fatalf("closed link reported %v", s)
	default:
	}
}

func TestLinkDialFailure(t *testing.T) {
	// Reserve a port and release it so nothing answers there.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	d := &Dialer{Logger: logging.Discard()}
	if _, err := d.Connect(ctx, "127.0.0.1", port, newChanHandler()); err == nil {
		t.Fatal("expected dial to fail")
	}
}

func TestLinkRedialAfterListenerRestart(t *testing.T) {
	hl := newChanHandler()
	first := listenLoopback(t, hl)
	addr := first.LocalAddr().String()
	port := first.LocalAddr().(*net.UDPAddr).Port

	hd := newChanHandler()
	d := &Dialer{RedialDelay: 50 * time.Millisecond, Logger: logging.Discard()}
	dialed, err := d.Connect(context.Background(), "127.0.0.1", port, hd)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer dialed.Close()
	hd.expectState(t, transfer.Connected)
	hl.expectState(t, transfer.Connected)

	first.Close()
	hd.expectState(t, transfer.Disconnected)

	h2 := newChanHandler()
	ld := &Dialer{Listen: true, ListenAddr: addr, Logger: logging.Discard()}
	second, err := ld.Connect(context.Background(), "", 0, h2)
	if err != nil {
		t.Fatalf("relisten failed: %v", err)
	}
	defer second.Close()

	hd.expectState(t, transfer.Connected)
	h2.expectState(t, transfer.Connected)
	if err := dialed.Send([]byte("again")); err != nil {
		t.Fatalf("send after redial failed: %v", err)
	}
	h2.expectFrame(t, []byte("again"))
}

// fakeSTUN answers one binding request with the sender's address.
func fakeSTUN(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("stun listen failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := &stun.Message{Raw: buf[:n]}
		if err := req.Decode(); err != nil {
			return
		}
		res, err := stun.Build(req, stun.BindingSuccess, &stun.XORMappedAddress{IP: from.IP, Port: from.Port}, stun.Fingerprint)
		if err != nil {
			return
		}
		conn.WriteToUDP(res.Raw, from)
	}()
	return conn.LocalAddr().String()
}

func TestProbePublicAddr(t *testing.T) {
	server := fakeSTUN(t)
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer conn.Close()

	addr, err := ProbePublicAddr(context.Background(), conn, "stun:"+server)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	if !addr.IP.Equal(local.IP) || addr.Port != local.Port {
		t.Fatalf("mapped address = %v, want %v", addr, local)
	}
}

func TestProbePublicAddrTimeout(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer silent.Close()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := ProbePublicAddr(ctx, conn, silent.LocalAddr().String()); err == nil {
		t.Fatal("expected probe to time out")
	}
}

func TestListenReportsPublicAddr(t *testing.T) {
	server := fakeSTUN(t)
	got := make(chan *net.UDPAddr, 1)
	d := &Dialer{
		Listen:       true,
		ListenAddr:   "127.0.0.1:0",
		StunServer:   server,
		Logger:       logging.Discard(),
		OnPublicAddr: func(addr *net.UDPAddr) { got <- addr },
	}
	l, err := d.Connect(context.Background(), "", 0, newChanHandler())
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer l.Close()

	select {
	case addr := <-got:
		if addr.Port != l.(*Link).LocalAddr().(*net.UDPAddr).Port {
			t.Fatalf("public port %d does not match listener %v", addr.Port, l.(*Link).LocalAddr())
		}
	default:
		t.Fatal("OnPublicAddr not called before Connect returned")
	}
}
