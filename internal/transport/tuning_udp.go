// Package transport tunes the UDP socket and QUIC flow-control windows used
// by the direct link.
package transport

import (
	"net"
	"strings"
)

// Tuning outcome reported in UDPTuneResult and QuicTuneResult.
const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusNA     = "n/a"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 16 * 1024 * 1024

	// DefaultUDPBuffer is requested for both directions of the direct link socket.
	DefaultUDPBuffer = 2 * 1024 * 1024
)

// UDPTuneResult records what ApplyUDPBuffers asked the kernel for.
type UDPTuneResult struct {
	Read   int
	Write  int
	Status string
	Err    string
}

// ApplyUDPBuffers sets the socket buffers, clamped to a sane range. The
// kernel may cap or refuse the request; that is reported, never fatal.
func ApplyUDPBuffers(conn *net.UDPConn, r, w int) UDPTuneResult {
	result := UDPTuneResult{
		Read:   clampUDPBuffer(r),
		Write:  clampUDPBuffer(w),
		Status: StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no udp socket"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.Read); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.Write); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clampUDPBuffer(n int) int {
	if n <= 0 {
		return DefaultUDPBuffer
	}
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}
