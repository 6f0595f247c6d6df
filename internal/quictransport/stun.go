package quictransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun"
)

const stunTimeout = 2 * time.Second

// ErrNoMappedAddress is returned when the STUN response carries no address.
var ErrNoMappedAddress = errors.New("stun response has no mapped address")

// ProbePublicAddr asks server for the public address of conn. It must run
// before anything else reads from conn. server is "host:port", optionally
// prefixed with "stun:".
func ProbePublicAddr(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", strings.TrimPrefix(server, "stun:"))
	if err != nil {
		return nil, fmt.Errorf("resolve stun server: %w", err)
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(req.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("stun request: %w", err)
	}

	deadline := time.Now().Add(stunTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("stun response: %w", err)
		}
		if !from.IP.Equal(serverAddr.IP) || !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		return mappedAddr(res)
	}
}

func mappedAddr(res *stun.Message) (*net.UDPAddr, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var addr stun.MappedAddress
	if err := addr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
	}
	return nil, ErrNoMappedAddress
}
