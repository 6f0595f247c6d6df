package transport

import "fmt"

// FormatBytesMiB prints whole MiB values compactly and anything else in bytes.
func FormatBytesMiB(n int) string {
	if n <= 0 {
		return "0B"
	}
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%dMiB", n/mib)
	}
	if n%1024 == 0 {
		return fmt.Sprintf("%dKiB", n/1024)
	}
	return fmt.Sprintf("%dB", n)
}

// Summary is the one-line tuning report logged when the direct link comes up.
func Summary(udp UDPTuneResult, q QuicTuneResult) string {
	line := fmt.Sprintf("udp_buffers r=%s w=%s status=%s quic conn_window=%s stream_window=%s max_streams=%d",
		FormatBytesMiB(udp.Read),
		FormatBytesMiB(udp.Write),
		normalizeStatus(udp.Status),
		FormatBytesMiB(q.ConnWin),
		FormatBytesMiB(q.StreamWin),
		q.MaxStreams,
	)
	if udp.Err != "" {
		line += " err=" + udp.Err
	}
	return line
}

func normalizeStatus(status string) string {
	if status == "" {
		return StatusNA
	}
	return status
}
