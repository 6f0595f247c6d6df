package config

import (
	"flag"
	"os"
	"testing"
	"time"
)

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{})

	if cfg.Addr != ":8080" {
		t.Errorf("expected Addr to be :8080, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
	if cfg.RoomTTL != 30*time.Minute {
		t.Errorf("expected RoomTTL to be 30m, got %v", cfg.RoomTTL)
	}
	if cfg.MaxMessageBytes != 1024*1024 {
		t.Errorf("expected MaxMessageBytes to be 1MiB, got %d", cfg.MaxMessageBytes)
	}
	if cfg.JoinsPerMin != 60 || cfg.JoinBurst != 10 {
		t.Errorf("expected join limit 60/min burst 10, got %d/min burst %d", cfg.JoinsPerMin, cfg.JoinBurst)
	}
	if cfg.MaxConns != 0 {
		t.Errorf("expected MaxConns to be unlimited, got %d", cfg.MaxConns)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()

	t.Setenv("TRACKSYNC_ADDR", ":7070")
	t.Setenv("TRACKSYNC_LOG_LEVEL", "warn")
	t.Setenv("TRACKSYNC_ROOM_TTL", "5m")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{"-addr", ":9090"})

	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090 (from flag), got %s", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected LogLevel to be warn (from env), got %s", cfg.LogLevel)
	}
	if cfg.RoomTTL != 5*time.Minute {
		t.Errorf("expected RoomTTL to be 5m (from env), got %v", cfg.RoomTTL)
	}
}

func TestParseServerConfig_MessageLimitFloor(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{"-max-message-bytes", "10"})

	// A DATA frame carries a full 64 KiB chunk, so the relay never accepts less than 128 KiB.
	if cfg.MaxMessageBytes != 128*1024 {
		t.Errorf("expected MaxMessageBytes to be clamped to 128KiB, got %d", cfg.MaxMessageBytes)
	}
}

func TestParseClientConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{})

	if cfg.RelayURL != "ws://localhost:8080/ws" {
		t.Errorf("expected default relay URL, got %s", cfg.RelayURL)
	}
	if len(cfg.PeerID) != 10 {
		t.Errorf("expected 10 character peer ID, got %q", cfg.PeerID)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected Port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.Extension != ".mp3" {
		t.Errorf("expected Extension .mp3, got %s", cfg.Extension)
	}
	if cfg.Transport != "relay" {
		t.Errorf("expected Transport relay, got %s", cfg.Transport)
	}
	if cfg.ConnectAttempts != 5 || cfg.RetryDelay != 2*time.Second {
		t.Errorf("unexpected retry defaults: attempts=%d delay=%v", cfg.ConnectAttempts, cfg.RetryDelay)
	}
	if cfg.AckTimeout != time.Second {
		t.Errorf("expected AckTimeout 1s, got %v", cfg.AckTimeout)
	}
	if len(cfg.Paths) != 0 {
		t.Errorf("expected no paths, got %v", cfg.Paths)
	}
}

func TestParseClientConfig_PathsAndPositionals(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{
		"-path", "a.mp3",
		"-path", "dir",
		"-peer", "copilot",
		"b.mp3",
	})

	want := []string{"a.mp3", "dir", "b.mp3"}
	if len(cfg.Paths) != len(want) {
		t.Fatalf("expected %d paths, got %v", len(want), cfg.Paths)
	}
	for i := range want {
		if cfg.Paths[i] != want[i] {
			t.Errorf("Paths[%d] = %s, want %s", i, cfg.Paths[i], want[i])
		}
	}
	if cfg.Target != "copilot" {
		t.Errorf("expected Target copilot, got %s", cfg.Target)
	}
}

func TestParseClientConfig_Normalization(t *testing.T) {
	os.Clearenv()

	t.Setenv("TRACKSYNC_PEER_ID", "pilot")
	t.Setenv("TRACKSYNC_PORT", "4000")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{
		"-ext", "MP3",
		"-connect-attempts", "0",
		"-ack-timeout", "0s",
	})

	if cfg.PeerID != "pilot" {
		t.Errorf("expected PeerID from env, got %s", cfg.PeerID)
	}
	if cfg.Port != 4000 {
		t.Errorf("expected Port 4000 from env, got %d", cfg.Port)
	}
	if cfg.Extension != ".mp3" {
		t.Errorf("expected normalized extension .mp3, got %s", cfg.Extension)
	}
	if cfg.ConnectAttempts != 1 {
		t.Errorf("expected ConnectAttempts clamped to 1, got %d", cfg.ConnectAttempts)
	}
	if cfg.AckTimeout != time.Second {
		t.Errorf("expected AckTimeout reset to 1s, got %v", cfg.AckTimeout)
	}
}
