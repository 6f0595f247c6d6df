package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is the virtual port used for library synchronization.
	DefaultPort = 1337
	// DefaultExtension is the only file type that is ever offered or accepted.
	DefaultExtension = ".mp3"
)

// ServerConfig holds configuration for the relay binary.
type ServerConfig struct {
	Addr            string
	LogLevel        string
	RoomTTL         time.Duration // Idle rooms are dropped after this long
	MaxMessageBytes int           // Websocket read limit per frame
	IdleTimeout     time.Duration // Read deadline refreshed by pongs; 0 disables
	JoinsPerMin     int           // Websocket joins allowed per client IP per minute; 0 disables
	JoinBurst       int
	MaxConns        int // Concurrent websocket connections; 0 is unlimited
}

// ClientConfig holds configuration for the tracksync client (sender/receiver).
type ClientConfig struct {
	RelayURL        string
	LogLevel        string
	PeerID          string
	Target          string // Remote peer ID (relay) or host (quic)
	Port            int
	SharedDir       string // Shared library, where received files are materialized
	PersonalDir     string // Personal library, checked second and mirrored into SharedDir
	Extension       string
	Transport       string // "relay" or "quic"
	Listen          bool   // quic only: accept instead of dial
	StunServer      string // quic only: probe public address before listening
	ConnectAttempts int
	RetryDelay      time.Duration
	AckTimeout      time.Duration
	PurgeOnCancel   bool
	NoUI            bool
	LogFile         string   // Log destination while the interactive view owns the terminal
	Paths           []string // Files or directories to offer (sender only)
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: addr=":8080", logLevel="info", roomTTL=30m, maxMessageBytes=1MiB, idleTimeout=60s,
// joinsPerMin=60, joinBurst=10, maxConns=0
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		RoomTTL:         30 * time.Minute,
		MaxMessageBytes: 1024 * 1024,
		IdleTimeout:     60 * time.Second,
		JoinsPerMin:     60,
		JoinBurst:       10,
	}

	// Read from environment first
	if addr := os.Getenv("TRACKSYNC_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("TRACKSYNC_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.RoomTTL = envDuration("TRACKSYNC_ROOM_TTL", cfg.RoomTTL)
	cfg.MaxMessageBytes = envInt("TRACKSYNC_MAX_MESSAGE_BYTES", cfg.MaxMessageBytes)
	cfg.IdleTimeout = envDuration("TRACKSYNC_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.JoinsPerMin = envInt("TRACKSYNC_JOINS_PER_MIN", cfg.JoinsPerMin)
	cfg.JoinBurst = envInt("TRACKSYNC_JOIN_BURST", cfg.JoinBurst)
	cfg.MaxConns = envInt("TRACKSYNC_MAX_CONNS", cfg.MaxConns)

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.RoomTTL, "room-ttl", cfg.RoomTTL, "drop rooms idle for longer than this")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "maximum websocket frame size")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "websocket idle timeout (0 disables)")
	fs.IntVar(&cfg.JoinsPerMin, "joins-per-min", cfg.JoinsPerMin, "websocket joins per client IP per minute (0 disables)")
	fs.IntVar(&cfg.JoinBurst, "join-burst", cfg.JoinBurst, "burst allowance for joins per client IP")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "maximum concurrent websocket connections (0 is unlimited)")
	fs.Parse(args)

	if cfg.MaxMessageBytes < 128*1024 {
		cfg.MaxMessageBytes = 128 * 1024
	}

	return cfg
}

// ParseClientConfig parses client configuration from the given arguments and
// environment variables. Flags take precedence over environment variables.
// Remaining positional arguments become Paths.
func ParseClientConfig(name string, args []string) ClientConfig {
	return parseClientConfigWithFlagSet(flag.NewFlagSet(name, flag.ExitOnError), args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		RelayURL:        "ws://localhost:8080/ws",
		LogLevel:        "info",
		PeerID:          generatePeerID(),
		Port:            DefaultPort,
		SharedDir:       "SharedMusic",
		PersonalDir:     "Music",
		Extension:       DefaultExtension,
		Transport:       "relay",
		ConnectAttempts: 5,
		RetryDelay:      2 * time.Second,
		AckTimeout:      time.Second,
	}

	// Read from environment first
	if relayURL := os.Getenv("TRACKSYNC_RELAY_URL"); relayURL != "" {
		cfg.RelayURL = relayURL
	}
	if logLevel := os.Getenv("TRACKSYNC_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if peerID := os.Getenv("TRACKSYNC_PEER_ID"); peerID != "" {
		cfg.PeerID = peerID
	}
	if shared := os.Getenv("TRACKSYNC_SHARED_DIR"); shared != "" {
		cfg.SharedDir = shared
	}
	if personal := os.Getenv("TRACKSYNC_PERSONAL_DIR"); personal != "" {
		cfg.PersonalDir = personal
	}
	if transport := os.Getenv("TRACKSYNC_TRANSPORT"); transport != "" {
		cfg.Transport = transport
	}
	cfg.Port = envInt("TRACKSYNC_PORT", cfg.Port)

	// Flags override environment
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay websocket URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "local peer identifier")
	fs.StringVar(&cfg.Target, "peer", cfg.Target, "remote peer ID (relay) or host (quic)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "virtual port (relay) or UDP port (quic)")
	fs.StringVar(&cfg.SharedDir, "shared-dir", cfg.SharedDir, "shared library directory")
	fs.StringVar(&cfg.PersonalDir, "personal-dir", cfg.PersonalDir, "personal library directory")
	fs.StringVar(&cfg.Extension, "ext", cfg.Extension, "file extension to synchronize")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (relay, quic)")
	fs.BoolVar(&cfg.Listen, "listen", false, "quic: listen for the peer instead of dialing")
	fs.StringVar(&cfg.StunServer, "stun-server", "", "quic: STUN server used to print the public address")
	fs.IntVar(&cfg.ConnectAttempts, "connect-attempts", cfg.ConnectAttempts, "connection attempts before giving up")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "delay between connection attempts")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "chunk acknowledgement timeout")
	fs.BoolVar(&cfg.PurgeOnCancel, "purge-on-cancel", false, "delete files saved by a cancelled download")
	fs.BoolVar(&cfg.NoUI, "no-ui", false, "disable the interactive progress view")
	fs.StringVar(&cfg.LogFile, "log-file", os.Getenv("TRACKSYNC_LOG_FILE"), "write logs here while the interactive view is shown")

	// Handle repeatable --path flag
	paths := make([]string, 0)
	fs.Var((*stringSlice)(&paths), "path", "path to offer (sender only, repeatable)")

	fs.Parse(args)

	paths = append(paths, fs.Args()...)
	if len(paths) > 0 {
		cfg.Paths = paths
	}

	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = time.Second
	}
	if cfg.Extension != "" && !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	cfg.Extension = strings.ToLower(cfg.Extension)

	return cfg
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return v
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5) // 5 bytes = 10 hex characters
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
