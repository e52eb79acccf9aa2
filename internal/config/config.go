package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for both the tracker and
// peer daemons (spec §6). Both binaries load the same file shape;
// fields unused by a given role are simply ignored.
type Config struct {
	// Tracker connection.
	TrackerHost    string
	TrackerUDPPort int

	// Peer identity and local directories.
	PeerTCPPort int
	SharedDir   string
	DownloadDir string
	Username    string

	// Chunking and timing.
	ChunkSize                 int64
	PeerTimeout               time.Duration
	PeerLimit                 int
	KeepAliveInterval         time.Duration
	RescanInterval            time.Duration
	AvailabilityProbeInterval time.Duration
	ConnectTimeout            time.Duration
	ReadTimeout               time.Duration

	// Ambient stack.
	StatusHTTPPort int
	AuditDSN       string
	LogVerbosity   int
}

// Load reads configuration from configPath (a simple key=value file)
// and applies environment variable overrides, env beating file beating
// the defaults set below.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		TrackerHost:    "localhost",
		TrackerUDPPort: 10860,
		PeerTCPPort:    12000,
		SharedDir:      "./shared",
		DownloadDir:    "./downloads",

		ChunkSize:                 1 << 20,
		PeerTimeout:               30 * time.Second,
		PeerLimit:                 10,
		KeepAliveInterval:         2 * time.Second,
		RescanInterval:            60 * time.Second,
		AvailabilityProbeInterval: 60 * time.Second,
		ConnectTimeout:            10 * time.Second,
		ReadTimeout:               10 * time.Second,

		StatusHTTPPort: 10861,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}
	cfg.loadFromEnv()

	if cfg.PeerLimit <= 0 {
		return nil, fmt.Errorf("config: peer_limit must be positive")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("config: chunk_size must be positive")
	}
	return cfg, nil
}

// loadFromFile reads key=value pairs from configPath.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		cfg.applyKey(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	return scanner.Err()
}

func (cfg *Config) applyKey(key, value string) {
	switch key {
	case "tracker_host":
		cfg.TrackerHost = value
	case "tracker_udp_port":
		setInt(&cfg.TrackerUDPPort, value)
	case "peer_tcp_port":
		setInt(&cfg.PeerTCPPort, value)
	case "shared_dir":
		cfg.SharedDir = value
	case "download_dir":
		cfg.DownloadDir = value
	case "username":
		cfg.Username = value
	case "chunk_size":
		setInt64(&cfg.ChunkSize, value)
	case "peer_timeout":
		setDuration(&cfg.PeerTimeout, value)
	case "peer_limit":
		setInt(&cfg.PeerLimit, value)
	case "keep_alive_interval":
		setDuration(&cfg.KeepAliveInterval, value)
	case "rescan_interval":
		setDuration(&cfg.RescanInterval, value)
	case "availability_probe_interval":
		setDuration(&cfg.AvailabilityProbeInterval, value)
	case "connect_timeout":
		setDuration(&cfg.ConnectTimeout, value)
	case "read_timeout":
		setDuration(&cfg.ReadTimeout, value)
	case "status_http_port":
		setInt(&cfg.StatusHTTPPort, value)
	case "audit_dsn":
		cfg.AuditDSN = value
	case "log_verbosity":
		setInt(&cfg.LogVerbosity, value)
	}
}

// loadFromEnv reads the same keys, upper-cased, from the environment
// (e.g. TRACKER_HOST, CHUNK_SIZE).
func (cfg *Config) loadFromEnv() {
	for _, key := range []string{
		"tracker_host", "tracker_udp_port", "peer_tcp_port", "shared_dir",
		"download_dir", "username", "chunk_size", "peer_timeout", "peer_limit",
		"keep_alive_interval", "rescan_interval", "availability_probe_interval",
		"connect_timeout", "read_timeout", "status_http_port", "audit_dsn",
		"log_verbosity",
	} {
		if v := os.Getenv(strings.ToUpper(key)); v != "" {
			cfg.applyKey(key, v)
		}
	}
}

func setInt(dst *int, value string) {
	if n, err := strconv.Atoi(value); err == nil {
		*dst = n
	}
}

func setInt64(dst *int64, value string) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		*dst = n
	}
}

func setDuration(dst *time.Duration, value string) {
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(value); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}

// TrackerAddr returns the tracker's UDP host:port pair.
func (cfg *Config) TrackerAddr() string {
	return fmt.Sprintf("%s:%d", cfg.TrackerHost, cfg.TrackerUDPPort)
}
