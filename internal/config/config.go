package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rvdmeulen/huddle/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Tracker  Tracker  `json:"tracker"`
	Peer     Peer     `json:"peer"`
	Logging  Logging  `json:"logging"`
}

type Identity struct {
	// Username used for AUTH when running as a peer. Empty means the peer
	// starts with a visitor session using DisplayName.
	Username string `json:"username"`

	// Display name for visitor sessions (used only when Username is empty).
	DisplayName string `json:"display_name"`
}

type Tracker struct {
	// Bind address for the coordination listener. Default "0.0.0.0".
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Bind address and port for the HTTP ops surface (health, stats,
	// event stream). Default "127.0.0.1" (localhost only).
	OpsBind string `json:"ops_bind"`
	OpsPort int    `json:"ops_port"`

	// Directory for the message/user/channel store. Relative to the
	// runtime directory. Empty means in-memory only.
	DataDir string `json:"data_dir"`

	// Session lifetime. Every successful validation extends the session
	// by this amount (sliding expiration).
	SessionTimeoutSec int `json:"session_timeout_sec"`

	// Interval between expired-session sweeps.
	SweepIntervalSec int `json:"sweep_interval_sec"`

	// A peer whose last heartbeat is older than this is excluded from
	// directory queries.
	PeerLivenessSec int `json:"peer_liveness_sec"`

	// Per-connection read/write deadline.
	RequestTimeoutSec int `json:"request_timeout_sec"`
}

type Peer struct {
	// Bind address and port for the p2p listener. Port 0 picks a free port.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Address of the tracker's coordination listener, host:port.
	TrackerAddr string `json:"tracker_addr"`

	// Path to the local outbox database (pending sync + offline cache).
	// Relative to the runtime directory. Empty means in-memory only.
	OutboxPath string `json:"outbox_path"`

	HeartbeatSec      int `json:"heartbeat_sec"`
	SyncIntervalSec   int `json:"sync_interval_sec"`
	StatusIntervalSec int `json:"status_interval_sec"`

	// Maximum outbox entries drained per sync pass.
	SyncBatch int `json:"sync_batch"`

	// Tracker round-trip deadline.
	RequestTimeoutSec int `json:"request_timeout_sec"`
}

type Logging struct {
	// Default level for all subsystems: debug, info, warn or error.
	Level string `json:"level"`

	// Per-subsystem overrides, e.g. {"tracker": "debug"}. Empty values
	// fall back to Level.
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Username:    "",
			DisplayName: "guest",
		},
		Tracker: Tracker{
			Bind:              "0.0.0.0",
			Port:              7400,
			OpsBind:           "127.0.0.1",
			OpsPort:           7480,
			DataDir:           "data",
			SessionTimeoutSec: 3600,
			SweepIntervalSec:  60,
			PeerLivenessSec:   300,
			RequestTimeoutSec: 5,
		},
		Peer: Peer{
			Bind:              "0.0.0.0",
			Port:              0,
			TrackerAddr:       "127.0.0.1:7400",
			OutboxPath:        "outbox.db",
			HeartbeatSec:      30,
			SyncIntervalSec:   60,
			StatusIntervalSec: 30,
			SyncBatch:         20,
			RequestTimeoutSec: 5,
		},
		Logging: Logging{
			Level:      "info",
			Subsystems: map[string]string{},
		},
	}
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Tracker
	if c.Tracker.Port <= 0 || c.Tracker.Port > 65535 {
		return errors.New("tracker.port must be 1..65535")
	}
	if b := c.Tracker.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("tracker.bind must be a valid IP address")
		}
	}
	if c.Tracker.OpsPort < 0 || c.Tracker.OpsPort > 65535 {
		return errors.New("tracker.ops_port must be 0..65535")
	}
	if c.Tracker.OpsPort > 0 {
		if b := c.Tracker.OpsBind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("tracker.ops_bind must be a valid IP address")
			}
		}
		if c.Tracker.OpsPort == c.Tracker.Port {
			return errors.New("tracker.ops_port must differ from tracker.port")
		}
	}
	if c.Tracker.SessionTimeoutSec <= 0 {
		return errors.New("tracker.session_timeout_sec must be > 0")
	}
	if c.Tracker.SweepIntervalSec <= 0 {
		return errors.New("tracker.sweep_interval_sec must be > 0")
	}
	if c.Tracker.PeerLivenessSec <= 0 {
		return errors.New("tracker.peer_liveness_sec must be > 0")
	}
	if c.Tracker.RequestTimeoutSec <= 0 {
		return errors.New("tracker.request_timeout_sec must be > 0")
	}

	// Peer
	if c.Peer.Port < 0 || c.Peer.Port > 65535 {
		return errors.New("peer.port must be 0..65535")
	}
	if b := c.Peer.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("peer.bind must be a valid IP address")
		}
	}
	if ta := strings.TrimSpace(c.Peer.TrackerAddr); ta != "" {
		if _, _, err := net.SplitHostPort(ta); err != nil {
			return fmt.Errorf("peer.tracker_addr: %v", err)
		}
	}
	if c.Peer.HeartbeatSec <= 0 {
		return errors.New("peer.heartbeat_sec must be > 0")
	}
	if c.Peer.SyncIntervalSec <= 0 {
		return errors.New("peer.sync_interval_sec must be > 0")
	}
	if c.Peer.StatusIntervalSec <= 0 {
		return errors.New("peer.status_interval_sec must be > 0")
	}
	if c.Peer.SyncBatch <= 0 {
		return errors.New("peer.sync_batch must be > 0")
	}
	if c.Peer.RequestTimeoutSec <= 0 {
		return errors.New("peer.request_timeout_sec must be > 0")
	}

	// Logging
	if lvl := strings.ToLower(strings.TrimSpace(c.Logging.Level)); lvl != "" && !validLevels[lvl] {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	for sub, lvl := range c.Logging.Subsystems {
		l := strings.ToLower(strings.TrimSpace(lvl))
		if l != "" && !validLevels[l] {
			return fmt.Errorf("logging.subsystems[%s]: unknown level %q", sub, lvl)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
