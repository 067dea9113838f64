// Package config holds the JSON-backed configuration for both the peer
// and relay-server processes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cidertogether/core/internal/util"
)

// Config is the root configuration document.
type Config struct {
	Identity  Identity  `json:"identity"`
	P2P       P2P       `json:"p2p"`
	Signaling Signaling `json:"signaling"`
	Player    Player    `json:"player"`
	Relay     Relay     `json:"relay"`
}

// Identity configures the Ed25519 peer keypair.
type Identity struct {
	KeyFile     string `json:"key_file"`
	DisplayName string `json:"display_name"`
}

// P2P configures the composed libp2p overlay.
type P2P struct {
	ListenPort      int    `json:"listen_port"`
	MdnsTag         string `json:"mdns_tag"`
	RelayAddr       string `json:"relay_addr"`
	ExpectedProtoID string `json:"expected_protocol_id"`
}

// Signaling configures the rendezvous HTTP bus client.
type Signaling struct {
	BusURL string `json:"bus_url"`
}

// Player configures the music-player loopback API client, including the
// open-ended "play song by id" request shape (§9(a): a parameterized
// collaborator, not a fixed wire contract). PlayItemType is the item type
// passed to player.PlaySong; PlayItemPath is validated but not read by the
// player client, which always posts to /play-item.
type Player struct {
	Port         int    `json:"port"`
	Token        string `json:"token"`
	PlayItemPath string `json:"play_item_path"`
	PlayItemType string `json:"play_item_type"`
}

// Relay configures the standalone relay-server process.
type Relay struct {
	KeyFile          string `json:"key_file"`
	TCPPort          int    `json:"tcp_port"`
	QUICPort         int    `json:"quic_port"`
	ExpectedProtoID  string `json:"expected_protocol_id"`
	IdentifyGraceSec int    `json:"identify_grace_seconds"`
	MetricsAddr      string `json:"metrics_addr"`
	MetricsEnabled   bool   `json:"metrics_enabled"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:     "data/identity.key",
			DisplayName: "",
		},
		P2P: P2P{
			ListenPort:      0,
			MdnsTag:         "cider-together-mdns",
			RelayAddr:       "",
			ExpectedProtoID: "/cider-together/1.0.0",
		},
		Signaling: Signaling{
			BusURL: "https://ntfy.sh",
		},
		Player: Player{
			Port:         10767,
			Token:        "",
			PlayItemPath: "/play-item",
			PlayItemType: "songs",
		},
		Relay: Relay{
			KeyFile:          "data/relay.key",
			TCPPort:          4001,
			QUICPort:         4001,
			ExpectedProtoID:  "/cider-together/1.0.0",
			IdentifyGraceSec: 30,
			MetricsAddr:      "127.0.0.1:9090",
			MetricsEnabled:   true,
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if n := utf8.RuneCountInString(c.Identity.DisplayName); n > util.MaxDisplayNameRunes {
		return fmt.Errorf("identity.display_name must be at most %d code points", util.MaxDisplayNameRunes)
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.ExpectedProtoID) == "" {
		return errors.New("p2p.expected_protocol_id is required")
	}

	if strings.TrimSpace(c.Signaling.BusURL) == "" {
		return errors.New("signaling.bus_url is required")
	}

	if c.Player.Port <= 0 || c.Player.Port > 65535 {
		return errors.New("player.port must be 1..65535")
	}
	if strings.TrimSpace(c.Player.PlayItemPath) == "" {
		return errors.New("player.play_item_path is required")
	}

	if strings.TrimSpace(c.Relay.KeyFile) == "" {
		return errors.New("relay.key_file is required")
	}
	if c.Relay.TCPPort <= 0 || c.Relay.TCPPort > 65535 {
		return errors.New("relay.tcp_port must be 1..65535")
	}
	if c.Relay.QUICPort <= 0 || c.Relay.QUICPort > 65535 {
		return errors.New("relay.quic_port must be 1..65535")
	}
	if strings.TrimSpace(c.Relay.ExpectedProtoID) == "" {
		return errors.New("relay.expected_protocol_id is required")
	}
	if c.Relay.IdentifyGraceSec <= 0 {
		return errors.New("relay.identify_grace_seconds must be > 0")
	}
	if c.Relay.MetricsEnabled && strings.TrimSpace(c.Relay.MetricsAddr) == "" {
		return errors.New("relay.metrics_addr is required when relay.metrics_enabled is true")
	}

	return nil
}

// Load reads and validates a config file, filling missing JSON fields from
// Default().
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Save validates and writes cfg to path as indented JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise writes and returns a default
// config file. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && !os.IsExist(err) {
		return Config{}, false, fmt.Errorf("create config dir: %w", err)
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
