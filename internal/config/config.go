package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/petervdpas/meshroom/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Room     Room     `json:"room"`
	Profile  Profile  `json:"profile"`
	Media    Media    `json:"media"`
	Bridge   Bridge   `json:"bridge"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Room struct {
	// Topic prefix for room channels. The full broadcast topic is
	// "<prefix><roomID>", the presence topic "<prefix><roomID>.presence".
	TopicPrefix string `json:"topic_prefix"`

	// Presence heartbeat/expiry. A peer whose presence record is older
	// than ttl_seconds is dropped from the snapshot.
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`

	// Secret for signing room invitation tokens. The host flag travels
	// only inside these tokens, decided once at room creation.
	InviteSecretFile string `json:"invite_secret_file"`

	// Number of persisted chat messages fetched on join.
	ChatHistoryLimit int `json:"chat_history_limit"`
}

type Profile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type Media struct {
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // join audio/chat-only, no capture

	// Last chosen video filter, restored on the next join.
	Filter string `json:"filter"`
}

type Bridge struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Storage struct {
	// Directory for chat attachments, relative to the peer directory.
	AttachDir string `json:"attach_dir"`

	// Directory recordings are written into.
	RecordDir string `json:"record_dir"`

	// Markdown file the meeting notes are mirrored to. Empty disables the
	// mirror and the file watch.
	NotesFile string `json:"notes_file"`

	// Timeout in seconds for profile/user saves. Chat saves use the same
	// value but swallow failures.
	SaveTimeoutSec int `json:"save_timeout_seconds"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "meshroom-mdns",
		},
		Room: Room{
			TopicPrefix:      "meshroom.room.v1:",
			TTLSec:           20,
			HeartbeatSec:     5,
			InviteSecretFile: "data/invite.secret",
			ChatHistoryLimit: 100,
		},
		Profile: Profile{
			Username: "Guest",
		},
		Media: Media{},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:0",
		},
		Storage: Storage{
			AttachDir:      "data/attachments",
			RecordDir:      "data/recordings",
			NotesFile:      "notes.md",
			SaveTimeoutSec: 10,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Room
	if strings.TrimSpace(c.Room.TopicPrefix) == "" {
		return errors.New("room.topic_prefix is required")
	}
	if c.Room.TTLSec <= 0 {
		return errors.New("room.ttl_seconds must be > 0")
	}
	if c.Room.HeartbeatSec <= 0 {
		return errors.New("room.heartbeat_seconds must be > 0")
	}
	if c.Room.HeartbeatSec >= c.Room.TTLSec {
		return errors.New("room.heartbeat_seconds must be < room.ttl_seconds")
	}
	if c.Room.ChatHistoryLimit <= 0 {
		return errors.New("room.chat_history_limit must be > 0")
	}

	// Profile
	if _, err := util.ValidateUsername(c.Profile.Username); err != nil {
		return fmt.Errorf("profile.username: %w", err)
	}

	// Bridge
	if addr := strings.TrimSpace(c.Bridge.HTTPAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("bridge.http_addr: %w", err)
		}
	}

	// Storage
	if strings.TrimSpace(c.Storage.AttachDir) == "" {
		return errors.New("storage.attach_dir is required")
	}
	if strings.TrimSpace(c.Storage.RecordDir) == "" {
		return errors.New("storage.record_dir is required")
	}
	if c.Storage.SaveTimeoutSec <= 0 {
		return errors.New("storage.save_timeout_seconds must be > 0")
	}

	return nil
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Ensure loads the config at path, creating it with defaults on first run.
// The second return value reports whether the file was created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Config{}, false, fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("write default config: %w", err)
	}
	return cfg, true, nil
}

// Save writes the config back to disk.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}
