package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Core connection modes.
const (
	ModeLegacy    = "legacy"
	ModeAPIClient = "api_client"
)

// List filter kinds for chat gating.
const (
	ListWhitelist = "whitelist"
	ListBlacklist = "blacklist"
)

// GatewayConfig describes the WebSocket server the bot gateway connects to.
type GatewayConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	Token             string `toml:"token"`
	HeartbeatInterval int    `toml:"heartbeat_interval"` // seconds
}

// CoreConfig describes the upstream core bot service connection.
type CoreConfig struct {
	Mode            string `toml:"mode"` // legacy | api_client
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	PlatformName    string `toml:"platform_name"`
	BaseURL         string `toml:"base_url"`
	APIKey          string `toml:"api_key"`
	EnableAPIServer bool   `toml:"enable_api_server"`
}

// ChatConfig gates which conversations are bridged.
type ChatConfig struct {
	GroupListType   string  `toml:"group_list_type"`
	GroupList       []int64 `toml:"group_list"`
	PrivateListType string  `toml:"private_list_type"`
	PrivateList     []int64 `toml:"private_list"`
	BanUserID       []int64 `toml:"ban_user_id"`
	BanQQBot        bool    `toml:"ban_qq_bot"`
	EnablePoke      bool    `toml:"enable_poke"`
}

// VoiceConfig controls voice segment handling.
type VoiceConfig struct {
	UseTTS bool `toml:"use_tts"`
}

// ForwardConfig controls forward-message image expansion.
type ForwardConfig struct {
	ImageThreshold int `toml:"image_threshold"`
}

// DebugConfig controls logging.
type DebugConfig struct {
	Level string `toml:"level"`
}

// Config is one immutable snapshot of the adapter configuration.
// Reloads replace the whole snapshot atomically; never mutate a loaded one.
type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Core    CoreConfig    `toml:"core"`
	Chat    ChatConfig    `toml:"chat"`
	Voice   VoiceConfig   `toml:"voice"`
	Forward ForwardConfig `toml:"forward"`
	Debug   DebugConfig   `toml:"debug"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              8095,
			HeartbeatInterval: 30,
		},
		Core: CoreConfig{
			Mode:         ModeLegacy,
			Host:         "127.0.0.1",
			Port:         8000,
			PlatformName: "qq",
		},
		Chat: ChatConfig{
			GroupListType:   ListBlacklist,
			PrivateListType: ListBlacklist,
			EnablePoke:      true,
		},
		Forward: ForwardConfig{
			ImageThreshold: 5,
		},
		Debug: DebugConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML config file, overlaying it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	// enable_api_server predates the mode key; keep honoring it.
	if c.Core.EnableAPIServer && c.Core.Mode == ModeLegacy {
		c.Core.Mode = ModeAPIClient
	}
	switch c.Core.Mode {
	case ModeLegacy, ModeAPIClient:
	default:
		return fmt.Errorf("parse config: unknown core.mode %q", c.Core.Mode)
	}
	switch c.Chat.GroupListType {
	case ListWhitelist, ListBlacklist:
	default:
		return fmt.Errorf("parse config: unknown chat.group_list_type %q", c.Chat.GroupListType)
	}
	switch c.Chat.PrivateListType {
	case ListWhitelist, ListBlacklist:
	default:
		return fmt.Errorf("parse config: unknown chat.private_list_type %q", c.Chat.PrivateListType)
	}
	if c.Forward.ImageThreshold < 0 {
		return fmt.Errorf("parse config: forward.image_threshold must be >= 0")
	}
	return nil
}

// GroupAllowed applies the group whitelist/blacklist to a group id.
func (c *ChatConfig) GroupAllowed(groupID int64) bool {
	listed := containsInt64(c.GroupList, groupID)
	if c.GroupListType == ListWhitelist {
		return listed
	}
	return !listed
}

// PrivateAllowed applies the private whitelist/blacklist to a user id.
func (c *ChatConfig) PrivateAllowed(userID int64) bool {
	listed := containsInt64(c.PrivateList, userID)
	if c.PrivateListType == ListWhitelist {
		return listed
	}
	return !listed
}

// UserBanned reports whether a user is on the global ban list.
func (c *ChatConfig) UserBanned(userID int64) bool {
	return containsInt64(c.BanUserID, userID)
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
