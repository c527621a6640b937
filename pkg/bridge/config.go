// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	// Homeserver is the URL the bridge reaches the homeserver at.
	Homeserver string `yaml:"homeserver"`
	// ServerName is the homeserver's name as it appears in MXIDs.
	ServerName string `yaml:"server_name"`
	// ListenAddr is where the appservice transaction listener and the
	// /metrics endpoint are served.
	ListenAddr string `yaml:"listen_addr"`

	ASToken      string `yaml:"as_token"`
	HSToken      string `yaml:"hs_token"`
	BotLocalpart string `yaml:"bot_localpart"`

	Database     string `yaml:"database"`
	DiscordToken string `yaml:"discord_token"`
	// WebhookName identifies the webhooks the bridge creates in channels.
	// Messages arriving from a webhook with this bridge's IDs are echoes and
	// are never relayed back.
	WebhookName string `yaml:"webhook_name"`

	// MessageCacheLimit caps the number of message correlations kept per
	// direction. Zero keeps everything.
	MessageCacheLimit int `yaml:"message_cache_limit"`
	// SyncIntervalSeconds is how often guild member profiles and emotes are
	// re-synced.
	SyncIntervalSeconds int `yaml:"sync_interval_seconds"`
	// TypingTimeoutSeconds is how long relayed typing notifications last on
	// the Matrix side.
	TypingTimeoutSeconds int `yaml:"typing_timeout_seconds"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	for _, field := range []struct{ name, value string }{
		{"homeserver", c.Homeserver},
		{"server_name", c.ServerName},
		{"as_token", c.ASToken},
		{"hs_token", c.HSToken},
		{"discord_token", c.DiscordToken},
	} {
		if field.value == "" {
			return fmt.Errorf("config: %s is required", field.name)
		}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":29350"
	}
	if c.BotLocalpart == "" {
		c.BotLocalpart = "discordbot"
	}
	if c.Database == "" {
		c.Database = "bridge.db"
	}
	if c.WebhookName == "" {
		c.WebhookName = "matrix_bridge"
	}
	if c.SyncIntervalSeconds <= 0 {
		c.SyncIntervalSeconds = 120
	}
	if c.TypingTimeoutSeconds <= 0 {
		c.TypingTimeoutSeconds = 10
	}
	return nil
}

// BotMXID returns the bridge bot's own MXID.
func (c *Config) BotMXID() id.UserID {
	return id.NewUserID(c.BotLocalpart, c.ServerName)
}

// SyncInterval returns the profile sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// TypingTimeout returns the typing notification lifetime as a duration.
func (c *Config) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutSeconds) * time.Second
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
