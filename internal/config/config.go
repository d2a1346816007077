package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Agents   []AgentConfig  `yaml:"agents"`
}

// AgentConfig declares a triggerable workflow in the config file. In real
// mode these entries back the agent directory; mock mode ignores them.
type AgentConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	WebhookURL string `yaml:"webhook_url"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RelayConfig struct {
	// HeartbeatInterval is the per-subscriber keep-alive period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SubscriberBuffer is the envelope buffer per subscriber; a subscriber
	// that falls this far behind is dropped rather than allowed to stall
	// the others.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// InboxBuffer is the per-session buffer between the upstream connector
	// and the routing loop.
	InboxBuffer int `yaml:"inbox_buffer"`
}

type UpstreamConfig struct {
	// ConnectTimeout bounds establishing the stream connection. Once
	// connected, the stream itself is unbounded; a running session ends
	// only on a terminal control event, an upstream error, or a stop.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// TriggerTimeout bounds the webhook call that starts a workflow.
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Relay: RelayConfig{
			HeartbeatInterval: 30 * time.Second,
			SubscriberBuffer:  64,
			InboxBuffer:       256,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 10 * time.Second,
			TriggerTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Path: "relay.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, overlaying it on the defaults so a
// partial file only overrides what it names.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("relay.heartbeat_interval must be positive")
	}
	if c.Relay.SubscriberBuffer <= 0 {
		return fmt.Errorf("relay.subscriber_buffer must be positive")
	}
	if c.Relay.InboxBuffer <= 0 {
		return fmt.Errorf("relay.inbox_buffer must be positive")
	}
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if a.WebhookURL == "" {
			return fmt.Errorf("agents[%d] (%s): webhook_url is required", i, a.ID)
		}
	}
	return nil
}
