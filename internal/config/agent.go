package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AgentConfig is the coordctl configuration for one field device.
type AgentConfig struct {
	ServerURL     string        `mapstructure:"COORD_SERVER_URL"`
	MeshURL       string        `mapstructure:"COORD_MESH_URL"`
	AMQPURL       string        `mapstructure:"COORD_AMQP_URL"`
	RelayQueue    string        `mapstructure:"COORD_RELAY_QUEUE"`
	OutboxPath    string        `mapstructure:"COORD_OUTBOX_PATH"`
	ActorID       string        `mapstructure:"COORD_ACTOR_ID"`
	ActorRole     string        `mapstructure:"COORD_ACTOR_ROLE"`
	ActorName     string        `mapstructure:"COORD_ACTOR_NAME"`
	Token         string        `mapstructure:"COORD_TOKEN"`
	PollMin       time.Duration `mapstructure:"COORD_POLL_MIN"`
	PollMax       time.Duration `mapstructure:"COORD_POLL_MAX"`
	PollTimeout   time.Duration `mapstructure:"COORD_POLL_TIMEOUT"`
	FlushInterval time.Duration `mapstructure:"COORD_FLUSH_INTERVAL"`
	StallAfter    int           `mapstructure:"COORD_STALL_AFTER"`
	RecheckEvery  time.Duration `mapstructure:"COORD_RECHECK_EVERY"`
	LogFile       string        `mapstructure:"LOG_FILE"`
	Env           string        `mapstructure:"ENV"`
}

var agentKeys = []string{
	"COORD_SERVER_URL", "COORD_MESH_URL", "COORD_AMQP_URL", "COORD_RELAY_QUEUE",
	"COORD_OUTBOX_PATH", "COORD_ACTOR_ID", "COORD_ACTOR_ROLE", "COORD_ACTOR_NAME",
	"COORD_TOKEN", "COORD_POLL_MIN", "COORD_POLL_MAX", "COORD_POLL_TIMEOUT",
	"COORD_FLUSH_INTERVAL", "COORD_STALL_AFTER", "COORD_RECHECK_EVERY", "LOG_FILE", "ENV",
}

func defaultOutboxPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "coord", "outbox.db")
}

func LoadAgent() (*AgentConfig, error) {
	v := newViper(agentKeys)

	v.SetDefault("COORD_SERVER_URL", "http://localhost:8000")
	v.SetDefault("COORD_RELAY_QUEUE", "coord.relay")
	v.SetDefault("COORD_OUTBOX_PATH", defaultOutboxPath())
	v.SetDefault("COORD_ACTOR_ROLE", "civilian")
	v.SetDefault("COORD_POLL_MIN", "1200ms")
	v.SetDefault("COORD_POLL_MAX", "1500ms")
	v.SetDefault("COORD_POLL_TIMEOUT", "10s")
	v.SetDefault("COORD_FLUSH_INTERVAL", "1s")
	v.SetDefault("COORD_STALL_AFTER", 8)
	v.SetDefault("COORD_RECHECK_EVERY", "30s")
	v.SetDefault("ENV", "development")

	_ = v.ReadInConfig()

	cfg := &AgentConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" && c.MeshURL == "" && c.AMQPURL == "" {
		return fmt.Errorf("at least one of COORD_SERVER_URL, COORD_MESH_URL or COORD_AMQP_URL is required")
	}
	if c.ActorID == "" {
		return fmt.Errorf("COORD_ACTOR_ID is required")
	}
	if c.AMQPURL != "" && c.Token == "" && c.Env != "development" {
		return fmt.Errorf("COORD_TOKEN is required to send through the relay outside development")
	}
	if c.PollMin <= 0 || c.PollMax < c.PollMin {
		return fmt.Errorf("poll interval must satisfy 0 < COORD_POLL_MIN <= COORD_POLL_MAX, got %s..%s", c.PollMin, c.PollMax)
	}
	if c.StallAfter < 1 {
		return fmt.Errorf("COORD_STALL_AFTER must be positive, got %d", c.StallAfter)
	}
	return nil
}
