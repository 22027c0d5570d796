package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	NATS       NATSConfig       `yaml:"nats"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Brainstorm BrainstormConfig `yaml:"brainstorm"`
	Status     StatusConfig     `yaml:"status"`
	Store      StoreConfig      `yaml:"store"`
	Web        WebConfig        `yaml:"web"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

type AgentConfig struct {
	ID string `yaml:"id"`
}

type NATSConfig struct {
	// URL of an external broker. Ignored when Embedded is true.
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
}

type TasksConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Prefetch    int           `yaml:"prefetch"`
	MaxQueue    int64         `yaml:"max_queue"`
	TTL         time.Duration `yaml:"ttl"`
	AckWait     time.Duration `yaml:"ack_wait"`
}

type BrainstormConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MinResponses int           `yaml:"min_responses"`
}

type StatusConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type SchedulerConfig struct {
	PollInterval time.Duration   `yaml:"poll_interval"`
	Entries      []ScheduleEntry `yaml:"entries"`
}

// ScheduleEntry is a cron-driven task the leader assigns automatically.
type ScheduleEntry struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Title    string `yaml:"title"`
	Payload  string `yaml:"payload"`
	Priority string `yaml:"priority"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Port:    4222,
			DataDir: "data/nats",
		},
		Tasks: TasksConfig{
			MaxAttempts: 3,
			Prefetch:    1,
			MaxQueue:    1000,
			AckWait:     30 * time.Second,
		},
		Brainstorm: BrainstormConfig{
			Timeout:      5 * time.Second,
			MinResponses: 1,
		},
		Status: StatusConfig{
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        30 * time.Second,
		},
		Store: StoreConfig{
			Path: "data/flock.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("FLOCK_CONFIG")
	if path == "" {
		path = "config/flock.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOCK_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("FLOCK_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FLOCK_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FLOCK_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLOCK_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
}
