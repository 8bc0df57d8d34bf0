package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration. The sync-related values (drift
// threshold, reconcile interval) are empirical tunables, not protocol
// constants.
type Config struct {
	Port            string        `json:"port"`
	ResolverBaseURL string        `json:"resolver_base_url"`
	MongoURI        string        `json:"mongo_uri"`
	MongoDatabase   string        `json:"mongo_database"`

	MaxConnections  int           `json:"max_connections"`
	BroadcastBuffer int           `json:"broadcast_buffer"`
	SendBuffer      int           `json:"send_buffer"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	PingInterval    time.Duration `json:"ping_interval"`

	PlaybackLead           time.Duration `json:"playback_lead"`
	DriftThresholdSeconds  float64       `json:"drift_threshold_seconds"`
	PositionReportInterval time.Duration `json:"position_report_interval"`
	ReconcileInterval      time.Duration `json:"reconcile_interval"`
	TypingTimeout          time.Duration `json:"typing_timeout"`
	RecentMessageWindow    int           `json:"recent_message_window"`

	ChatRatePerMinute int `json:"chat_rate_per_minute"`
	MaxMessageLength  int `json:"max_message_length"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:            ":9090",
		ResolverBaseURL: "http://localhost:8080",
		MongoDatabase:   "listenalong",

		MaxConnections:  1000,
		BroadcastBuffer: 256,
		SendBuffer:      256,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    54 * time.Second,

		PlaybackLead:           300 * time.Millisecond,
		DriftThresholdSeconds:  3,
		PositionReportInterval: 10 * time.Second,
		ReconcileInterval:      30 * time.Second,
		TypingTimeout:          2 * time.Second,
		RecentMessageWindow:    7,

		ChatRatePerMinute: 30,
		MaxMessageLength:  1000,
	}
}

// Load builds the configuration from defaults, an optional JSON file and
// environment variable overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	loadEnv(cfg)

	if cfg.RecentMessageWindow <= 0 {
		return nil, fmt.Errorf("recent_message_window must be positive, got %d", cfg.RecentMessageWindow)
	}
	if cfg.DriftThresholdSeconds <= 0 {
		return nil, fmt.Errorf("drift_threshold_seconds must be positive, got %v", cfg.DriftThresholdSeconds)
	}

	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	setString(&cfg.Port, "LISTEN_PORT")
	setString(&cfg.ResolverBaseURL, "LISTEN_RESOLVER_URL")
	setString(&cfg.MongoURI, "LISTEN_MONGO_URI")
	setString(&cfg.MongoDatabase, "LISTEN_MONGO_DATABASE")

	setInt(&cfg.MaxConnections, "LISTEN_MAX_CONNECTIONS")
	setInt(&cfg.RecentMessageWindow, "LISTEN_RECENT_MESSAGE_WINDOW")
	setInt(&cfg.ChatRatePerMinute, "LISTEN_CHAT_RATE_PER_MINUTE")
	setInt(&cfg.MaxMessageLength, "LISTEN_MAX_MESSAGE_LENGTH")

	setDuration(&cfg.PlaybackLead, "LISTEN_PLAYBACK_LEAD")
	setDuration(&cfg.PositionReportInterval, "LISTEN_POSITION_REPORT_INTERVAL")
	setDuration(&cfg.ReconcileInterval, "LISTEN_RECONCILE_INTERVAL")
	setDuration(&cfg.TypingTimeout, "LISTEN_TYPING_TIMEOUT")
	setDuration(&cfg.ReadTimeout, "LISTEN_READ_TIMEOUT")
	setDuration(&cfg.WriteTimeout, "LISTEN_WRITE_TIMEOUT")

	if v := os.Getenv("LISTEN_DRIFT_THRESHOLD_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DriftThresholdSeconds = f
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
