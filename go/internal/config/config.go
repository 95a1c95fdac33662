// Package config loads the client binary's settings from the environment and
// its game rules from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Backend selects the room store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendNATS     Backend = "nats"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Config holds the client settings.
type Config struct {
	PlayerID string `env:"PLAYER_ID,required"`
	Emoji    string `env:"PLAYER_EMOJI"`
	RoomCode string `env:"ROOM_CODE"` // Joined or rejoined on startup

	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	Port           string   `env:"GATEWAY_PORT" envDefault:"8081"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	Backend     Backend `env:"STORE_BACKEND" envDefault:"memory"`
	NATSURL     string  `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSBucket  string  `env:"NATS_BUCKET" envDefault:"HOTSEAT_ROOMS"`
	RedisAddr   string  `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass   string  `env:"REDIS_PASSWORD"`
	RedisDB     int     `env:"REDIS_DB" envDefault:"0"`
	PGNotifyKey string  `env:"PG_NOTIFY_CHANNEL" envDefault:"hotseat_rooms"`

	QuestionsPath  string `env:"QUESTIONS_PATH"`
	GameConfigPath string `env:"GAME_CONFIG_PATH"`

	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	ProbeInterval         time.Duration `env:"PROBE_INTERVAL" envDefault:"10s"`
	AutoAdvanceInterval   time.Duration `env:"AUTO_ADVANCE_INTERVAL" envDefault:"2s"`
	HostInactiveThreshold time.Duration `env:"HOST_INACTIVE_THRESHOLD" envDefault:"15s"`
	StallThreshold        time.Duration `env:"STALL_THRESHOLD" envDefault:"20s"`
	WriteAttempts         int           `env:"WRITE_ATTEMPTS" envDefault:"4"`
	WriteBaseDelay        time.Duration `env:"WRITE_BASE_DELAY" envDefault:"250ms"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values the parser cannot.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendNATS, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Backend)
	}
	if _, err := models.ParsePlayerID(c.PlayerID); err != nil {
		return fmt.Errorf("invalid PLAYER_ID: %w", err)
	}
	if c.WriteAttempts < 1 {
		return fmt.Errorf("WRITE_ATTEMPTS must be at least 1, got %d", c.WriteAttempts)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

type gameFile struct {
	Game models.GameConfig `yaml:"game"`
}

// LoadGameConfig reads the rules for new rooms from a YAML file with a
// top-level game key. An empty path returns the standard rules; keys missing
// from the file keep their standard values.
func LoadGameConfig(path string) (models.GameConfig, error) {
	if path == "" {
		return models.DefaultGameConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.GameConfig{}, fmt.Errorf("failed to read game config: %w", err)
	}
	return ParseGameConfig(data)
}

// ParseGameConfig decodes YAML game rules over the standard ones.
func ParseGameConfig(data []byte) (models.GameConfig, error) {
	f := gameFile{Game: models.DefaultGameConfig()}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return models.GameConfig{}, fmt.Errorf("failed to parse game config: %w", err)
	}
	if f.Game.MaxTemperature <= f.Game.BaseDamage {
		return models.GameConfig{}, fmt.Errorf("max_temperature %.0f must exceed base_damage %.0f", f.Game.MaxTemperature, f.Game.BaseDamage)
	}
	return f.Game.WithDefaults(), nil
}
