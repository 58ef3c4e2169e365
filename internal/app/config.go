package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"e2ee/internal/audit"
	"e2ee/internal/domain"
	"e2ee/internal/services/message"
	"e2ee/internal/services/prekey"
	"e2ee/internal/vault"
)

// DefaultRelayURL is the relay used when none is configured.
const DefaultRelayURL = "http://127.0.0.1:8080"

// Config holds runtime wiring options for building the app.
type Config struct {
	// Home is the state directory, e.g. $HOME/.e2ee.
	Home     string          `yaml:"home"`
	DeviceID domain.DeviceID `yaml:"device_id"`
	RelayURL string          `yaml:"relay_url"`

	Vault   VaultConfig   `yaml:"vault"`
	PreKeys PreKeyConfig  `yaml:"prekeys"`
	Ratchet RatchetConfig `yaml:"ratchet"`
	Audit   audit.Config  `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
}

type VaultConfig struct {
	Iterations    int           `yaml:"iterations"`
	AutoLockAfter time.Duration `yaml:"auto_lock_after"`
}

type PreKeyConfig struct {
	RotationInterval time.Duration `yaml:"rotation_interval"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	BatchSize        int           `yaml:"batch_size"`
	LowWatermark     int           `yaml:"low_watermark"`
	CheckInterval    time.Duration `yaml:"check_interval"`
}

type RatchetConfig struct {
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the defaults rooted at home.
func DefaultConfig(home string) Config {
	return Config{
		Home:     home,
		RelayURL: DefaultRelayURL,
		Vault: VaultConfig{
			Iterations:    vault.DefaultIterations,
			AutoLockAfter: 15 * time.Minute,
		},
		PreKeys: PreKeyConfig{
			RotationInterval: prekey.DefaultRotationInterval,
			BatchSize:        prekey.DefaultBatchSize,
			LowWatermark:     prekey.DefaultLowWatermark,
			CheckInterval:    time.Hour,
		},
		Ratchet: RatchetConfig{
			MaxConsecutiveFailures: message.DefaultMaxConsecutiveFailures,
		},
		Audit: audit.Config{Enabled: true},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// ConfigPath is the config file inside home.
func ConfigPath(home string) string { return filepath.Join(home, "config.yaml") }

// DatabasePath is the bbolt file inside home.
func (c Config) DatabasePath() string { return filepath.Join(c.Home, "e2ee.db") }

// LoadConfig reads home/config.yaml over the defaults, when it exists, then
// applies E2EE_* environment overrides.
func LoadConfig(home string) (Config, error) {
	cfg := DefaultConfig(home)
	data, err := os.ReadFile(ConfigPath(home))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Home = home
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// SaveConfig writes cfg to its home directory.
func SaveConfig(cfg Config) error {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(cfg.Home), data, 0o600)
}

// ApplyEnvOverrides applies E2EE_DEVICE_ID, E2EE_RELAY_URL, E2EE_LOG_LEVEL,
// E2EE_LOG_FORMAT, E2EE_AUTO_LOCK and E2EE_OPK_BATCH_SIZE.
func ApplyEnvOverrides(cfg *Config) error {
	if v := env("E2EE_DEVICE_ID"); v != "" {
		cfg.DeviceID = domain.DeviceID(v)
	}
	if v := env("E2EE_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := env("E2EE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("E2EE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := env("E2EE_AUTO_LOCK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("E2EE_AUTO_LOCK: %w", err)
		}
		cfg.Vault.AutoLockAfter = d
	}
	if v := env("E2EE_OPK_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("E2EE_OPK_BATCH_SIZE: %w", err)
		}
		cfg.PreKeys.BatchSize = n
	}
	return nil
}

// Validate rejects settings the services would refuse later.
func (c Config) Validate() error {
	switch {
	case c.Home == "":
		return errors.New("config: home is required")
	case c.Vault.Iterations < vault.MinIterations:
		return fmt.Errorf("config: vault.iterations below %d", vault.MinIterations)
	case c.PreKeys.BatchSize <= 0:
		return errors.New("config: prekeys.batch_size must be positive")
	case c.PreKeys.LowWatermark < 0 || c.PreKeys.LowWatermark > c.PreKeys.BatchSize:
		return errors.New("config: prekeys.low_watermark must be between 0 and batch_size")
	case c.PreKeys.RotationInterval <= 0:
		return errors.New("config: prekeys.rotation_interval must be positive")
	}
	return nil
}

// SlogLevel parses the configured log level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }
