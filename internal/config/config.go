package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Cache    CacheConfig    `yaml:"cache"`
	LogLevel string         `yaml:"log_level"`
}

type TelegramConfig struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
}

type CacheConfig struct {
	// Path to the bolt database file. Defaults to peers.db under Dir().
	Database string `yaml:"database"`
	// How long full profile data stays fresh before a background refresh.
	FullInfoTTL Duration `yaml:"full_info_ttl"`
	// How often the contact list is reconciled with the server.
	ContactResync Duration `yaml:"contact_resync"`
}

// Duration reads "30m" style values from yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func Dir() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(cfgDir, "peerdb")
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Cache.Database == "" {
		cfg.Cache.Database = filepath.Join(Dir(), "peers.db")
	}
	if cfg.Cache.FullInfoTTL <= 0 {
		cfg.Cache.FullInfoTTL = Duration(time.Hour)
	}
	if cfg.Cache.ContactResync <= 0 {
		cfg.Cache.ContactResync = Duration(24 * time.Hour)
	}

	return &cfg, nil
}
