package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 8080
	DefaultDataDir  = "./data"
	DefaultSyncCron = "@every 10m"

	SessionFileName = "session.json"
	DBFileName      = "messages.db"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Server   ServerConfig   `json:"server"`
	Archive  ArchiveConfig  `json:"archive"`
	Debug    bool           `json:"debug"`
}

type TelegramConfig struct {
	APIID   int    `json:"apiId"`
	APIHash string `json:"apiHash"`
	Phone   string `json:"phoneNumber"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ArchiveConfig struct {
	DataDir  string `json:"dataDir"`
	SyncCron string `json:"syncCron"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Archive: ArchiveConfig{
			DataDir:  DefaultDataDir,
			SyncCron: DefaultSyncCron,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".tgvault")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TELEGRAM_API_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_API_ID: %w", err)
		}
		cfg.Telegram.APIID = id
	}
	if v := os.Getenv("TELEGRAM_API_HASH"); v != "" {
		cfg.Telegram.APIHash = v
	}
	if v := os.Getenv("TELEGRAM_PHONE_NUMBER"); v != "" {
		cfg.Telegram.Phone = v
	}
	if v := os.Getenv("MCP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MCP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MCP_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("TGVAULT_DATA_DIR"); v != "" {
		cfg.Archive.DataDir = v
	}
	if v := os.Getenv("TGVAULT_SYNC_CRON"); v != "" {
		cfg.Archive.SyncCron = v
	}
	if v := os.Getenv("TGVAULT_DEBUG"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = parsed
		}
	}

	if cfg.Archive.DataDir == "" {
		cfg.Archive.DataDir = DefaultDataDir
	}
	if cfg.Archive.SyncCron == "" {
		cfg.Archive.SyncCron = DefaultSyncCron
	}

	return cfg, nil
}

// Validate checks the fields serve cannot run without.
func (c *Config) Validate() error {
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("TELEGRAM_API_ID is required")
	}
	if c.Telegram.APIHash == "" {
		return fmt.Errorf("TELEGRAM_API_HASH is required")
	}
	if c.Telegram.Phone == "" {
		return fmt.Errorf("TELEGRAM_PHONE_NUMBER is required")
	}
	return nil
}

func (c *Config) SessionPath() string {
	return filepath.Join(c.Archive.DataDir, SessionFileName)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.Archive.DataDir, DBFileName)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
