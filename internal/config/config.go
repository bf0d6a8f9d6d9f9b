package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Letterboxd LetterboxdConfig `mapstructure:"letterboxd"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Vault      VaultConfig      `mapstructure:"vault"`
}

type AppConfig struct {
	Env     string `mapstructure:"env"`
	DataDir string `mapstructure:"data_dir"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	// Path overrides the default <data_dir>/listsync.db location.
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	LockRetries int           `mapstructure:"lock_retries"`
}

type LetterboxdConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PageDelay    time.Duration `mapstructure:"page_delay"`
	LoginRetries int           `mapstructure:"login_retries"`
	LoginBackoff time.Duration `mapstructure:"login_backoff"`
	UserAgent    string        `mapstructure:"user_agent"`
}

type SyncConfig struct {
	CronEnabled bool   `mapstructure:"cron_enabled"`
	CronSpec    string `mapstructure:"cron_spec"`
}

type VaultConfig struct {
	// KeyPath overrides the default <data_dir>/sync_key.key location.
	KeyPath string `mapstructure:"key_path"`
}

// DBPath resolves the SQLite file location, preferring the explicit override.
func (c Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	return filepath.Join(c.App.DataDir, "listsync.db")
}

// VaultKeyPath resolves the credential key file location.
func (c Config) VaultKeyPath() string {
	if c.Vault.KeyPath != "" {
		return c.Vault.KeyPath
	}
	return filepath.Join(c.App.DataDir, "sync_key.key")
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.data_dir", "./data")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.busy_timeout", "30s")
	v.SetDefault("db.lock_retries", 3)
	v.SetDefault("letterboxd.base_url", "https://letterboxd.com")
	v.SetDefault("letterboxd.timeout", "30s")
	v.SetDefault("letterboxd.page_delay", "1s")
	v.SetDefault("letterboxd.login_retries", 3)
	v.SetDefault("letterboxd.login_backoff", "5s")
	v.SetDefault("letterboxd.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	v.SetDefault("sync.cron_enabled", true)
	v.SetDefault("sync.cron_spec", "@every 5m")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
