// Package config loads the settings shared by the CLI commands.
//
// Values come from, in increasing priority: defaults, config.yaml in the
// session directory, a .env file in the session directory, PUSHREG_*
// environment variables and explicitly bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/slush-dev/push-registry/store"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PUSHREG"

// Config is the resolved configuration.
type Config struct {
	SessionDir string `mapstructure:"-"`
	// ConfigFile is the file Load read, empty if none.
	ConfigFile string `mapstructure:"-"`

	// ProjectID is the FCM sender ID tokens are issued for.
	ProjectID string `mapstructure:"project_id"`

	Log      Log      `mapstructure:"log"`
	Store    Store    `mapstructure:"store"`
	Registry Registry `mapstructure:"registry"`
	FCM      FCM      `mapstructure:"fcm"`
	Backend  Backend  `mapstructure:"backend"`
	Relay    Relay    `mapstructure:"relay"`
	Sender   Sender   `mapstructure:"sender"`
	Notify   Notify   `mapstructure:"notify"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

type Log struct {
	Debug  bool   `mapstructure:"debug"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Store struct {
	Driver        string `mapstructure:"driver"`
	Namespace     string `mapstructure:"namespace"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

type Registry struct {
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	AnnounceEveryCall bool          `mapstructure:"announce_every_call"`
}

type FCM struct {
	TokenMaxAge time.Duration `mapstructure:"token_max_age"`
	AppPackage  string        `mapstructure:"app_package"`
	AppCertSHA1 string        `mapstructure:"app_cert_sha1"`
}

type Backend struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	InstanceID string        `mapstructure:"instance_id"`
	AppVersion string        `mapstructure:"app_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type Relay struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type Sender struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	ProjectID       string `mapstructure:"project_id"`
}

type Notify struct {
	PayloadKey string `mapstructure:"payload_key"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig returns the store.Config for this configuration.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:        c.Store.Driver,
		Namespace:     c.Store.Namespace,
		Dir:           c.SessionDir,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
	}
}

// Option configures Load.
type Option func(*loader)

// WithViper loads through v so callers can bind flags to keys before Load.
func WithViper(v *viper.Viper) Option {
	return func(l *loader) {
		l.v = v
	}
}

// WithConfigFile reads path instead of config.yaml in the session dir.
func WithConfigFile(path string) Option {
	return func(l *loader) {
		l.configFile = path
	}
}

type loader struct {
	v          *viper.Viper
	configFile string
}

// Load resolves the configuration for sessionDir.
func Load(sessionDir string, opts ...Option) (*Config, error) {
	l := &loader{}
	for _, opt := range opts {
		opt(l)
	}
	if l.v == nil {
		l.v = viper.New()
	}
	v := l.v

	if err := loadDotEnv(filepath.Join(sessionDir, ".env")); err != nil {
		return nil, err
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows; nested keys without
	// defaults need explicit bindings for Unmarshal to see them.
	for _, key := range envOnlyKeys {
		_ = v.BindEnv(key)
	}

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(sessionDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.SessionDir = sessionDir
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envOnlyKeys = []string{
	"project_id",
	"log.file",
	"store.redis_addr",
	"store.redis_password",
	"fcm.app_package",
	"fcm.app_cert_sha1",
	"backend.url",
	"backend.api_key",
	"backend.instance_id",
	"backend.app_version",
	"relay.url",
	"relay.api_key",
	"sender.credentials_file",
	"sender.project_id",
	"metrics.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.debug", false)
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.namespace", store.DefaultNamespace)
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("registry.fetch_timeout", 30*time.Second)
	v.SetDefault("registry.announce_every_call", false)
	v.SetDefault("fcm.token_max_age", 7*24*time.Hour)
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("notify.payload_key", "payload")
}

// loadDotEnv sets variables from path without overriding the real
// environment. A missing file is fine.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "file", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "redis" && c.Store.RedisAddr == "" {
		return errors.New("config: store.redis_addr is required for the redis driver")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Registry.FetchTimeout <= 0 {
		return errors.New("config: registry.fetch_timeout must be positive")
	}
	return nil
}
