package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "FIELDSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "fieldsync.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultSessionIssuer       = "fieldsync"
	defaultSessionTTL          = 12 * time.Hour
	defaultFilesRoot           = "documents"
	defaultDeletionGracePeriod = 24 * time.Hour
	defaultSweepInterval       = 15 * time.Minute
	defaultPriorityThreshold   = 1
	defaultPushLimit           = 500
)

// AppConfig captures runtime configuration for the service and the CLI.
type AppConfig struct {
	HTTPAddress         string
	AllowedOrigins      []string
	DatabasePath        string
	DeviceID            string
	LogLevel            string
	SessionSecret       string
	SessionIssuer       string
	SessionCookieName   string
	SessionTTL          time.Duration
	FilesRoot           string
	DeletionGracePeriod time.Duration
	SweepInterval       time.Duration
	PriorityThreshold   int
	PushLimit           int
	BundleDir           string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("files.root", defaultFilesRoot)
	configViper.SetDefault("files.deletion_grace_period", defaultDeletionGracePeriod)
	configViper.SetDefault("files.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("sync.priority_threshold", defaultPriorityThreshold)
	configViper.SetDefault("sync.push_limit", defaultPushLimit)
	configViper.SetDefault("sync.bundle_dir", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:        configViper.GetString("database.path"),
		DeviceID:            strings.TrimSpace(configViper.GetString("device.id")),
		LogLevel:            configViper.GetString("log.level"),
		SessionSecret:       configViper.GetString("session.signing_secret"),
		SessionIssuer:       configViper.GetString("session.issuer"),
		SessionCookieName:   configViper.GetString("session.cookie_name"),
		SessionTTL:          configViper.GetDuration("session.ttl"),
		FilesRoot:           configViper.GetString("files.root"),
		DeletionGracePeriod: configViper.GetDuration("files.deletion_grace_period"),
		SweepInterval:       configViper.GetDuration("files.sweep_interval"),
		PriorityThreshold:   configViper.GetInt("sync.priority_threshold"),
		PushLimit:           configViper.GetInt("sync.push_limit"),
		BundleDir:           configViper.GetString("sync.bundle_dir"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SyncEnabled reports whether a bundle directory was configured.
func (c AppConfig) SyncEnabled() bool {
	return strings.TrimSpace(c.BundleDir) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device.id is required")
	}
	if strings.ContainsAny(c.DeviceID, `/\`) {
		return fmt.Errorf("device.id must not contain path separators")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.DeletionGracePeriod < 0 {
		return fmt.Errorf("files.deletion_grace_period must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("files.sweep_interval must be positive")
	}
	if c.PriorityThreshold < 1 || c.PriorityThreshold > 10 {
		return fmt.Errorf("sync.priority_threshold must be between 1 and 10")
	}
	if c.PushLimit <= 0 {
		return fmt.Errorf("sync.push_limit must be positive")
	}
	return nil
}
