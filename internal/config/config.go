package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DIALTONE"
	defaultOpsAddress        = "127.0.0.1:8710"
	defaultDatabasePath      = "dialtone.db"
	defaultLogLevel          = "info"
	defaultUploadChunkSize   = 25
	defaultDownloadPageSize  = 50
	defaultPassInterval      = 15 * time.Second
	defaultPassMaxBackoff    = 5 * time.Minute
	defaultRequestTimeoutSec = 30
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	OpsAddress       string
	DatabasePath     string
	ServerBaseURL    string
	InstanceNumber   string
	UploadChunkSize  int
	DownloadPageSize int
	PassInterval     time.Duration
	PassMaxBackoff   time.Duration
	RequestTimeout   time.Duration
	ContactsSnapshot string
	CallsSnapshot    string
	LogLevel         string
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

	configViper.SetDefault("ops.address", defaultOpsAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("upload.chunk_size", defaultUploadChunkSize)
	configViper.SetDefault("download.page_size", defaultDownloadPageSize)
	configViper.SetDefault("pass.interval", defaultPassInterval.String())
	configViper.SetDefault("pass.max_backoff", defaultPassMaxBackoff.String())
	configViper.SetDefault("server.timeout_seconds", defaultRequestTimeoutSec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		OpsAddress:       configViper.GetString("ops.address"),
		DatabasePath:     configViper.GetString("database.path"),
		ServerBaseURL:    configViper.GetString("server.base_url"),
		InstanceNumber:   configViper.GetString("instance.number"),
		UploadChunkSize:  configViper.GetInt("upload.chunk_size"),
		DownloadPageSize: configViper.GetInt("download.page_size"),
		PassInterval:     configViper.GetDuration("pass.interval"),
		PassMaxBackoff:   configViper.GetDuration("pass.max_backoff"),
		RequestTimeout:   time.Duration(configViper.GetInt("server.timeout_seconds")) * time.Second,
		ContactsSnapshot: configViper.GetString("provider.contacts_path"),
		CallsSnapshot:    configViper.GetString("provider.calls_path"),
		LogLevel:         configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ServerBaseURL) == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if strings.TrimSpace(c.InstanceNumber) == "" {
		return fmt.Errorf("instance.number is required")
	}
	if c.UploadChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive")
	}
	if c.DownloadPageSize <= 0 {
		return fmt.Errorf("download.page_size must be positive")
	}
	return nil
}
