package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SAFESCHOOL"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultCloudHTTPAddress = "0.0.0.0:8443"
	defaultQueuePath        = "offline-queue.db"
	defaultCloudDBPath      = "safeschool-cloud.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultSyncInterval     = 30 * time.Second
	defaultHealthInterval   = 15 * time.Second
	defaultSyncBatchSize    = 50
	defaultEnvironment      = "development"
	defaultVersion          = "0.0.0-dev"
	maxSyncBatchSize        = 100

	// EnvironmentProduction forces signed requests on the cloud endpoint.
	EnvironmentProduction = "production"
)

var defaultEntityTypes = []string{"alert", "visitor", "door", "lockdown", "drill", "user"}

// EdgeConfig captures runtime configuration for a site edge node.
type EdgeConfig struct {
	HTTPAddress          string
	SiteID               string
	CloudSyncURL         string
	CloudSyncKey         string
	CloudSyncSecret      string
	SyncInterval         time.Duration
	HealthInterval       time.Duration
	SyncBatchSize        int
	SyncEntityTypes      []string
	QueuePath            string
	DatabasePath         string
	RedisAddress         string
	FederationConfigPath string
	FederationProducts   []string
	SigningSecret        string
	LogLevel             string
	LogFormat            string
	Version              string
}

// CloudConfig captures runtime configuration for the cloud sync endpoint.
type CloudConfig struct {
	HTTPAddress  string
	DatabasePath string
	SyncKey      string
	SyncSecret   string
	Environment  string
	LogLevel     string
	LogFormat    string
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
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.entity_types", defaultEntityTypes)
	configViper.SetDefault("health.interval", defaultHealthInterval)
	configViper.SetDefault("queue.path", defaultQueuePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("app.version", defaultVersion)

	configViper.SetDefault("cloud.http_address", defaultCloudHTTPAddress)
	configViper.SetDefault("cloud.database_path", defaultCloudDBPath)
	configViper.SetDefault("cloud.environment", defaultEnvironment)
}

// LoadEdge parses edge node configuration from viper.
func LoadEdge(configViper *viper.Viper) (EdgeConfig, error) {
	cfg := EdgeConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		SiteID:               strings.TrimSpace(configViper.GetString("site.id")),
		CloudSyncURL:         strings.TrimRight(strings.TrimSpace(configViper.GetString("cloud.sync_url")), "/"),
		CloudSyncKey:         configViper.GetString("cloud.sync_key"),
		CloudSyncSecret:      configViper.GetString("cloud.sync_secret"),
		SyncInterval:         configViper.GetDuration("sync.interval"),
		HealthInterval:       configViper.GetDuration("health.interval"),
		SyncBatchSize:        configViper.GetInt("sync.batch_size"),
		SyncEntityTypes:      splitList(configViper.GetStringSlice("sync.entity_types")),
		QueuePath:            configViper.GetString("queue.path"),
		DatabasePath:         configViper.GetString("database.path"),
		RedisAddress:         configViper.GetString("redis.address"),
		FederationConfigPath: configViper.GetString("federation.config_path"),
		FederationProducts:   splitList(configViper.GetStringSlice("federation.products")),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		Version:              configViper.GetString("app.version"),
	}

	if err := cfg.validate(); err != nil {
		return EdgeConfig{}, err
	}

	return cfg, nil
}

// LoadQueueOnly parses just enough configuration to open the offline queue for
// operator tooling.
func LoadQueueOnly(configViper *viper.Viper) (EdgeConfig, error) {
	cfg := EdgeConfig{
		QueuePath: configViper.GetString("queue.path"),
		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),
	}
	if strings.TrimSpace(cfg.QueuePath) == "" {
		return EdgeConfig{}, fmt.Errorf("queue.path is required")
	}
	return cfg, nil
}

// LoadCloud parses cloud endpoint configuration from viper.
func LoadCloud(configViper *viper.Viper) (CloudConfig, error) {
	cfg := CloudConfig{
		HTTPAddress:  configViper.GetString("cloud.http_address"),
		DatabasePath: configViper.GetString("cloud.database_path"),
		SyncKey:      configViper.GetString("cloud.sync_key"),
		SyncSecret:   configViper.GetString("cloud.sync_secret"),
		Environment:  strings.ToLower(strings.TrimSpace(configViper.GetString("cloud.environment"))),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return CloudConfig{}, err
	}

	return cfg, nil
}

func (c EdgeConfig) validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("site.id is required")
	}
	if c.CloudSyncURL == "" {
		return fmt.Errorf("cloud.sync_url is required")
	}
	parsed, err := url.Parse(c.CloudSyncURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("cloud.sync_url must be an absolute URL")
	}
	if strings.TrimSpace(c.CloudSyncKey) == "" {
		return fmt.Errorf("cloud.sync_key is required")
	}
	if strings.TrimSpace(c.QueuePath) == "" {
		return fmt.Errorf("queue.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.SyncBatchSize <= 0 || c.SyncBatchSize > maxSyncBatchSize {
		return fmt.Errorf("sync.batch_size must be between 1 and %d", maxSyncBatchSize)
	}
	return nil
}

func (c CloudConfig) validate() error {
	if strings.TrimSpace(c.SyncKey) == "" {
		return fmt.Errorf("cloud.sync_key is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("cloud.database_path is required")
	}
	if c.Environment == EnvironmentProduction && strings.TrimSpace(c.SyncSecret) == "" {
		return fmt.Errorf("cloud.sync_secret is required in production")
	}
	return nil
}

// RequireSignatures reports whether every sync request must carry an HMAC signature.
func (c CloudConfig) RequireSignatures() bool {
	return c.Environment == EnvironmentProduction || strings.TrimSpace(c.SyncSecret) != ""
}

// splitList accepts both repeated values and comma separated env strings.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
