package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "HIPPO"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "hippo.db"
	defaultLogLevel            = "info"
	defaultIssuer              = "hippo-repository"
	defaultCookieName          = "hippo_session"
	defaultTokenTTLMinutes     = 30
	defaultWaitRetries         = 10
	defaultWaitIntervalMillis  = 500
	defaultWaitMode            = "bounded"
	defaultSweepIntervalMillis = 5000
	defaultSyncCacheMillis     = 1000
	defaultMigrationBatchSize  = 100
	defaultTypeCacheTTLSeconds = 300
	defaultSchedulerSeconds    = 60
	defaultTracingExporter     = "stdout"
	defaultTracingSampleRate   = 1.0
)

// AppConfig captures runtime configuration for the repository service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	InitializeWaitRetries  int
	InitializeWaitInterval time.Duration
	InitializeWaitMode     string
	InitializeSweep        time.Duration
	InitializeSyncCache    time.Duration
	InitializeResourceRoot string

	BootstrapFile  string
	BootstrapWatch bool

	MigrationBatchSize int
	TypeCacheTTL       time.Duration
	SchedulerInterval  time.Duration

	TracingEnabled      bool
	TracingExporter     string
	TracingOTLPEndpoint string
	TracingSampleRate   float64
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("initialize.wait_retries", defaultWaitRetries)
	configViper.SetDefault("initialize.wait_interval_ms", defaultWaitIntervalMillis)
	configViper.SetDefault("initialize.wait_mode", defaultWaitMode)
	configViper.SetDefault("initialize.sweep_interval_ms", defaultSweepIntervalMillis)
	configViper.SetDefault("initialize.sync_cache_ms", defaultSyncCacheMillis)
	configViper.SetDefault("initialize.resource_root", "")
	configViper.SetDefault("bootstrap.file", "")
	configViper.SetDefault("bootstrap.watch", false)
	configViper.SetDefault("migration.batch_size", defaultMigrationBatchSize)
	configViper.SetDefault("nodetype.cache_ttl_seconds", defaultTypeCacheTTLSeconds)
	configViper.SetDefault("scheduler.interval_seconds", defaultSchedulerSeconds)
	configViper.SetDefault("tracing.enabled", false)
	configViper.SetDefault("tracing.exporter", defaultTracingExporter)
	configViper.SetDefault("tracing.otlp_endpoint", "")
	configViper.SetDefault("tracing.sample_rate", defaultTracingSampleRate)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		InitializeWaitRetries:  configViper.GetInt("initialize.wait_retries"),
		InitializeWaitInterval: time.Duration(configViper.GetInt("initialize.wait_interval_ms")) * time.Millisecond,
		InitializeWaitMode:     strings.ToLower(strings.TrimSpace(configViper.GetString("initialize.wait_mode"))),
		InitializeSweep:        time.Duration(configViper.GetInt("initialize.sweep_interval_ms")) * time.Millisecond,
		InitializeSyncCache:    time.Duration(configViper.GetInt("initialize.sync_cache_ms")) * time.Millisecond,
		InitializeResourceRoot: configViper.GetString("initialize.resource_root"),

		BootstrapFile:  configViper.GetString("bootstrap.file"),
		BootstrapWatch: configViper.GetBool("bootstrap.watch"),

		MigrationBatchSize: configViper.GetInt("migration.batch_size"),
		TypeCacheTTL:       time.Duration(configViper.GetInt("nodetype.cache_ttl_seconds")) * time.Second,
		SchedulerInterval:  time.Duration(configViper.GetInt("scheduler.interval_seconds")) * time.Second,

		TracingEnabled:      configViper.GetBool("tracing.enabled"),
		TracingExporter:     configViper.GetString("tracing.exporter"),
		TracingOTLPEndpoint: configViper.GetString("tracing.otlp_endpoint"),
		TracingSampleRate:   configViper.GetFloat64("tracing.sample_rate"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.InitializeWaitMode {
	case "bounded", "unbounded":
	default:
		return fmt.Errorf("initialize.wait_mode must be bounded or unbounded, got %q", c.InitializeWaitMode)
	}
	if c.InitializeWaitRetries < 0 {
		return fmt.Errorf("initialize.wait_retries must not be negative")
	}
	if c.BootstrapWatch && strings.TrimSpace(c.BootstrapFile) == "" {
		return fmt.Errorf("bootstrap.watch requires bootstrap.file")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	return nil
}
