// Package config provides configuration management for Agentmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agentmesh.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Blob         BlobConfig         `mapstructure:"blob"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// WebSocketURL is the base URL advertised to UI clients for /events.
	WebSocketURL string `mapstructure:"websocketUrl"`
}

// DatabaseConfig holds database connection configuration.
// When URL is empty the repositories fall back to a local SQLite file.
type DatabaseConfig struct {
	URL        string `mapstructure:"url"`
	SQLitePath string `mapstructure:"sqlitePath"`
	MaxConns   int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BlobConfig holds artifact storage configuration.
type BlobConfig struct {
	// ConnectionString enables the remote blob backend when set.
	ConnectionString string `mapstructure:"connectionString"`
	// AccountName enables managed-identity mode when set without a
	// connection string; returned URLs are then unsigned backend URLs.
	AccountName string `mapstructure:"accountName"`
	Container   string `mapstructure:"container"`
	// LocalPath is the filesystem root for the local fallback store.
	LocalPath string `mapstructure:"localPath"`
	// ForceRemote uploads everything to the remote backend regardless of size.
	ForceRemote bool `mapstructure:"forceRemote"`
	// SizeThreshold in bytes; smaller payloads stay on the local store
	// unless ForceRemote is set.
	SizeThreshold int64 `mapstructure:"sizeThreshold"`
	// SASDurationMinutes controls signed URL lifetime.
	SASDurationMinutes int `mapstructure:"sasDurationMinutes"`
	// SigningSecret signs local fallback URLs.
	SigningSecret string `mapstructure:"signingSecret"`
	// PublicBaseURL is the externally reachable base for local artifact URLs.
	PublicBaseURL string `mapstructure:"publicBaseUrl"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// OrchestratorConfig holds host LLM and dispatch configuration.
type OrchestratorConfig struct {
	Model                 string `mapstructure:"model"`
	MaxIterations         int    `mapstructure:"maxIterations"`
	MaxParallelAgentCalls int    `mapstructure:"maxParallelAgentCalls"`
	TurnTimeout           int    `mapstructure:"turnTimeout"` // in seconds
	MaxRetries            int    `mapstructure:"maxRetries"`  // 429 retry budget
}

// SchedulerConfig holds schedule execution configuration.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RunTimeout caps scheduled workflow execution, in seconds.
	RunTimeout   int `mapstructure:"runTimeout"`
	HistoryLimit int `mapstructure:"historyLimit"`
}

// TransportConfig holds remote agent call configuration.
type TransportConfig struct {
	ConnectTimeout    int `mapstructure:"connectTimeout"`    // in seconds
	ReadTimeout       int `mapstructure:"readTimeout"`       // in seconds
	MaxRetries        int `mapstructure:"maxRetries"`        // connect retries
	EscalationTimeout int `mapstructure:"escalationTimeout"` // in seconds
	WakeupTimeout     int `mapstructure:"wakeupTimeout"`     // health ping, in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// SASDuration returns the signed URL lifetime as a time.Duration.
func (b *BlobConfig) SASDuration() time.Duration {
	return time.Duration(b.SASDurationMinutes) * time.Minute
}

// RunTimeoutDuration returns the scheduled-run cap as a time.Duration.
func (s *SchedulerConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(s.RunTimeout) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.websocketUrl", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlitePath", "./data/agentmesh.db")
	v.SetDefault("database.maxConns", 25)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("blob.connectionString", "")
	v.SetDefault("blob.accountName", "")
	v.SetDefault("blob.container", "artifacts")
	v.SetDefault("blob.localPath", "./data/uploads")
	v.SetDefault("blob.forceRemote", false)
	v.SetDefault("blob.sizeThreshold", 256*1024)
	v.SetDefault("blob.sasDurationMinutes", 7*24*60)
	v.SetDefault("blob.signingSecret", "")
	v.SetDefault("blob.publicBaseUrl", "")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 24*3600)

	v.SetDefault("orchestrator.model", "claude-sonnet-4-5")
	v.SetDefault("orchestrator.maxIterations", 25)
	v.SetDefault("orchestrator.maxParallelAgentCalls", 8)
	v.SetDefault("orchestrator.turnTimeout", 300)
	v.SetDefault("orchestrator.maxRetries", 5)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.runTimeout", 120)
	v.SetDefault("scheduler.historyLimit", 200)

	v.SetDefault("transport.connectTimeout", 60)
	v.SetDefault("transport.readTimeout", 180)
	v.SetDefault("transport.maxRetries", 3)
	v.SetDefault("transport.escalationTimeout", 1800)
	v.SetDefault("transport.wakeupTimeout", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Compatibility aliases used by existing deployments. AutomaticEnv does
	// not handle camelCase to SNAKE_CASE conversion, so bind explicitly.
	_ = v.BindEnv("server.host", "A2A_UI_HOST", "AGENTMESH_SERVER_HOST")
	_ = v.BindEnv("server.port", "A2A_UI_PORT", "AGENTMESH_SERVER_PORT")
	_ = v.BindEnv("server.websocketUrl", "WEBSOCKET_SERVER_URL")
	_ = v.BindEnv("database.url", "DATABASE_URL", "AGENTMESH_DATABASE_URL")
	_ = v.BindEnv("blob.connectionString", "AZURE_STORAGE_CONNECTION_STRING")
	_ = v.BindEnv("blob.accountName", "AZURE_STORAGE_ACCOUNT_NAME")
	_ = v.BindEnv("blob.container", "AZURE_BLOB_CONTAINER")
	_ = v.BindEnv("blob.forceRemote", "FORCE_AZURE_BLOB")
	_ = v.BindEnv("blob.sizeThreshold", "AZURE_BLOB_SIZE_THRESHOLD")
	_ = v.BindEnv("blob.sasDurationMinutes", "AZURE_BLOB_SAS_DURATION_MINUTES")
	_ = v.BindEnv("auth.jwtSecret", "AGENTMESH_JWT_SECRET")
	_ = v.BindEnv("orchestrator.model", "AGENTMESH_MODEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxParallelAgentCalls <= 0 {
		return fmt.Errorf("orchestrator.maxParallelAgentCalls must be positive")
	}
	if cfg.Scheduler.RunTimeout <= 0 {
		return fmt.Errorf("scheduler.runTimeout must be positive")
	}
	return nil
}
