// Package config provides configuration management for agentplane.
// Configuration is read from defaults, an optional config.yaml and
// AGENTPLANE_-prefixed environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Bus         BusConfig         `mapstructure:"bus"`
	Controller  ControllerConfig  `mapstructure:"controller"`
	Resources   ResourcesConfig   `mapstructure:"resources"`
	Templates   TemplatesConfig   `mapstructure:"templates"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Docker      DockerConfig      `mapstructure:"docker"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Demo        DemoConfig        `mapstructure:"demo"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BusConfig holds message bus configuration.
type BusConfig struct {
	InboxCapacity        int  `mapstructure:"inboxCapacity"`
	EnqueueTimeout       int  `mapstructure:"enqueueTimeout"` // in milliseconds, 0 = fail fast
	FairnessWindow       int  `mapstructure:"fairnessWindow"` // pending-message tolerance for LOAD_BALANCED
	DefaultTTLSeconds    int  `mapstructure:"defaultTTLSeconds"`
	HistoryLimit         int  `mapstructure:"historyLimit"`
	PersistTopicMessages bool `mapstructure:"persistTopicMessages"`
}

// ControllerConfig holds agent controller configuration.
type ControllerConfig struct {
	ID                    string `mapstructure:"id"`
	TaskTimeoutSeconds    int    `mapstructure:"taskTimeoutSeconds"`
	PendingTimeoutSeconds int    `mapstructure:"pendingTimeoutSeconds"`
	SweepIntervalMs       int    `mapstructure:"sweepIntervalMs"`
	StopGraceSeconds      int    `mapstructure:"stopGraceSeconds"`
	QueueSize             int    `mapstructure:"queueSize"` // 0 = unbounded
	AckMode               string `mapstructure:"ackMode"`   // delivery | explicit
	StrictAdmission       bool   `mapstructure:"strictAdmission"`
}

// ResourcesConfig holds resource manager configuration.
type ResourcesConfig struct {
	SampleTimeoutMs int `mapstructure:"sampleTimeoutMs"`
	GPUCount        int `mapstructure:"gpuCount"`
}

// TemplatesConfig points at a YAML file of agent templates loaded at startup.
type TemplatesConfig struct {
	File string `mapstructure:"file"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // memory | sqlite | postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// PersistenceConfig holds the write-behind settings for the persistence collaborator.
type PersistenceConfig struct {
	BufferSize            int `mapstructure:"bufferSize"`
	BreakerMaxFailures    int `mapstructure:"breakerMaxFailures"`
	BreakerTimeoutSeconds int `mapstructure:"breakerTimeoutSeconds"`
}

// MaintenanceConfig holds housekeeping schedules.
type MaintenanceConfig struct {
	EvictionSchedule string `mapstructure:"evictionSchedule"`
}

// NATSConfig holds NATS configuration for outbound change events.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// SubjectPrefix namespaces this instance's subjects on a shared server.
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// DockerConfig holds Docker launcher configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// MCPConfig holds the MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DemoConfig lists simulated agents created at startup.
type DemoConfig struct {
	Agents []DemoAgent `mapstructure:"agents"`
}

// DemoAgent is one simulated agent to spawn from a template.
type DemoAgent struct {
	Template string `mapstructure:"template"`
	ID       string `mapstructure:"id"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// EnqueueTimeoutDuration returns the inbox backpressure wait.
func (b *BusConfig) EnqueueTimeoutDuration() time.Duration {
	return time.Duration(b.EnqueueTimeout) * time.Millisecond
}

// DefaultTTL returns the TTL applied to persistent messages without one.
func (b *BusConfig) DefaultTTL() time.Duration {
	return time.Duration(b.DefaultTTLSeconds) * time.Second
}

// TaskTimeout returns the default ASSIGNED/RUNNING deadline.
func (c *ControllerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// PendingTimeout returns how long a task may wait for an agent.
func (c *ControllerConfig) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutSeconds) * time.Second
}

// SweepInterval returns the timeout sweep cadence.
func (c *ControllerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// StopGrace returns the Stop drain grace period.
func (c *ControllerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// SampleTimeout returns the bounded host-sampling deadline.
func (r *ResourcesConfig) SampleTimeout() time.Duration {
	return time.Duration(r.SampleTimeoutMs) * time.Millisecond
}

// BreakerTimeout returns how long the persistence breaker stays open.
func (p *PersistenceConfig) BreakerTimeout() time.Duration {
	return time.Duration(p.BreakerTimeoutSeconds) * time.Second
}

// DSN returns the PostgreSQL keyword/value connection string. Empty fields
// are left out so libpq defaults apply.
func (d *DatabaseConfig) DSN() string {
	parts := make([]string, 0, 6)
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	add("host", d.Host)
	if d.Port > 0 {
		add("port", strconv.Itoa(d.Port))
	}
	add("user", d.User)
	add("password", d.Password)
	add("dbname", d.DBName)
	add("sslmode", d.SSLMode)
	return strings.Join(parts, " ")
}

// detectDefaultLogFormat returns "json" in Kubernetes or production and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("bus.inboxCapacity", 256)
	v.SetDefault("bus.enqueueTimeout", 0)
	v.SetDefault("bus.fairnessWindow", 0)
	v.SetDefault("bus.defaultTTLSeconds", 3600)
	v.SetDefault("bus.historyLimit", 10000)
	v.SetDefault("bus.persistTopicMessages", false)

	v.SetDefault("controller.id", "controller")
	v.SetDefault("controller.taskTimeoutSeconds", 300)
	v.SetDefault("controller.pendingTimeoutSeconds", 600)
	v.SetDefault("controller.sweepIntervalMs", 1000)
	v.SetDefault("controller.stopGraceSeconds", 10)
	v.SetDefault("controller.queueSize", 0)
	v.SetDefault("controller.ackMode", "delivery")
	v.SetDefault("controller.strictAdmission", false)

	v.SetDefault("resources.sampleTimeoutMs", 1000)
	v.SetDefault("resources.gpuCount", 0)

	v.SetDefault("templates.file", "")

	// memory keeps everything in-process; sqlite and postgres enable the SQL store
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "./agentplane.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentplane")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	v.SetDefault("persistence.bufferSize", 1024)
	v.SetDefault("persistence.breakerMaxFailures", 5)
	v.SetDefault("persistence.breakerTimeoutSeconds", 30)

	v.SetDefault("maintenance.evictionSchedule", "@every 1m")

	// empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentplane")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "agentplane")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9091)
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE variables.
	_ = v.BindEnv("bus.inboxCapacity", "AGENTPLANE_BUS_INBOX_CAPACITY")
	_ = v.BindEnv("bus.defaultTTLSeconds", "AGENTPLANE_BUS_DEFAULT_TTL_SECONDS")
	_ = v.BindEnv("controller.taskTimeoutSeconds", "AGENTPLANE_CONTROLLER_TASK_TIMEOUT_SECONDS")
	_ = v.BindEnv("controller.ackMode", "AGENTPLANE_CONTROLLER_ACK_MODE")
	_ = v.BindEnv("resources.sampleTimeoutMs", "AGENTPLANE_RESOURCES_SAMPLE_TIMEOUT_MS")
	_ = v.BindEnv("templates.file", "AGENTPLANE_TEMPLATES_FILE")
	_ = v.BindEnv("database.driver", "AGENTPLANE_DATABASE_DRIVER")
	_ = v.BindEnv("nats.subjectPrefix", "AGENTPLANE_NATS_SUBJECT_PREFIX")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentplane/")

	// Read config file (ignore if not found)
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

// validate checks that all configuration fields hold usable values.
// Returns an error describing all validation failures.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Bus.InboxCapacity <= 0 {
		errs = append(errs, "bus.inboxCapacity must be positive")
	}
	if cfg.Bus.EnqueueTimeout < 0 {
		errs = append(errs, "bus.enqueueTimeout must not be negative")
	}
	if cfg.Bus.FairnessWindow < 0 {
		errs = append(errs, "bus.fairnessWindow must not be negative")
	}
	if cfg.Bus.DefaultTTLSeconds < 0 {
		errs = append(errs, "bus.defaultTTLSeconds must not be negative")
	}
	if cfg.Bus.HistoryLimit <= 0 {
		errs = append(errs, "bus.historyLimit must be positive")
	}

	if cfg.Controller.ID == "" {
		errs = append(errs, "controller.id is required")
	}
	if cfg.Controller.TaskTimeoutSeconds <= 0 {
		errs = append(errs, "controller.taskTimeoutSeconds must be positive")
	}
	if cfg.Controller.PendingTimeoutSeconds <= 0 {
		errs = append(errs, "controller.pendingTimeoutSeconds must be positive")
	}
	if cfg.Controller.SweepIntervalMs <= 0 {
		errs = append(errs, "controller.sweepIntervalMs must be positive")
	}
	if cfg.Controller.StopGraceSeconds < 0 {
		errs = append(errs, "controller.stopGraceSeconds must not be negative")
	}
	if cfg.Controller.QueueSize < 0 {
		errs = append(errs, "controller.queueSize must not be negative")
	}
	switch cfg.Controller.AckMode {
	case "delivery", "explicit":
	default:
		errs = append(errs, "controller.ackMode must be one of: delivery, explicit")
	}

	if strings.ContainsAny(cfg.NATS.SubjectPrefix, "*> \t") || strings.HasPrefix(cfg.NATS.SubjectPrefix, ".") || strings.HasSuffix(cfg.NATS.SubjectPrefix, ".") {
		errs = append(errs, "nats.subjectPrefix must be a plain subject without wildcards or edge dots")
	}

	if cfg.Resources.SampleTimeoutMs <= 0 {
		errs = append(errs, "resources.sampleTimeoutMs must be positive")
	}
	if cfg.Resources.GPUCount < 0 {
		errs = append(errs, "resources.gpuCount must not be negative")
	}

	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Persistence.BufferSize <= 0 {
		errs = append(errs, "persistence.bufferSize must be positive")
	}
	if cfg.Persistence.BreakerMaxFailures <= 0 {
		errs = append(errs, "persistence.breakerMaxFailures must be positive")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	for i, a := range cfg.Demo.Agents {
		if a.Template == "" || a.ID == "" {
			errs = append(errs, fmt.Sprintf("demo.agents[%d] needs both template and id", i))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
