package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ResolutionMode controls how unresolved template references are handled
type ResolutionMode string

const (
	// ResolutionStrict aborts the workflow on an unresolved reference
	ResolutionStrict ResolutionMode = "strict"
	// ResolutionPermissive substitutes empty values and records a warning
	ResolutionPermissive ResolutionMode = "permissive"
)

// Config holds all runner configuration
type Config struct {
	Service   ServiceConfig
	Trace     TraceConfig
	Template  TemplateConfig
	Shell     ShellConfig
	Registry  RegistryConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	ToolProto ToolProtoConfig
	Execution ExecutionConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// TraceConfig holds trace truncation limits and output locations
type TraceConfig struct {
	// Workspace-relative directory receiving trace and debug files
	DebugDir string
	// Truncation limits, in bytes of rendered value
	PromptMax   int
	ResponseMax int
	StoreMax    int
	DictMax     int
	LLMCallsMax int
	// Write the derived smart-debug markdown file alongside the JSON trace
	WriteMarkdown bool
}

// TemplateConfig holds template engine settings
type TemplateConfig struct {
	ResolutionMode ResolutionMode
}

// ShellConfig holds shell node settings
type ShellConfig struct {
	// Strict rejects commands matching the unsafe pattern list
	Strict bool
}

// RegistryConfig holds registry scan settings
type RegistryConfig struct {
	// IncludeTestNodes keeps nodes whose name carries the -test suffix
	IncludeTestNodes bool
	ScanPaths        []string
}

// CacheConfig holds iteration cache settings
type CacheConfig struct {
	Enabled bool
	// Backend is "file" (workspace-local, default) or "redis"
	Backend string
	Dir     string
}

// RedisConfig holds redis connection settings for the shared cache backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig holds Postgres settings for the optional history recorder
type DatabaseConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// ToolProtoConfig holds tool-protocol client settings
type ToolProtoConfig struct {
	// ConfigPath points at the server list file
	ConfigPath string
	// DiscoveryCachePath holds the cached tool listings
	DiscoveryCachePath string
	CallTimeout        time.Duration
	MaxInFlight        int
}

// ExecutionConfig holds executor defaults
type ExecutionConfig struct {
	NodeTimeout      time.Duration
	WorkflowDeadline time.Duration
	// Grace window granted to a running node on cancellation
	CancelGrace time.Duration
	AutoRepair  bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	workspace := getEnv("FLOW_WORKSPACE", ".")

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Trace: TraceConfig{
			DebugDir:      getEnv("FLOW_DEBUG_DIR", filepath.Join(workspace, ".flow", "debug")),
			PromptMax:     getEnvInt("PROMPT_MAX", 2000),
			ResponseMax:   getEnvInt("RESPONSE_MAX", 4000),
			StoreMax:      getEnvInt("STORE_MAX", 10000),
			DictMax:       getEnvInt("DICT_MAX", 50),
			LLMCallsMax:   getEnvInt("LLM_CALLS_MAX", 20),
			WriteMarkdown: getEnvBool("FLOW_DEBUG_MARKDOWN", true),
		},
		Template: TemplateConfig{
			ResolutionMode: ResolutionMode(getEnv("TEMPLATE_RESOLUTION_MODE", string(ResolutionStrict))),
		},
		Shell: ShellConfig{
			Strict: getEnvBool("SHELL_STRICT", false),
		},
		Registry: RegistryConfig{
			IncludeTestNodes: getEnvBool("INCLUDE_TEST_NODES", false),
			ScanPaths:        getEnvSlice("FLOW_NODE_PATHS", nil),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("FLOW_CACHE_ENABLED", false),
			Backend: getEnv("FLOW_CACHE_BACKEND", "file"),
			Dir:     getEnv("FLOW_CACHE_DIR", filepath.Join(workspace, ".flow", "cache")),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Enabled:     getEnvBool("HISTORY_ENABLED", false),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowrunner"),
			User:        getEnv("POSTGRES_USER", "flowrunner"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowrunner"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 10),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		ToolProto: ToolProtoConfig{
			ConfigPath:         getEnv("FLOW_TOOL_SERVERS", filepath.Join(workspace, ".flow", "tool-servers.json")),
			DiscoveryCachePath: getEnv("FLOW_TOOL_CACHE", filepath.Join(workspace, ".flow", "tool-discovery.json")),
			CallTimeout:        getEnvDuration("FLOW_TOOL_TIMEOUT", 30*time.Second),
			MaxInFlight:        getEnvInt("FLOW_TOOL_MAX_IN_FLIGHT", 16),
		},
		Execution: ExecutionConfig{
			NodeTimeout:      getEnvDuration("FLOW_NODE_TIMEOUT", 30*time.Second),
			WorkflowDeadline: getEnvDuration("FLOW_WORKFLOW_DEADLINE", 10*time.Minute),
			CancelGrace:      getEnvDuration("FLOW_CANCEL_GRACE", 2*time.Second),
			AutoRepair:       getEnvBool("FLOW_AUTO_REPAIR", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Template.ResolutionMode {
	case ResolutionStrict, ResolutionPermissive:
	default:
		return fmt.Errorf("invalid TEMPLATE_RESOLUTION_MODE: %s", c.Template.ResolutionMode)
	}

	switch c.Cache.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}

	if c.ToolProto.MaxInFlight < 1 {
		return fmt.Errorf("tool max_in_flight must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
