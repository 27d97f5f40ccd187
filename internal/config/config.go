// Package config provides configuration loading for the orchestrator service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
)

// Endpoint is a statically configured backend service instance, such as an
// inference server.
type Endpoint struct {
	Name          string   `yaml:"name"`
	Address       string   `yaml:"address"`
	Models        []string `yaml:"models"`
	Tags          []string `yaml:"tags"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// Config holds all configuration for the orchestrator service.
type Config struct {
	// Server configuration
	Port          string        `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Redis configuration
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Store and bus backends
	StoreType string        `yaml:"store"` // "memory" or "redis"
	BusType   string        `yaml:"bus"`   // "memory" or "redis"
	KeyPrefix string        `yaml:"key_prefix"`
	Retention time.Duration `yaml:"retention"`

	// Dispatcher configuration
	DispatchInterval         time.Duration `yaml:"dispatch_interval"`
	MaxConcurrentAssignments int           `yaml:"max_concurrent_assignments"`
	StarvationThreshold      time.Duration `yaml:"starvation_threshold"`
	DefaultMaxRetries        int           `yaml:"default_max_retries"`

	// Executor pool
	NodeMaxAge              time.Duration `yaml:"node_max_age"`
	PoolStrategy            string        `yaml:"pool_strategy"`
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `yaml:"breaker_recovery_timeout"`

	// Backend service endpoints
	InferenceEndpoints     []Endpoint    `yaml:"inference_endpoints"`
	InferenceStrategy      string        `yaml:"inference_strategy"`
	InferenceProbeInterval time.Duration `yaml:"inference_probe_interval"`

	// RetryPolicies override the per-operation-class defaults
	RetryPolicies map[string]resilience.Policy `yaml:"retry_policies"`

	// CORS configuration
	CORSOrigins []string `yaml:"cors_origins"`

	// Rate limiting
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// Authentication
	AuthEnabled       bool     `yaml:"auth_enabled"`
	OIDCIssuer        string   `yaml:"oidc_issuer"`
	OIDCClientID      string   `yaml:"oidc_client_id"`
	AuthRequiredRoles []string `yaml:"auth_required_roles"`
	AuthOperatorRole  string   `yaml:"auth_operator_role"`
	// AuthServiceSecret signs HS256 service tokens for automated clients
	AuthServiceSecret string   `yaml:"auth_service_secret"`
	AuthServiceIssuer string   `yaml:"auth_service_issuer"`

	// Tracing
	TracingEnabled    bool    `yaml:"tracing_enabled"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:          "7070",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		ShutdownGrace: 10 * time.Second,

		RedisURL: "redis://localhost:6379",

		StoreType: "memory",
		BusType:   "memory",
		KeyPrefix: "gleitzeit",
		Retention: 7 * 24 * time.Hour, // 7 days

		DispatchInterval:         time.Second,
		MaxConcurrentAssignments: 10,
		StarvationThreshold:      5 * time.Minute,
		DefaultMaxRetries:        3,

		NodeMaxAge:              90 * time.Second,
		PoolStrategy:            "least_loaded",
		BreakerFailureThreshold: 5,
		BreakerRecoveryTimeout:  60 * time.Second,

		InferenceStrategy:      "least_loaded",
		InferenceProbeInterval: 15 * time.Second,

		CORSOrigins: []string{"http://localhost:5173", "http://localhost:3000"},

		RateLimitRPS:   100.0,
		RateLimitBurst: 200,

		AuthOperatorRole:  "operator",
		AuthServiceIssuer: "gleitzeit",

		OTLPEndpoint:      "localhost:4317",
		TracingSampleRate: 1.0,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// ORCH_CONFIG_FILE when set, then environment variables.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("ORCH_CONFIG_FILE"))
}

// LoadFrom is Load with an explicit config file path. An empty path skips
// the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg. Keys missing from
// the document keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Server
	c.Port = getEnv("PORT", c.Port)
	c.ReadTimeout = getDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.ShutdownGrace = getDuration("SHUTDOWN_GRACE", c.ShutdownGrace)

	// Redis
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getInt("REDIS_DB", c.RedisDB)

	// Backends
	c.StoreType = getEnv("ORCH_STORE", c.StoreType)
	c.BusType = getEnv("ORCH_BUS", c.BusType)
	c.KeyPrefix = getEnv("ORCH_KEY_PREFIX", c.KeyPrefix)
	c.Retention = getDuration("ORCH_RETENTION", c.Retention)

	// Dispatcher
	c.DispatchInterval = getDuration("ORCH_DISPATCH_INTERVAL", c.DispatchInterval)
	c.MaxConcurrentAssignments = getInt("ORCH_MAX_CONCURRENT_ASSIGNMENTS", c.MaxConcurrentAssignments)
	c.StarvationThreshold = getDuration("ORCH_STARVATION_THRESHOLD", c.StarvationThreshold)
	c.DefaultMaxRetries = getInt("ORCH_DEFAULT_MAX_RETRIES", c.DefaultMaxRetries)

	// Executor pool
	c.NodeMaxAge = getDuration("ORCH_NODE_MAX_AGE", c.NodeMaxAge)
	c.PoolStrategy = getEnv("ORCH_POOL_STRATEGY", c.PoolStrategy)
	c.BreakerFailureThreshold = getInt("ORCH_BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold)
	c.BreakerRecoveryTimeout = getDuration("ORCH_BREAKER_RECOVERY_TIMEOUT", c.BreakerRecoveryTimeout)

	// Backend endpoints
	if val := os.Getenv("INFERENCE_ENDPOINTS"); val != "" {
		c.InferenceEndpoints = parseEndpoints(val)
	}
	c.InferenceStrategy = getEnv("INFERENCE_STRATEGY", c.InferenceStrategy)
	c.InferenceProbeInterval = getDuration("INFERENCE_PROBE_INTERVAL", c.InferenceProbeInterval)

	// CORS
	c.CORSOrigins = getStringSlice("CORS_ORIGINS", c.CORSOrigins)

	// Rate limiting
	c.RateLimitRPS = getFloat("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = getInt("RATE_LIMIT_BURST", c.RateLimitBurst)

	// Authentication
	c.AuthEnabled = getBool("AUTH_ENABLED", c.AuthEnabled)
	c.OIDCIssuer = getEnv("OIDC_ISSUER", c.OIDCIssuer)
	c.OIDCClientID = getEnv("OIDC_CLIENT_ID", c.OIDCClientID)
	c.AuthRequiredRoles = getStringSlice("AUTH_REQUIRED_ROLES", c.AuthRequiredRoles)
	c.AuthOperatorRole = getEnv("AUTH_OPERATOR_ROLE", c.AuthOperatorRole)
	c.AuthServiceSecret = getEnv("AUTH_SERVICE_SECRET", c.AuthServiceSecret)
	c.AuthServiceIssuer = getEnv("AUTH_SERVICE_ISSUER", c.AuthServiceIssuer)

	// Tracing
	c.TracingEnabled = getBool("TRACING_ENABLED", c.TracingEnabled)
	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.TracingSampleRate = getFloat("TRACING_SAMPLE_RATE", c.TracingSampleRate)

	// Logging
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.StoreType != "memory" && c.StoreType != "redis" {
		errs = append(errs, fmt.Errorf("store must be memory or redis, got %q", c.StoreType))
	}
	if c.BusType != "memory" && c.BusType != "redis" {
		errs = append(errs, fmt.Errorf("bus must be memory or redis, got %q", c.BusType))
	}
	if c.DispatchInterval <= 0 {
		errs = append(errs, errors.New("dispatch interval must be positive"))
	}
	if c.MaxConcurrentAssignments <= 0 {
		errs = append(errs, errors.New("max concurrent assignments must be positive"))
	}
	if c.BreakerFailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker failure threshold must be positive"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing sample rate must be within [0, 1], got %g", c.TracingSampleRate))
	}
	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		errs = append(errs, errors.New("oidc issuer needs a client id"))
	}
	if c.AuthEnabled && c.OIDCIssuer == "" && c.AuthServiceSecret == "" {
		errs = append(errs, errors.New("auth needs an oidc issuer or a service token secret"))
	}
	if c.AuthServiceSecret != "" && len(c.AuthServiceSecret) < 32 {
		errs = append(errs, errors.New("auth service secret must be at least 32 bytes"))
	}
	seen := make(map[string]bool, len(c.InferenceEndpoints))
	for _, ep := range c.InferenceEndpoints {
		if ep.Name == "" || ep.Address == "" {
			errs = append(errs, fmt.Errorf("inference endpoint needs a name and an address: %+v", ep))
			continue
		}
		if seen[ep.Name] {
			errs = append(errs, fmt.Errorf("duplicate inference endpoint %q", ep.Name))
		}
		seen[ep.Name] = true
	}
	return errors.Join(errs...)
}

// parseEndpoints reads "name=address" pairs separated by commas. A bare
// address is named after its position.
func parseEndpoints(val string) []Endpoint {
	var out []Endpoint
	for i, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, addr, ok := strings.Cut(part, "=")
		if !ok {
			name, addr = fmt.Sprintf("endpoint-%d", i+1), part
		}
		out = append(out, Endpoint{Name: strings.TrimSpace(name), Address: strings.TrimSpace(addr)})
	}
	return out
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultVal
}
