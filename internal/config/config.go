// Package config loads service settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/xanadu/pkg/graph"
	"github.com/ryandielhenn/xanadu/pkg/loader"
	"github.com/ryandielhenn/xanadu/pkg/relay"
)

// EnvFile names the variable pointing at the YAML overlay.
const EnvFile = "XANADU_CONFIG"

type Config struct {
	HTTPAddr  string `yaml:"http_addr" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`

	// Browser origins allowed to call the API; empty allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// Relays
	Relays    []string `yaml:"relays" validate:"required,min=1,dive,url"`
	Fanout    int      `yaml:"fanout" validate:"gte=0"`
	RateLimit float64  `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int      `yaml:"rate_burst" validate:"gte=0"`
	VerifyIDs bool     `yaml:"verify_ids"`

	// Traversal
	MaxNodes         int           `yaml:"max_nodes" validate:"gte=1"`
	MaxDepth         int           `yaml:"max_depth" validate:"gte=0"`
	BatchSize        int           `yaml:"batch_size" validate:"gte=1"`
	MissingBatchSize int           `yaml:"missing_batch_size" validate:"gte=1"`
	YieldDelay       time.Duration `yaml:"yield_delay" validate:"gte=0"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" validate:"gt=0"`

	// Event cache; CachePath "" keeps it in memory.
	CacheEnabled bool   `yaml:"cache_enabled"`
	CachePath    string `yaml:"cache_path"`

	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`

	EtcdEndpoints []string `yaml:"etcd_endpoints" validate:"dive,required"`
	EtcdLeaseTTL  int64    `yaml:"etcd_lease_ttl" validate:"gte=1"`

	// File is where the YAML overlay came from, if any.
	File string `yaml:"-"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:         ":8080",
		LogLevel:         "info",
		LogFormat:        "json",
		Relays:           append([]string(nil), relay.DefaultRelays...),
		MaxNodes:         graph.DefaultMaxNodes,
		MaxDepth:         graph.DefaultMaxDepth,
		BatchSize:        loader.DefaultBatchSize,
		MissingBatchSize: loader.DefaultMissingBatchSize,
		YieldDelay:       loader.DefaultYieldDelay,
		FetchTimeout:     loader.DefaultFetchTimeout,
		TraceExporter:    "none",
		EtcdLeaseTTL:     10,
	}
}

// Load reads the file named by XANADU_CONFIG (if set) and the environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(EnvFile))
}

// LoadFrom is Load with an explicit overlay path; "" skips the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
		cfg.File = path
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.Relays = getEnvList("XANADU_RELAYS", c.Relays)
	c.Fanout = getEnvInt("XANADU_FANOUT", c.Fanout)
	c.RateLimit = getEnvFloat("XANADU_RATE_LIMIT", c.RateLimit)
	c.RateBurst = getEnvInt("XANADU_RATE_BURST", c.RateBurst)
	c.VerifyIDs = getEnvBool("XANADU_VERIFY_IDS", c.VerifyIDs)

	c.MaxNodes = getEnvInt("XANADU_MAX_NODES", c.MaxNodes)
	c.MaxDepth = getEnvInt("XANADU_MAX_DEPTH", c.MaxDepth)
	c.BatchSize = getEnvInt("XANADU_BATCH_SIZE", c.BatchSize)
	c.MissingBatchSize = getEnvInt("XANADU_MISSING_BATCH_SIZE", c.MissingBatchSize)
	c.YieldDelay = getEnvDuration("XANADU_YIELD_DELAY", c.YieldDelay)
	c.FetchTimeout = getEnvDuration("XANADU_FETCH_TIMEOUT", c.FetchTimeout)

	c.CacheEnabled = getEnvBool("XANADU_CACHE", c.CacheEnabled)
	c.CachePath = getEnv("XANADU_CACHE_PATH", c.CachePath)
	c.CORSOrigins = getEnvList("XANADU_CORS_ORIGINS", c.CORSOrigins)

	c.TraceExporter = getEnv("XANADU_TRACE_EXPORTER", c.TraceExporter)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	c.EtcdEndpoints = getEnvList("ETCD_ENDPOINTS", c.EtcdEndpoints)
}

var validate = validator.New()

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c *Config) DiscoveryEnabled() bool { return len(c.EtcdEndpoints) > 0 }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
