// Copyright 2025 Joseph Cumines
//
// Configuration package for the inspector server and CLI

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TransportType represents the MCP transport type
type TransportType string

const (
	// TransportStdio uses stdin/stdout for communication
	TransportStdio TransportType = "stdio"
	// TransportHTTP uses HTTP/SSE for communication
	TransportHTTP TransportType = "sse"
)

// ConfigFileEnv names the optional YAML configuration file.
const ConfigFileEnv = "UIINSPECTOR_CONFIG"

// Config holds the configuration for the inspector. Values resolve in order:
// defaults, then the YAML file named by UIINSPECTOR_CONFIG, then environment.
type Config struct {
	FixturePath       string        `yaml:"fixture"`
	GRPCAddress       string        `yaml:"grpcAddress"`
	AuditLogPath      string        `yaml:"auditLog"`
	Trace             string        `yaml:"trace" validate:"omitempty,oneof=stdout"`
	HTTPAddress       string        `yaml:"httpAddress"`
	HTTPSocketPath    string        `yaml:"httpSocket"`
	CORSOrigin        string        `yaml:"corsOrigin"`
	TLSCertFile       string        `yaml:"tlsCertFile" validate:"required_with=TLSKeyFile"`
	TLSKeyFile        string        `yaml:"tlsKeyFile" validate:"required_with=TLSCertFile"`
	APIKey            string        `yaml:"apiKey"`
	Transport         TransportType `yaml:"transport" validate:"oneof=stdio sse"`
	SnapshotTTL       time.Duration `yaml:"snapshotTTL" validate:"gt=0"`
	BuildTimeout      time.Duration `yaml:"buildTimeout" validate:"gt=0"`
	ActionTimeout     time.Duration `yaml:"actionTimeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" validate:"gt=0"`
	HTTPReadTimeout   time.Duration `yaml:"httpReadTimeout" validate:"gt=0"`
	HTTPWriteTimeout  time.Duration `yaml:"httpWriteTimeout" validate:"gte=0"`
	RateLimit         float64       `yaml:"rateLimit" validate:"gte=0"`
	RequestTimeout    int           `yaml:"requestTimeout" validate:"gt=0"`
	MaxDepth          int           `yaml:"maxDepth" validate:"gt=0,lte=4096"`
	FixtureWatch      bool          `yaml:"fixtureWatch"`
	Debug             bool          `yaml:"debug"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		SnapshotTTL:       2 * time.Second,
		BuildTimeout:      10 * time.Second,
		ActionTimeout:     5 * time.Second,
		RequestTimeout:    30,
		MaxDepth:          128,
		FixtureWatch:      true,
		Transport:         TransportStdio,
		HTTPAddress:       ":8080",
		CORSOrigin:        "*",
		HeartbeatInterval: 30 * time.Second,
		HTTPReadTimeout:   30 * time.Second,
	}
}

// Load loads the configuration from the optional file and environment variables
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	if c.SnapshotTTL, err = getEnvAsDuration("UIINSPECTOR_SNAPSHOT_TTL", c.SnapshotTTL); err != nil {
		return err
	}
	if c.BuildTimeout, err = getEnvAsDuration("UIINSPECTOR_BUILD_TIMEOUT", c.BuildTimeout); err != nil {
		return err
	}
	if c.ActionTimeout, err = getEnvAsDuration("UIINSPECTOR_ACTION_TIMEOUT", c.ActionTimeout); err != nil {
		return err
	}
	if c.RequestTimeout, err = getEnvAsInt("UIINSPECTOR_REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.MaxDepth, err = getEnvAsInt("UIINSPECTOR_MAX_DEPTH", c.MaxDepth); err != nil {
		return err
	}
	if c.HeartbeatInterval, err = getEnvAsDuration("MCP_HEARTBEAT_INTERVAL", c.HeartbeatInterval); err != nil {
		return err
	}
	if c.HTTPReadTimeout, err = getEnvAsDuration("MCP_HTTP_READ_TIMEOUT", c.HTTPReadTimeout); err != nil {
		return err
	}
	if c.HTTPWriteTimeout, err = getEnvAsDuration("MCP_HTTP_WRITE_TIMEOUT", c.HTTPWriteTimeout); err != nil {
		return err
	}
	if c.RateLimit, err = getEnvAsFloat("MCP_RATE_LIMIT", c.RateLimit); err != nil {
		return err
	}

	c.FixturePath = getEnv("UIINSPECTOR_FIXTURE", c.FixturePath)
	c.FixtureWatch = getEnvAsBool("UIINSPECTOR_FIXTURE_WATCH", c.FixtureWatch)
	c.GRPCAddress = getEnv("UIINSPECTOR_GRPC_ADDRESS", c.GRPCAddress)
	c.AuditLogPath = getEnv("UIINSPECTOR_AUDIT_LOG", c.AuditLogPath)
	c.Debug = getEnvAsBool("UIINSPECTOR_DEBUG", c.Debug)
	c.Trace = getEnv("UIINSPECTOR_TRACE", c.Trace)
	// MCP Transport configuration
	c.Transport = TransportType(getEnv("MCP_TRANSPORT", string(c.Transport)))
	c.HTTPAddress = getEnv("MCP_HTTP_ADDRESS", c.HTTPAddress)
	c.HTTPSocketPath = getEnv("MCP_HTTP_SOCKET", c.HTTPSocketPath)
	c.CORSOrigin = getEnv("MCP_CORS_ORIGIN", c.CORSOrigin)
	c.TLSCertFile = getEnv("MCP_TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = getEnv("MCP_TLS_KEY_FILE", c.TLSKeyFile)
	c.APIKey = getEnv("MCP_API_KEY", c.APIKey)
	return nil
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		return name
	})
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string

	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if c.GRPCAddress != "" {
		if _, _, err := net.SplitHostPort(c.GRPCAddress); err != nil {
			problems = append(problems, fmt.Sprintf("grpcAddress: %q is not host:port", c.GRPCAddress))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		if fe.Field() == "transport" {
			return fmt.Sprintf("invalid transport type: %v (must be 'stdio' or 'sse')", fe.Value())
		}
		return fmt.Sprintf("%s: %v is not one of [%s]", fe.Field(), fe.Value(), fe.Param())
	case "required_with":
		return fmt.Sprintf("%s: required when %s is set", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s: must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s: must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s: must be at most %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	var result int
	_, err := fmt.Sscanf(value, "%d", &result)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected integer)", key, value)
	}
	return result, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected number)", key, value)
	}
	return f, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected duration, e.g., '30s', '5m')", key, value)
	}
	return d, nil
}
