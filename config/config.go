// Package config loads docwatch's configuration from environment variables
// and viper-bound flags/files, and validates it before the kernel starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"docwatch.dev/kernel"
)

// EnvConfig provides utilities for loading configuration from environment variables.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration loader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServerConfig contains the httpapi inspection server's listen settings.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

// LoadServerConfig loads server configuration from environment.
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Port:            env.GetInt("PORT", 8080),
		Host:            env.GetString("HOST", "0.0.0.0"),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:           env.GetBool("DEBUG", false),
	}
}

// ServiceConfig contains the process's own identity for logging.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadServiceConfig loads service configuration from environment.
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", "docwatch"),
		Version:     env.GetString("VERSION", "0.0.1"),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// Validator accumulates configuration validation errors.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

func (v *Validator) Errors() []string { return v.errors }

func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// docClassSpec is the viper-decoded shape of one doc_classes entry.
type docClassSpec struct {
	UpdateMins       *int     `mapstructure:"update_mins"`
	StorageEngine    string   `mapstructure:"storage_engine"`
	OnChanged        []string `mapstructure:"on_changed"`
	VersioningScheme string   `mapstructure:"versioning_scheme"`
	TextExtractor    string   `mapstructure:"text_extractor"`
}

// LoadDocClasses decodes the doc_classes section of v into kernel.DocClass
// values, validating that each one names a nonempty storage engine and a
// positive update_mins (or none, for one-shot classes). A class that names
// no storage engine uses default_storage_engine.
func LoadDocClasses(v *viper.Viper) (map[string]kernel.DocClass, error) {
	raw := map[string]docClassSpec{}
	if err := v.UnmarshalKey("doc_classes", &raw); err != nil {
		return nil, fmt.Errorf("config: decode doc_classes: %w", err)
	}

	defaultEngine := v.GetString("default_storage_engine")
	validator := NewValidator()
	classes := make(map[string]kernel.DocClass, len(raw))
	for name, spec := range raw {
		if spec.StorageEngine == "" {
			spec.StorageEngine = defaultEngine
		}
		validator.RequireString(name+".storage_engine", spec.StorageEngine)
		if spec.UpdateMins != nil {
			validator.RequirePositiveInt(name+".update_mins", *spec.UpdateMins)
		}
		classes[name] = kernel.DocClass{
			UpdateMins:       spec.UpdateMins,
			StorageEngine:    spec.StorageEngine,
			OnChanged:        spec.OnChanged,
			VersioningScheme: spec.VersioningScheme,
			TextExtractor:    spec.TextExtractor,
		}
	}
	if err := validator.Validate(); err != nil {
		return nil, err
	}
	return classes, nil
}
