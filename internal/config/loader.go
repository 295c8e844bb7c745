// Package config loads the gateway's configuration: defaults, then an
// optional YAML file, then environment-variable overrides applied via
// reflection against each field's `env` struct tag, then registered
// validators.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full runtime configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Security    SecurityConfig    `yaml:"security"`
	Backup      BackupConfig      `yaml:"backup"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig carries the north-bound HTTP surface's listen/transport
// knobs: ports, timeouts, CORS, and the infra self-protection rate limit.
type ServerConfig struct {
	HTTPPort           int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort        int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORSOrigins        []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second" env:"RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// RequestTimeoutSeconds is the adapter call timeout applied to every
	// chat request.
	RequestTimeoutSeconds float64 `yaml:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS"`
}

// RequestTimeout returns RequestTimeoutSeconds as a time.Duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds * float64(time.Second))
}

// DatabaseConfig is the persistence store's single DSN; the scheme of
// DatabaseURL (postgres://, mysql://, or a bare file path for sqlite)
// selects the GORM driver.
type DatabaseConfig struct {
	URL             string        `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// SecurityConfig holds the credential-encryption seed and the optional
// JWT bearer-token gate on the admin surface (off by default).
type SecurityConfig struct {
	APIKeySecret  string `yaml:"api_key_secret" env:"API_KEY_SECRET"`
	JWTSecret     string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer     string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience   string `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
}

// AdminAuthEnabled reports whether the JWT bearer-token gate should be
// installed in front of /api/*. Presence of a secret is the operator
// opt-in signal per the trusted-network default.
func (s SecurityConfig) AdminAuthEnabled() bool {
	return s.JWTSecret != ""
}

// BackupConfig is the snapshot file path used by §4.C's write/restore.
type BackupConfig struct {
	FilePath string `yaml:"file_path" env:"BACKUP_FILE"`
}

// HealthCheckConfig mirrors spec §4.G's background sweep parameters.
type HealthCheckConfig struct {
	Enabled          bool    `yaml:"enabled" env:"HEALTH_CHECK_ENABLED"`
	IntervalSeconds  float64 `yaml:"interval_seconds" env:"HEALTH_CHECK_INTERVAL_SECONDS"`
	TimeoutSeconds   float64 `yaml:"timeout_seconds" env:"HEALTH_CHECK_TIMEOUT_SECONDS"`
	FailureThreshold int     `yaml:"failure_threshold" env:"HEALTH_CHECK_FAILURE_THRESHOLD"`
}

// Interval returns IntervalSeconds as a time.Duration.
func (h HealthCheckConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds * float64(time.Second))
}

// Timeout returns TimeoutSeconds as a time.Duration.
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds * float64(time.Second))
}

// LogConfig controls zap's construction in cmd/gateway.
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL"`
	Format      string `yaml:"format" env:"LOG_FORMAT"`
	AddCaller   bool   `yaml:"add_caller" env:"LOG_ADD_CALLER"`
}

// TelemetryConfig controls OpenTelemetry tracer/meter initialization.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"TELEMETRY_OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"TELEMETRY_SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"TELEMETRY_SAMPLE_RATE"`
}

// Loader loads a Config via the builder pattern: NewLoader().
// WithConfigPath(...).WithEnvPrefix(...).Load().
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader seeded with the gateway's defaults and its
// documented env prefix, BACKEND.
func NewLoader() *Loader {
	return &Loader{envPrefix: "BACKEND", validators: make([]func(*Config) error, 0)}
}

// WithConfigPath sets an optional YAML file to layer over the defaults.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the prefix prepended to every env var lookup,
// e.g. WithEnvPrefix("GATEWAY") turns the DATABASE_URL tag into
// GATEWAY_DATABASE_URL. Pass "" to read bare, unprefixed variable names.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers a validation function run after Load assembles
// the config from all three layers.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load assembles the Config: defaults, then the YAML file if configured,
// then environment overrides, then validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("config: load from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: load from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config: validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks v's fields, recursing into nested structs with
// the same prefix, and applies any field carrying a non-empty `env` tag
// whose variable (prefix + "_" + tag) is set.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, prefix); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := envTag
		if prefix != "" {
			envKey = prefix + "_" + envTag
		}

		envValue, ok := lookupEnvCaseInsensitive(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

// lookupEnvCaseInsensitive resolves key case-insensitively per spec §6
// ("all prefixed BACKEND_, case-insensitive"). An exact match is tried
// first since that is the overwhelmingly common case.
func lookupEnvCaseInsensitive(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if found && strings.EqualFold(name, key) {
			return value, true
		}
	}
	return "", false
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads a config from path, panicking on failure. Used by tools
// and tests that want a config without plumbing through an error path.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

// Validate checks the invariants the gateway cannot run without.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server.http_port must be between 1 and 65535")
	}
	if c.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}
	if c.Security.APIKeySecret == "" {
		errs = append(errs, "security.api_key_secret is required")
	}
	if c.Backup.FilePath == "" {
		errs = append(errs, "backup.file_path is required")
	}
	if c.Server.RequestTimeoutSeconds < 0.1 {
		errs = append(errs, "server.request_timeout_seconds must be >= 0.1")
	}
	if c.HealthCheck.Enabled {
		if c.HealthCheck.IntervalSeconds < 1.0 {
			errs = append(errs, "health_check.interval_seconds must be >= 1.0")
		}
		if c.HealthCheck.TimeoutSeconds < 0.1 {
			errs = append(errs, "health_check.timeout_seconds must be >= 0.1")
		}
		if c.HealthCheck.FailureThreshold < 1 {
			errs = append(errs, "health_check.failure_threshold must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
