package config

import "time"

// DefaultConfig returns the configuration baseline Load starts from
// before a YAML file or environment variables are layered on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:              8080,
			MetricsPort:           9090,
			ReadTimeout:           30 * time.Second,
			WriteTimeout:          60 * time.Second,
			ShutdownTimeout:       10 * time.Second,
			CORSOrigins:           nil,
			RateLimitPerSecond:    20,
			RateLimitBurst:        40,
			RequestTimeoutSeconds: 30,
		},
		Database: DatabaseConfig{
			URL:             "gateway.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Security: SecurityConfig{},
		Backup: BackupConfig{
			FilePath: "backup.json",
		},
		HealthCheck: HealthCheckConfig{
			Enabled:          true,
			IntervalSeconds:  30,
			TimeoutSeconds:   5,
			FailureThreshold: 3,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "llmgateway",
			SampleRate:  0.1,
		},
	}
}
