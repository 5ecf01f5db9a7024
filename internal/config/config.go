package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	Automation AutomationConfig `yaml:"automation" mapstructure:"automation"`
	Mail       MailConfig       `yaml:"mail" mapstructure:"mail"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres, sqlite
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Name            string        `yaml:"name" mapstructure:"name"`
	SQLitePath      string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DSN 返回 postgres 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port)
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // json, text
	Output     string `yaml:"output" mapstructure:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"` // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors" mapstructure:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool     `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int      `yaml:"burst" mapstructure:"burst"`
	KeyHeader         string   `yaml:"key_header" mapstructure:"key_header"` // e.g. X-Api-Key; empty means client IP
	WhitelistIPs      []string `yaml:"whitelist_ips" mapstructure:"whitelist_ips"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	SweepEnabled      bool          `yaml:"sweep_enabled" mapstructure:"sweep_enabled"`
	SweepInterval     time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	SweepBatchSize    int           `yaml:"sweep_batch_size" mapstructure:"sweep_batch_size"`
	DispatchWorkers   int           `yaml:"dispatch_workers" mapstructure:"dispatch_workers"`
	AsyncImmediate    bool          `yaml:"async_immediate" mapstructure:"async_immediate"`
	StaleClaimTimeout time.Duration `yaml:"stale_claim_timeout" mapstructure:"stale_claim_timeout"`
	ProcessTimeout    time.Duration `yaml:"process_timeout" mapstructure:"process_timeout"`
}

type MailConfig struct {
	Transport      string               `yaml:"transport" mapstructure:"transport"` // smtp, bridge, log
	From           string               `yaml:"from" mapstructure:"from"`
	ReplyTo        []string             `yaml:"reply_to" mapstructure:"reply_to"`
	SMTP           SMTPConfig           `yaml:"smtp" mapstructure:"smtp"`
	Bridge         BridgeConfig         `yaml:"bridge" mapstructure:"bridge"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

type SMTPConfig struct {
	Host               string        `yaml:"host" mapstructure:"host"`
	Port               int           `yaml:"port" mapstructure:"port"`
	Username           string        `yaml:"username" mapstructure:"username"`
	Password           string        `yaml:"password" mapstructure:"password"`
	Connections        int           `yaml:"connections" mapstructure:"connections"`
	SendTimeout        time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// BridgeConfig 通过 HTTP 转发到 smtp-bridge 服务
type BridgeConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	APIKey  string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxFailures     int           `yaml:"max_failures" mapstructure:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_requests" mapstructure:"half_open_max_requests"`
}

// Load 在默认配置之上合并 viper 中读取到的配置
func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "triggerflow",
			SQLitePath:      "./data/triggerflow.db",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/triggerflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "triggerflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		Automation: AutomationConfig{
			SweepEnabled:      true,
			SweepInterval:     time.Minute,
			SweepBatchSize:    200,
			DispatchWorkers:   8,
			AsyncImmediate:    true,
			StaleClaimTimeout: 15 * time.Minute,
			ProcessTimeout:    10 * time.Second,
		},
		Mail: MailConfig{
			Transport: "log",
			From:      "no-reply@localhost",
			SMTP: SMTPConfig{
				Host:        "localhost",
				Port:        25,
				Connections: 4,
				SendTimeout: 10 * time.Second,
			},
			Bridge: BridgeConfig{
				Timeout: 10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
	}
}
