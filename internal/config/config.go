package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Probe       ProbeConfig       `json:"probe" yaml:"probe"`
	Controller  ControllerConfig  `json:"controller" yaml:"controller"`
	Provisioner ProvisionerConfig `json:"provisioner" yaml:"provisioner"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type ProbeConfig struct {
	Interval       string `json:"interval" yaml:"interval"`
	Timeout        string `json:"timeout" yaml:"timeout"`
	WindowSize     int    `json:"windowSize" yaml:"windowSize"`
	Quorum         int    `json:"quorum" yaml:"quorum"`
	LatencyCeiling string `json:"latencyCeiling" yaml:"latencyCeiling"`
	HealthPath     string `json:"healthPath" yaml:"healthPath"`
}

type ControllerConfig struct {
	TickInterval string `json:"tickInterval" yaml:"tickInterval"`
}

type ProvisionerConfig struct {
	BaseURL string `json:"baseURL" yaml:"baseURL"`
	Timeout string `json:"timeout" yaml:"timeout"`
	Retries int    `json:"retries" yaml:"retries"`
}

type MetricsConfig struct {
	PrometheusURL string `json:"prometheusURL" yaml:"prometheusURL"`
	Lookback      string `json:"lookback" yaml:"lookback"`
	QueryTimeout  string `json:"queryTimeout" yaml:"queryTimeout"`
}

// Load reads configuration from environment variables, then overlays
// values from the file passed via -f (JSON or YAML by extension).
func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()
	return load(*configFile)
}

func load(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "rollouts"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Probe: ProbeConfig{
			Interval:       getEnv("PROBE_INTERVAL", "5s"),
			Timeout:        getEnv("PROBE_TIMEOUT", "2s"),
			WindowSize:     getEnvInt("PROBE_WINDOW_SIZE", 5),
			Quorum:         getEnvInt("PROBE_QUORUM", 3),
			LatencyCeiling: getEnv("PROBE_LATENCY_CEILING", "500ms"),
			HealthPath:     getEnv("PROBE_HEALTH_PATH", "/healthz"),
		},
		Controller: ControllerConfig{
			TickInterval: getEnv("CONTROLLER_TICK_INTERVAL", "5s"),
		},
		Provisioner: ProvisionerConfig{
			BaseURL: getEnv("PROVISIONER_BASE_URL", ""),
			Timeout: getEnv("PROVISIONER_TIMEOUT", "30s"),
			Retries: getEnvInt("PROVISIONER_RETRIES", 3),
		},
		Metrics: MetricsConfig{
			PrometheusURL: getEnv("PROMETHEUS_URL", ""),
			Lookback:      getEnv("PROMETHEUS_LOOKBACK", "1m"),
			QueryTimeout:  getEnv("PROMETHEUS_QUERY_TIMEOUT", "10s"),
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Probe.Interval == "" {
		cfg.Probe.Interval = "5s"
	}
	if cfg.Probe.Timeout == "" {
		cfg.Probe.Timeout = "2s"
	}
	if cfg.Probe.WindowSize == 0 {
		cfg.Probe.WindowSize = 5
	}
	if cfg.Probe.Quorum == 0 {
		cfg.Probe.Quorum = 3
	}
	if cfg.Probe.LatencyCeiling == "" {
		cfg.Probe.LatencyCeiling = "500ms"
	}
	if cfg.Probe.HealthPath == "" {
		cfg.Probe.HealthPath = "/healthz"
	}
	if cfg.Controller.TickInterval == "" {
		cfg.Controller.TickInterval = "5s"
	}
	if cfg.Provisioner.Timeout == "" {
		cfg.Provisioner.Timeout = "30s"
	}
	if cfg.Provisioner.Retries == 0 {
		cfg.Provisioner.Retries = 3
	}
	if cfg.Metrics.Lookback == "" {
		cfg.Metrics.Lookback = "1m"
	}
	if cfg.Metrics.QueryTimeout == "" {
		cfg.Metrics.QueryTimeout = "10s"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	switch filepath.Ext(filePath) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
