package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for deleverd. Values come from an
// optional YAML file with environment variable overrides on top; defaults
// apply last.
type Config struct {
	Listen          string `yaml:"listen"`
	Environment     string `yaml:"environment"`
	DataDir         string `yaml:"dataDir"`
	MarketFile      string `yaml:"marketFile"`
	JWTSecret       string `yaml:"jwtSecret"`
	RateLimitPerMin int    `yaml:"rateLimitPerMin"`
	OTLPEndpoint    string `yaml:"otlpEndpoint"`
	OTLPInsecure    bool   `yaml:"otlpInsecure"`
	OTLPHeaders     string `yaml:"otlpHeaders"`
	Telemetry       bool   `yaml:"telemetry"`
}

const (
	envListen          = "DELEVER_LISTEN"
	envEnvironment     = "DELEVER_ENV"
	envDataDir         = "DELEVER_DATA_DIR"
	envMarketFile      = "DELEVER_MARKET_FILE"
	envJWTSecret       = "DELEVER_JWT_SECRET"
	envRateLimitPerMin = "DELEVER_RATE_PER_MIN"
	envOTLPEndpoint    = "DELEVER_OTLP_ENDPOINT"
	envOTLPInsecure    = "DELEVER_OTLP_INSECURE"
	envOTLPHeaders     = "DELEVER_OTLP_HEADERS"
	envTelemetry       = "DELEVER_TELEMETRY"

	defaultListen          = "0.0.0.0:8761"
	defaultDataDir         = "./delever-data"
	defaultMarketFile      = "./market.toml"
	defaultRateLimitPerMin = 120
)

// Load reads the YAML file at path when non-empty, applies environment
// overrides, and fills remaining blanks with defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envListen)); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(envEnvironment)); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv(envDataDir)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envMarketFile)); v != "" {
		cfg.MarketFile = v
	}
	if v := strings.TrimSpace(os.Getenv(envJWTSecret)); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(envRateLimitPerMin)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMin = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv(envOTLPEndpoint)); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(envOTLPInsecure)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.OTLPInsecure = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv(envOTLPHeaders)); v != "" {
		cfg.OTLPHeaders = v
	}
	if v := strings.TrimSpace(os.Getenv(envTelemetry)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry = parsed
		}
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.MarketFile == "" {
		cfg.MarketFile = defaultMarketFile
	}
	if cfg.RateLimitPerMin == 0 {
		cfg.RateLimitPerMin = defaultRateLimitPerMin
	}
}

// Sanitized returns a copy of the Config with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	if clone.JWTSecret != "" {
		clone.JWTSecret = "***"
	}
	return clone
}

// Validate ensures the configuration is internally consistent.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if strings.TrimSpace(cfg.MarketFile) == "" {
		return fmt.Errorf("market file is required")
	}
	if cfg.RateLimitPerMin < 0 {
		return fmt.Errorf("rate limit per minute must be non-negative")
	}
	return nil
}
