package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow   TickflowConfig   `yaml:"tickflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Symbols    []SymbolGroup    `yaml:"symbols"`
	Primary    PrimaryConfig    `yaml:"primary"`
	Secondary  SecondaryConfig  `yaml:"secondary"`
	Router     RouterConfig     `yaml:"router"`
	Validation ValidationConfig `yaml:"validation"`
	Gateway    GatewayConfig    `yaml:"gateway"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

type ChannelsConfig struct {
	RawBuffer    int `yaml:"raw_buffer"`
	RoutedBuffer int `yaml:"routed_buffer"`
}

// SymbolGroup assigns a set of tracked symbols to an asset class.
type SymbolGroup struct {
	AssetClass string   `yaml:"asset_class"`
	Symbols    []string `yaml:"symbols"`
}

type PrimaryConfig struct {
	URL              string        `yaml:"url"`
	APIKey           string        `yaml:"api_key"`
	APISecret        string        `yaml:"api_secret"`
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type SecondaryConfig struct {
	URL               string        `yaml:"url"`
	Interval          time.Duration `yaml:"interval"`
	Timeout           time.Duration `yaml:"timeout"`
	BatchSize         int           `yaml:"batch_size"`
	ConcurrentBatches int           `yaml:"concurrent_batches"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
}

type RouterConfig struct {
	MessageTimeout     time.Duration `yaml:"message_timeout"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	RecoveryGrace      time.Duration `yaml:"recovery_grace"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
}

type ValidationConfig struct {
	MaxMovePercent float64       `yaml:"max_move_percent"`
	MaxFutureSkew  time.Duration `yaml:"max_future_skew"`
	MaxAge         time.Duration `yaml:"max_age"`
	MinPrice       float64       `yaml:"min_price"`
	MaxPrice       float64       `yaml:"max_price"`
}

type GatewayConfig struct {
	Address         string        `yaml:"address"`
	SendBuffer      int           `yaml:"send_buffer"`
	SymbolRateLimit int           `yaml:"symbol_rate_limit"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
}

var envSpecificConfigs = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

const defaultConfigPath = "config/config.yml"

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envSpecificConfigs)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present so the YAML file
	// can be committed without secrets.
	if v := os.Getenv("PRIMARY_API_KEY"); v != "" {
		config.Primary.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PRIMARY_API_SECRET"); v != "" {
		config.Primary.APISecret = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Address: "0.0.0.0:2112"},
		Channels: ChannelsConfig{
			RawBuffer:    1024,
			RoutedBuffer: 1024,
		},
		Primary: PrimaryConfig{
			AuthTimeout:      10 * time.Second,
			PingInterval:     20 * time.Second,
			FailureThreshold: 5,
			Backoff: BackoffConfig{
				BaseDelay: time.Second,
				MaxDelay:  30 * time.Second,
			},
		},
		Secondary: SecondaryConfig{
			Interval:          60 * time.Second,
			Timeout:           15 * time.Second,
			BatchSize:         50,
			ConcurrentBatches: 4,
			RequestsPerSecond: 5,
			BurstSize:         10,
		},
		Router: RouterConfig{
			MessageTimeout:     30 * time.Second,
			FailureThreshold:   3,
			RecoveryGrace:      15 * time.Second,
			EvaluationInterval: time.Second,
		},
		Validation: ValidationConfig{
			MaxMovePercent: 20,
			MaxFutureSkew:  5 * time.Minute,
			MaxAge:         24 * time.Hour,
			MinPrice:       0.000001,
			MaxPrice:       10_000_000,
		},
		Gateway: GatewayConfig{
			Address:         "0.0.0.0:8080",
			SendBuffer:      64,
			SymbolRateLimit: 20,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbols group is required")
	}
	for _, g := range cfg.Symbols {
		if g.AssetClass == "" {
			return fmt.Errorf("symbols group is missing asset_class")
		}
		if len(g.Symbols) == 0 {
			return fmt.Errorf("symbols group %q has no symbols", g.AssetClass)
		}
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.RoutedBuffer <= 0 {
		return fmt.Errorf("channels.routed_buffer must be greater than 0")
	}
	if cfg.Primary.URL == "" {
		return fmt.Errorf("primary.url is required")
	}
	if IsProductionLike(AppEnvironment()) && (cfg.Primary.APIKey == "" || cfg.Primary.APISecret == "") {
		return fmt.Errorf("primary.api_key and primary.api_secret are required in %s", AppEnvironment())
	}
	if cfg.Primary.Backoff.BaseDelay <= 0 || cfg.Primary.Backoff.MaxDelay < cfg.Primary.Backoff.BaseDelay {
		return fmt.Errorf("primary.backoff delays are invalid")
	}
	if cfg.Primary.FailureThreshold <= 0 {
		return fmt.Errorf("primary.failure_threshold must be greater than 0")
	}
	if cfg.Secondary.URL == "" {
		return fmt.Errorf("secondary.url is required")
	}
	if cfg.Secondary.Interval <= 0 {
		return fmt.Errorf("secondary.interval must be greater than 0")
	}
	if cfg.Secondary.BatchSize <= 0 {
		return fmt.Errorf("secondary.batch_size must be greater than 0")
	}
	if cfg.Secondary.ConcurrentBatches <= 0 {
		return fmt.Errorf("secondary.concurrent_batches must be greater than 0")
	}
	if cfg.Router.MessageTimeout <= 0 {
		return fmt.Errorf("router.message_timeout must be greater than 0")
	}
	if cfg.Router.FailureThreshold <= 0 {
		return fmt.Errorf("router.failure_threshold must be greater than 0")
	}
	if cfg.Router.RecoveryGrace <= 0 {
		return fmt.Errorf("router.recovery_grace must be greater than 0")
	}
	if cfg.Router.EvaluationInterval <= 0 {
		return fmt.Errorf("router.evaluation_interval must be greater than 0")
	}
	if cfg.Validation.MaxMovePercent <= 0 {
		return fmt.Errorf("validation.max_move_percent must be greater than 0")
	}
	if cfg.Validation.MinPrice <= 0 || cfg.Validation.MaxPrice <= cfg.Validation.MinPrice {
		return fmt.Errorf("validation price bounds are invalid")
	}
	if cfg.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be greater than 0")
	}
	if cfg.Gateway.SymbolRateLimit <= 0 {
		return fmt.Errorf("gateway.symbol_rate_limit must be greater than 0")
	}
	return nil
}

// TrackedSymbols flattens the symbol universe into a deduplicated list.
func (c *Config) TrackedSymbols() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, g := range c.Symbols {
		for _, s := range g.Symbols {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// AssetClassOf reports the configured asset class for a symbol.
func (c *Config) AssetClassOf(symbol string) (string, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, g := range c.Symbols {
		for _, s := range g.Symbols {
			if strings.ToUpper(strings.TrimSpace(s)) == symbol {
				return g.AssetClass, true
			}
		}
	}
	return "", false
}
