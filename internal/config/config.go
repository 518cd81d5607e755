package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml.
type Config struct {
	Service struct {
		Name          string `yaml:"name"`
		DefaultFarmer string `yaml:"default_farmer"`
	} `yaml:"service"`
	Logging   LoggingConfig   `yaml:"logging"`
	Harness   HarnessConfig   `yaml:"harness"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Decision  DecisionConfig  `yaml:"decision"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Safety    SafetyConfig    `yaml:"safety"`
	Providers ProvidersConfig `yaml:"providers"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HarnessConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Retry          RetryConfig   `yaml:"retry"`
	Cache          CacheConfig   `yaml:"cache"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type AlertsConfig struct {
	MaxPerProject    int           `yaml:"max_per_project"`
	EnrichTimeout    time.Duration `yaml:"enrich_timeout"`
	HeatStressTemp   float64       `yaml:"heat_stress_temp"`
	HeatCriticalTemp float64       `yaml:"heat_critical_temp"`
	DiseaseHumidity  float64       `yaml:"disease_humidity"`
	RainWindowDays   int           `yaml:"rain_window_days"`
	RainDeficitMm    float64       `yaml:"rain_deficit_mm"`
	RainExcessMm     float64       `yaml:"rain_excess_mm"`
	SprayWindKmh     float64       `yaml:"spray_wind_kmh"`
	SowingWindowDays int           `yaml:"sowing_window_days"`
}

// DecisionConfig holds the next-action thresholds. StageOrder ranks growth stages from
// least to most advanced; the least advanced active project is treated as primary.
type DecisionConfig struct {
	StageOrder       []string `yaml:"stage_order"`
	CriticalTemp     float64  `yaml:"critical_temp"`
	CriticalHumidity float64  `yaml:"critical_humidity"`
	LowHumidity      float64  `yaml:"low_humidity"`
	PestHumidity     float64  `yaml:"pest_humidity"`
	HeatTemp         float64  `yaml:"heat_temp"`
}

type TelemetryConfig struct {
	Capacity      int           `yaml:"capacity"`
	FlushDebounce time.Duration `yaml:"flush_debounce"`
	Store         string        `yaml:"store"`
	PostgresURL   string        `yaml:"postgres_url"`
	RedisURL      string        `yaml:"redis_url"`
	RedisStream   string        `yaml:"redis_stream"`
}

type SafetyConfig struct {
	BannedPhrases []string `yaml:"banned_phrases"`
}

type ProvidersConfig struct {
	WeatherBaseURL   string        `yaml:"weather_base_url"`
	MarketBaseURL    string        `yaml:"market_base_url"`
	GenAIModel       string        `yaml:"genai_model"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	WeatherCacheSize int           `yaml:"weather_cache_size"`
	WeatherCacheTTL  time.Duration `yaml:"weather_cache_ttl"`
}

// WebhookConfig forwards matching telemetry events to an HTTP endpoint while the
// server runs. An empty Events list forwards everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Harness.DefaultTimeout <= 0 {
		return fmt.Errorf("config.harness.default_timeout must be positive")
	}
	if c.Harness.MaxConcurrency < 0 {
		return fmt.Errorf("config.harness.max_concurrency must not be negative")
	}
	if c.Harness.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.harness.retry.max_attempts must be at least 1")
	}
	if c.Harness.Retry.Jitter < 0 || c.Harness.Retry.Jitter > 1 {
		return fmt.Errorf("config.harness.retry.jitter must be within [0,1]")
	}
	if c.Alerts.MaxPerProject <= 0 {
		return fmt.Errorf("config.alerts.max_per_project must be positive")
	}
	if c.Alerts.RainWindowDays <= 0 {
		return fmt.Errorf("config.alerts.rain_window_days must be positive")
	}
	if len(c.Decision.StageOrder) == 0 {
		return fmt.Errorf("config.decision.stage_order is required")
	}
	seen := make(map[string]bool, len(c.Decision.StageOrder))
	for _, stage := range c.Decision.StageOrder {
		if stage == "" {
			return fmt.Errorf("config.decision.stage_order contains an empty stage")
		}
		if seen[stage] {
			return fmt.Errorf("config.decision.stage_order repeats stage %s", stage)
		}
		seen[stage] = true
	}
	if c.Telemetry.Capacity <= 0 {
		return fmt.Errorf("config.telemetry.capacity must be positive")
	}
	switch c.Telemetry.Store {
	case "sqlite", "none":
	case "postgres":
		if strings.TrimSpace(c.Telemetry.PostgresURL) == "" {
			return fmt.Errorf("config.telemetry.postgres_url is required when store is postgres")
		}
	default:
		return fmt.Errorf("config.telemetry.store must be one of sqlite, postgres, none")
	}
	for _, phrase := range c.Safety.BannedPhrases {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("config.safety.banned_phrases contains an empty phrase")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("fieldline"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: %s
  default_farmer: local-farmer

logging:
  level: info
  format: json

harness:
  default_timeout: 8s
  max_concurrency: 8
  retry:
    max_attempts: 2
    base_delay: 200ms
    max_delay: 2s
    jitter: 0.25
  cache:
    size: 256
    ttl: 5m

alerts:
  max_per_project: 50
  enrich_timeout: 4s
  heat_stress_temp: 40
  heat_critical_temp: 45
  disease_humidity: 85
  rain_window_days: 3
  rain_deficit_mm: 2
  rain_excess_mm: 50
  spray_wind_kmh: 20
  sowing_window_days: 7

decision:
  stage_order: [sowing, vegetative, flowering, fruiting, maturity, harvest]
  critical_temp: 42
  critical_humidity: 90
  low_humidity: 35
  pest_humidity: 80
  heat_temp: 35

telemetry:
  capacity: 500
  flush_debounce: 2s
  store: sqlite
  redis_stream: fieldline_telemetry

safety:
  banned_phrases: []

providers:
  weather_base_url: https://api.open-meteo.com/v1/forecast
  genai_model: gemini-2.0-flash
  http_timeout: 10s
  weather_cache_size: 128
  weather_cache_ttl: 15m

webhooks: []
`
