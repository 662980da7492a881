// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names known to the default configuration.
const (
	ProviderCustomWheelOffset = "custom_wheel_offset"
	ProviderDriverRight       = "driver_right"
	ProviderTireRack          = "tire_rack"
)

// Respawn modes for the restart supervisor.
const (
	RespawnExec = "exec"
	RespawnLoop = "loop"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Auth       AuthConfig                `mapstructure:"auth"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	DB         DBConfig                  `mapstructure:"db"`
	HTTP       HTTPConfig                `mapstructure:"http"`
	Proxy      ProxyConfig               `mapstructure:"proxy"`
	Captcha    CaptchaConfig             `mapstructure:"captcha"`
	Headless   HeadlessConfig            `mapstructure:"headless"`
	Paths      PathsConfig               `mapstructure:"paths"`
	Supervisor SupervisorConfig          `mapstructure:"supervisor"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
}

// ServerConfig controls the Control API listener.
type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	SQLitePath             string `mapstructure:"sqlite_path"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	ErrorLogTable          string `mapstructure:"error_log_table"`
}

// HTTPConfig configures the rate-limited client.
type HTTPConfig struct {
	TimeoutSeconds    int               `mapstructure:"timeout_seconds"`
	UserAgent         string            `mapstructure:"user_agent"`
	DelayMinMs        int               `mapstructure:"delay_min_ms"`
	DelayMaxMs        int               `mapstructure:"delay_max_ms"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	Burst             int               `mapstructure:"burst"`
	Headers           map[string]string `mapstructure:"headers"`
}

// ProxyConfig lists the rotating proxy endpoints.
type ProxyConfig struct {
	Endpoints          []string `mapstructure:"endpoints"`
	User               string   `mapstructure:"user"`
	Password           string   `mapstructure:"password"`
	RetriesPerEndpoint int      `mapstructure:"retries_per_endpoint"`
}

// CaptchaConfig configures the external solving service and the gate bound.
type CaptchaConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	MaxPolls       int    `mapstructure:"max_polls"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// PathsConfig locates the JSON side files.
type PathsConfig struct {
	ProcessRegistry string `mapstructure:"process_registry"`
	TokenCache      string `mapstructure:"token_cache"`
}

// SupervisorConfig tunes failure classification and restarts.
type SupervisorConfig struct {
	GracePeriodSeconds int      `mapstructure:"grace_period_seconds"`
	MaxItemRetries     int      `mapstructure:"max_item_retries"`
	FatalKeywords      []string `mapstructure:"fatal_keywords"`
	Respawn            string   `mapstructure:"respawn"`
	MaxRestarts        int      `mapstructure:"max_restarts"`
}

// ProviderConfig holds per-provider constants.
type ProviderConfig struct {
	Workers    int               `mapstructure:"workers"`
	QueueDepth int               `mapstructure:"queue_depth"`
	BaseURL    string            `mapstructure:"base_url"`
	DetailURL  string            `mapstructure:"detail_url"`
	StartYear  int               `mapstructure:"start_year"`
	EndYear    int               `mapstructure:"end_year"`
	LevelOrder map[string]string `mapstructure:"level_order"`
	Headless   bool              `mapstructure:"headless"`
	Username   string            `mapstructure:"username"`
	Token      string            `mapstructure:"token"`
	RegionID   int               `mapstructure:"region_id"`

	// AllPreferences walks every suspension/modification/rubbing setup.
	AllPreferences bool `mapstructure:"all_preferences"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FITMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Providers = normalizeProviders(cfg.Providers)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("logging.development", true)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.sqlite_path", "data/fitment.db")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.error_log_table", "scrape_error_log")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36")
	v.SetDefault("http.delay_min_ms", 1000)
	v.SetDefault("http.delay_max_ms", 3000)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("proxy.retries_per_endpoint", 3)
	v.SetDefault("captcha.base_url", "https://api.2captcha.com")
	v.SetDefault("captcha.poll_interval_ms", 5000)
	v.SetDefault("captcha.max_polls", 24)
	v.SetDefault("captcha.max_attempts", 20)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("paths.process_registry", "data/process_registry.json")
	v.SetDefault("paths.token_cache", "data/custom_wheel_offset_temp.json")
	v.SetDefault("supervisor.grace_period_seconds", 5)
	v.SetDefault("supervisor.max_item_retries", 3)
	v.SetDefault("supervisor.respawn", RespawnExec)
	v.SetDefault("supervisor.max_restarts", 0)

	v.SetDefault("providers.custom_wheel_offset.workers", 5)
	v.SetDefault("providers.custom_wheel_offset.base_url", "https://www.customwheeloffset.com")
	v.SetDefault("providers.custom_wheel_offset.detail_url", "https://www.enthusiastenterprises.us/fitment/vehicle/co")
	v.SetDefault("providers.custom_wheel_offset.start_year", 2026)
	v.SetDefault("providers.custom_wheel_offset.end_year", 0)

	v.SetDefault("providers.driver_right.workers", 50)
	v.SetDefault("providers.driver_right.base_url", "https://api.driverightdata.com/eu/api")
	v.SetDefault("providers.driver_right.region_id", 1)

	v.SetDefault("providers.tire_rack.workers", 5)
	v.SetDefault("providers.tire_rack.base_url", "https://www.tirerack.com")
	v.SetDefault("providers.tire_rack.headless", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db.driver must be postgres or sqlite, got %q", c.DB.Driver)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.DelayMinMs < 0 || c.HTTP.DelayMaxMs < c.HTTP.DelayMinMs {
		return fmt.Errorf("http.delay_min_ms must be >= 0 and <= http.delay_max_ms")
	}
	if c.Proxy.RetriesPerEndpoint <= 0 {
		return fmt.Errorf("proxy.retries_per_endpoint must be > 0")
	}
	if c.Captcha.MaxAttempts <= 0 {
		return fmt.Errorf("captcha.max_attempts must be > 0")
	}
	if c.Supervisor.MaxItemRetries < 0 {
		return fmt.Errorf("supervisor.max_item_retries must be >= 0")
	}
	if c.Supervisor.Respawn != RespawnExec && c.Supervisor.Respawn != RespawnLoop {
		return fmt.Errorf("supervisor.respawn must be %q or %q", RespawnExec, RespawnLoop)
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p.Workers <= 0 {
			return fmt.Errorf("providers.%s.workers must be > 0", name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
		for level, order := range p.LevelOrder {
			if order != "asc" && order != "desc" {
				return fmt.Errorf("providers.%s.level_order.%s must be asc or desc", name, level)
			}
		}
	}
	return nil
}

// Provider returns the configuration of the named provider.
func (c Config) Provider(name string) (ProviderConfig, error) {
	p, ok := c.Providers[NormalizeProvider(name)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// ProviderNames lists configured providers in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timeout is the per-attempt HTTP timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// GracePeriod is how long a restart winner waits for workers to drain.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Supervisor.GracePeriodSeconds) * time.Second
}

// NormalizeProvider lowercases and trims a provider name.
func NormalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeProviders(in map[string]ProviderConfig) map[string]ProviderConfig {
	out := make(map[string]ProviderConfig, len(in))
	for name, p := range in {
		out[NormalizeProvider(name)] = p
	}
	return out
}
