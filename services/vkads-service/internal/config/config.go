package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "./configs/vkads.yaml"

type Config struct {
	Service   ServiceConfig   `yaml:"service" envconfig:"SERVICE"`
	VKAds     VKAdsConfig     `yaml:"vkads" envconfig:"VKADS"`
	LeadsTech LeadsTechConfig `yaml:"leadstech" envconfig:"LEADSTECH"`
	Runner    RunnerConfig    `yaml:"runner" envconfig:"RUNNER"`
	Telegram  TelegramConfig  `yaml:"telegram" envconfig:"TELEGRAM"`
}

type ServiceConfig struct {
	Name      string `yaml:"name" envconfig:"NAME"`
	HTTPPort  int    `yaml:"http_port" envconfig:"HTTP_PORT"`
	GRPCPort  int    `yaml:"grpc_port" envconfig:"GRPC_PORT"`
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`
}

type VKAdsConfig struct {
	BaseURL                string        `yaml:"base_url" envconfig:"BASE_URL"`
	APIDelay               time.Duration `yaml:"api_delay" envconfig:"API_DELAY"`
	StatsDelay             time.Duration `yaml:"stats_delay" envconfig:"STATS_DELAY"`
	MaxRetries             int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBaseDelay         time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay          time.Duration `yaml:"retry_max_delay" envconfig:"RETRY_MAX_DELAY"`
	PageSize               int           `yaml:"page_size" envconfig:"PAGE_SIZE"`
	StatsBatchSize         int           `yaml:"stats_batch_size" envconfig:"STATS_BATCH_SIZE"`
	StatsFallbackBatchSize int           `yaml:"stats_fallback_batch_size" envconfig:"STATS_FALLBACK_BATCH_SIZE"`
	MassActionBatchSize    int           `yaml:"mass_action_batch_size" envconfig:"MASS_ACTION_BATCH_SIZE"`
	StatsMetrics           string        `yaml:"stats_metrics" envconfig:"STATS_METRICS"`
	RequestTimeout         time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxConnsPerHost        int           `yaml:"max_conns_per_host" envconfig:"MAX_CONNS_PER_HOST"`
	MinDailyBudget         float64       `yaml:"min_daily_budget" envconfig:"MIN_DAILY_BUDGET"`
}

type LeadsTechConfig struct {
	BaseURL       string        `yaml:"base_url" envconfig:"BASE_URL"`
	Login         string        `yaml:"login" envconfig:"LOGIN"`
	Password      string        `yaml:"password" envconfig:"PASSWORD"`
	SubFields     []string      `yaml:"sub_fields" envconfig:"SUB_FIELDS"`
	IDsPerRequest int           `yaml:"ids_per_request" envconfig:"IDS_PER_REQUEST"`
	PageSize      int           `yaml:"page_size" envconfig:"PAGE_SIZE"`
	TokenTTL      time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	MaxRetries    int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
}

// Enabled reports whether revenue lookups can be made at all.
func (c LeadsTechConfig) Enabled() bool {
	return c.BaseURL != "" && c.Login != "" && c.Password != ""
}

type RunnerConfig struct {
	MaxConcurrentAccounts   int           `yaml:"max_concurrent_accounts" envconfig:"MAX_CONCURRENT_ACCOUNTS"`
	CancelPollInterval      time.Duration `yaml:"cancel_poll_interval" envconfig:"CANCEL_POLL_INTERVAL"`
	LockTTL                 time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
	DefaultLookbackDays     int           `yaml:"default_lookback_days" envconfig:"DEFAULT_LOOKBACK_DAYS"`
	ClassificationBatchSize int           `yaml:"classification_batch_size" envconfig:"CLASSIFICATION_BATCH_SIZE"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	Enabled  bool   `yaml:"enabled" envconfig:"ENABLED"`
}

// Load reads the YAML file at path (a missing file is not an error), applies
// environment overrides and fills defaults for unset values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to open config: %w", err)
		default:
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PathFromEnv returns VKADS_CONFIG_PATH or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv("VKADS_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func (c *Config) applyDefaults() {
	setString(&c.Service.Name, "vkads-service")
	setInt(&c.Service.HTTPPort, 8020)
	setInt(&c.Service.GRPCPort, 50070)
	setString(&c.Service.LogLevel, "info")
	setString(&c.Service.LogFormat, "json")

	v := &c.VKAds
	setString(&v.BaseURL, "https://ads.vk.com")
	setDuration(&v.APIDelay, 35*time.Millisecond)
	setDuration(&v.StatsDelay, 500*time.Millisecond)
	setInt(&v.MaxRetries, 4)
	setDuration(&v.RetryBaseDelay, time.Second)
	setDuration(&v.RetryMaxDelay, 30*time.Second)
	setInt(&v.PageSize, 200)
	setInt(&v.StatsBatchSize, 200)
	setInt(&v.StatsFallbackBatchSize, 50)
	setInt(&v.MassActionBatchSize, 200)
	setString(&v.StatsMetrics, "base,vk")
	setDuration(&v.RequestTimeout, 60*time.Second)
	setInt(&v.MaxConnsPerHost, 20)
	if v.MinDailyBudget <= 0 {
		v.MinDailyBudget = 100
	}

	l := &c.LeadsTech
	if len(l.SubFields) == 0 {
		l.SubFields = []string{"sub4", "sub5"}
	}
	setInt(&l.IDsPerRequest, 50)
	setInt(&l.PageSize, 500)
	setDuration(&l.TokenTTL, 12*time.Hour)
	setInt(&l.MaxRetries, 3)

	r := &c.Runner
	setInt(&r.MaxConcurrentAccounts, 5)
	setDuration(&r.CancelPollInterval, 2*time.Second)
	setDuration(&r.LockTTL, 2*time.Hour)
	setInt(&r.DefaultLookbackDays, 7)
	setInt(&r.ClassificationBatchSize, 200)
}

func (c *Config) Validate() error {
	if c.VKAds.MassActionBatchSize > 200 {
		return fmt.Errorf("vkads.mass_action_batch_size must not exceed 200, got %d", c.VKAds.MassActionBatchSize)
	}
	if c.VKAds.StatsFallbackBatchSize > c.VKAds.StatsBatchSize {
		return fmt.Errorf("vkads.stats_fallback_batch_size (%d) exceeds stats_batch_size (%d)",
			c.VKAds.StatsFallbackBatchSize, c.VKAds.StatsBatchSize)
	}
	if c.LeadsTech.IDsPerRequest > 50 {
		return fmt.Errorf("leadstech.ids_per_request must not exceed 50, got %d", c.LeadsTech.IDsPerRequest)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

func setDuration(p *time.Duration, def time.Duration) {
	if *p <= 0 {
		*p = def
	}
}
