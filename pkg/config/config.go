// Package config loads server configuration from the environment and an
// optional YAML file. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/govbox/pkg/retry"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	// DatabaseURL selects Postgres. Empty means lite mode: SQLite under DataDir.
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	LockTTL       time.Duration `yaml:"lock_ttl"`

	Slack SlackConfig `yaml:"slack"`

	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
	PlatformTimeout   time.Duration `yaml:"platform_timeout"`
	Retry             retry.Policy  `yaml:"retry"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// Communities are installed at startup when missing.
	Communities []CommunitySeed `yaml:"communities"`
}

// SlackConfig configures the platform integration.
type SlackConfig struct {
	APIBase             string  `yaml:"api_base"`
	SigningSecret       string  `yaml:"signing_secret"`
	ServiceUserID       string  `yaml:"service_user_id"`
	AnnouncementChannel string  `yaml:"announcement_channel"`
	RPS                 float64 `yaml:"rps"`
	Burst               int     `yaml:"burst"`
}

// CommunitySeed describes a community installed from configuration.
type CommunitySeed struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	TeamID        string     `yaml:"team_id"`
	BotToken      string     `yaml:"bot_token"`
	ServiceUserID string     `yaml:"service_user_id"`
	Users         []UserSeed `yaml:"users"`
	Rules         []RuleSeed `yaml:"rules"`
}

// UserSeed registers a member and the token used for user-auth calls.
type UserSeed struct {
	PlatformUserID string `yaml:"platform_user_id"`
	Name           string `yaml:"name"`
	AccessToken    string `yaml:"access_token"`
}

// RuleSeed is a rule installed with its community.
type RuleSeed struct {
	Name             string         `yaml:"name"`
	Filter           string         `yaml:"filter"`
	Conditional      string         `yaml:"conditional"`
	Constants        map[string]any `yaml:"constants"`
	Priority         int            `yaml:"priority"`
	EngineConstraint string         `yaml:"engine_constraint"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:              "8080",
		LogLevel:          "INFO",
		DataDir:           "data",
		LockTTL:           30 * time.Second,
		EvaluationTimeout: 250 * time.Millisecond,
		PlatformTimeout:   10 * time.Second,
		Retry:             retry.DefaultPolicy(),
		Slack: SlackConfig{
			APIBase: "https://slack.com/api/",
			RPS:     1,
			Burst:   5,
		},
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path on the defaults, then applies
// environment variables.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.Port, "GOVBOX_PORT", "PORT")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.DatabaseURL, "DATABASE_URL")
	str(&c.DataDir, "GOVBOX_DATA_DIR")
	str(&c.RedisAddr, "REDIS_ADDR")
	str(&c.RedisPassword, "REDIS_PASSWORD")
	str(&c.Slack.APIBase, "SLACK_API_BASE")
	str(&c.Slack.SigningSecret, "SLACK_SIGNING_SECRET")
	str(&c.Slack.ServiceUserID, "SERVICE_USER_ID")
	str(&c.Slack.AnnouncementChannel, "ANNOUNCEMENT_CHANNEL")
	str(&c.OTLPEndpoint, "OTLP_ENDPOINT")
	if os.Getenv("OTLP_INSECURE") == "true" {
		c.OTLPInsecure = true
	}

	var errs []error
	dur := func(dst *time.Duration, key string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	dur(&c.EvaluationTimeout, "EVALUATION_TIMEOUT")
	dur(&c.PlatformTimeout, "PLATFORM_TIMEOUT")
	dur(&c.LockTTL, "LOCK_TTL")

	if v := os.Getenv("SLACK_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SLACK_RPS: %w", err))
		} else {
			c.Slack.RPS = f
		}
	}
	if v := os.Getenv("SLACK_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SLACK_BURST: %w", err))
		} else {
			c.Slack.Burst = n
		}
	}
	return errors.Join(errs...)
}

// Validate checks for settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.EvaluationTimeout <= 0 {
		errs = append(errs, errors.New("evaluation_timeout must be positive"))
	}
	if c.PlatformTimeout <= 0 {
		errs = append(errs, errors.New("platform_timeout must be positive"))
	}
	if c.RedisAddr != "" && c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock_ttl must be positive when redis_addr is set"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	for i, seed := range c.Communities {
		if seed.ID == "" || seed.TeamID == "" {
			errs = append(errs, fmt.Errorf("communities[%d]: id and team_id are required", i))
		}
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the server runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}
