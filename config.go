package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// errMissingCredentials marks a run that cannot start because a required
// secret is not configured
var errMissingCredentials = errors.New("missing credentials")

const defaultConfigFile = "config.yaml"

const (
	HistoryBackendJSON   = "json"
	HistoryBackendSQLite = "sqlite"

	SourceKindFeed   = "feed"
	SourceKindReader = "reader"
)

// Config is the root configuration. Sources, highest priority first:
//  1. the --config flag
//  2. CONFIG_PATH
//  3. ./config.yaml
//  4. environment variables only
//
// Environment variables override values read from a file.
type Config struct {
	Env        string           `yaml:"env" env:"ENV" env-default:"local"`
	History    HistoryConfig    `yaml:"history"`
	Source     SourceConfig     `yaml:"source"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Feeds      FeedsConfig      `yaml:"feeds"`
}

// HistoryConfig selects where the post history lives
type HistoryConfig struct {
	Backend       string `yaml:"backend" env:"HISTORY_BACKEND" env-default:"json"`
	Path          string `yaml:"path" env:"HISTORY_PATH" env-default:"data/history.json"`
	RetentionDays int    `yaml:"retention_days" env:"HISTORY_RETENTION_DAYS" env-default:"30"`
}

// SourceConfig describes where digests come from
type SourceConfig struct {
	Kind         string        `yaml:"kind" env:"SOURCE_KIND" env-default:"feed"`
	URL          string        `yaml:"url" env:"SOURCE_URL"`
	Token        string        `yaml:"token" env:"READER_TOKEN"`
	TitlePattern string        `yaml:"title_pattern" env:"SOURCE_TITLE_PATTERN" env-default:"(?i)^(twitter|x)\\s+digest"`
	Timeout      time.Duration `yaml:"timeout" env:"SOURCE_TIMEOUT" env-default:"30s"`
	Lookback     time.Duration `yaml:"lookback" env:"SOURCE_LOOKBACK" env-default:"72h"`
	UserAgent    string        `yaml:"user_agent" env:"SOURCE_USER_AGENT"`
}

// ClassifierConfig configures the external classification service
type ClassifierConfig struct {
	APIKey       string        `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
	BaseURL      string        `yaml:"base_url" env:"ANTHROPIC_BASE_URL" env-default:"https://api.anthropic.com"`
	Model        string        `yaml:"model" env:"CLASSIFIER_MODEL" env-default:"claude-3-5-haiku-latest"`
	MaxTokens    int           `yaml:"max_tokens" env:"CLASSIFIER_MAX_TOKENS" env-default:"256"`
	BatchSize    int           `yaml:"batch_size" env:"CLASSIFIER_BATCH_SIZE" env-default:"10"`
	Concurrency  int           `yaml:"concurrency" env:"CLASSIFIER_CONCURRENCY" env-default:"1"`
	PreviewChars int           `yaml:"preview_chars" env:"CLASSIFIER_PREVIEW_CHARS" env-default:"280"`
	Timeout      time.Duration `yaml:"timeout" env:"CLASSIFIER_TIMEOUT" env-default:"60s"`
}

// FeedsConfig controls feed rendering
type FeedsConfig struct {
	OutDir   string `yaml:"out_dir" env:"FEEDS_OUT_DIR" env-default:"feeds"`
	Format   string `yaml:"format" env:"FEEDS_FORMAT" env-default:"rss"`
	Title    string `yaml:"title" env:"FEEDS_TITLE" env-default:"Jarvis RSS"`
	Link     string `yaml:"link" env:"FEEDS_LINK" env-default:"http://localhost:8080/feeds"`
	MaxDays  int    `yaml:"max_days" env:"FEEDS_MAX_DAYS" env-default:"30"`
	Timezone string `yaml:"timezone" env:"FEEDS_TIMEZONE" env-default:"UTC"`
}

// Retention returns the history window as a duration
func (h HistoryConfig) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// Location returns the time zone feed days are computed in
func (f FeedsConfig) Location() (*time.Location, error) {
	return time.LoadLocation(f.Timezone)
}

// Options turns the config section into renderer options
func (f FeedsConfig) Options() (FeedOptions, error) {
	loc, err := f.Location()
	if err != nil {
		return FeedOptions{}, fmt.Errorf("invalid feeds.timezone %q: %w", f.Timezone, err)
	}
	return FeedOptions{
		Title:    f.Title,
		Link:     f.Link,
		OutDir:   f.OutDir,
		Format:   f.Format,
		MaxDays:  f.MaxDays,
		Location: loc,
	}, nil
}

// Load reads the configuration by priority: explicit path, CONFIG_PATH,
// ./config.yaml, then environment variables only
func Load(path string) (*Config, error) {
	var cfg Config

	readFile := func(p string) error {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file does not exist: %s", p)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return fmt.Errorf("failed to read config %s: %w", p, err)
		}
		slog.Debug("Loaded config from file", "path", p)
		return nil
	}

	switch {
	case path != "":
		if err := readFile(path); err != nil {
			return nil, err
		}
	case os.Getenv("CONFIG_PATH") != "":
		if err := readFile(os.Getenv("CONFIG_PATH")); err != nil {
			return nil, err
		}
	case fileExists(defaultConfigFile):
		if err := readFile(defaultConfigFile); err != nil {
			return nil, err
		}
	default:
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from env: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (c *Config) validate() error {
	switch c.History.Backend {
	case HistoryBackendJSON, HistoryBackendSQLite:
	default:
		return fmt.Errorf("history.backend must be %q or %q, got %q", HistoryBackendJSON, HistoryBackendSQLite, c.History.Backend)
	}
	if c.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}
	if c.History.RetentionDays <= 0 {
		return fmt.Errorf("history.retention_days must be positive")
	}

	switch c.Source.Kind {
	case SourceKindFeed, SourceKindReader:
	default:
		return fmt.Errorf("source.kind must be %q or %q, got %q", SourceKindFeed, SourceKindReader, c.Source.Kind)
	}
	if _, err := regexp.Compile(c.Source.TitlePattern); err != nil {
		return fmt.Errorf("source.title_pattern: %w", err)
	}

	if c.Classifier.BatchSize < 1 || c.Classifier.BatchSize > MaxBatchSize {
		return fmt.Errorf("classifier.batch_size must be between 1 and %d", MaxBatchSize)
	}
	if c.Classifier.Concurrency < 1 {
		return fmt.Errorf("classifier.concurrency must be at least 1")
	}

	switch c.Feeds.Format {
	case FormatRSS, FormatAtom, FormatJSON:
	default:
		return fmt.Errorf("feeds.format must be one of rss, atom, json, got %q", c.Feeds.Format)
	}
	if c.Feeds.MaxDays <= 0 {
		return fmt.Errorf("feeds.max_days must be positive")
	}
	if _, err := c.Feeds.Location(); err != nil {
		return fmt.Errorf("feeds.timezone: %w", err)
	}

	return nil
}
