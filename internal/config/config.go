package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to run the harvester.
type Config struct {
	DB          SQLConfig         `yaml:"db"`
	Worker      WorkerConfig      `yaml:"worker"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Robots      RobotsConfig      `yaml:"robots"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// SQLConfig describes the relational database holding users and activities.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// WorkerConfig controls batch sizing, task concurrency and politeness delays.
type WorkerConfig struct {
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	BatchSize          int      `yaml:"batch_size"`
	UserDelay          Duration `yaml:"user_delay"`
	ActivityDelay      Duration `yaml:"activity_delay"`
}

// FetchConfig controls how pages are requested from the tracking site.
type FetchConfig struct {
	BaseURL            string            `yaml:"base_url"`
	UserAgent          string            `yaml:"user_agent"`
	Headers            map[string]string `yaml:"headers"`
	RequestTimeout     Duration          `yaml:"request_timeout"`
	ConnectTimeout     Duration          `yaml:"connect_timeout"`
	MaxBodyBytes       int64             `yaml:"max_body_bytes"`
	FeedMaxAttempts    int               `yaml:"feed_max_attempts"`
	DetailMaxAttempts  int               `yaml:"detail_max_attempts"`
	ProxyCheckURL      string            `yaml:"proxy_check_url"`
	ProxyCheckTimeout  Duration          `yaml:"proxy_check_timeout"`
	ProxyCheckAttempts int               `yaml:"proxy_check_attempts"`
	RateLimit          RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// CredentialsConfig points at the cookie and proxy pools.
type CredentialsConfig struct {
	CookiesFile string `yaml:"cookies_file"`
	ProxiesFile string `yaml:"proxies_file"`
	UseProxy    bool   `yaml:"use_proxy"`
	// CookieIndex pins every session to one cookie entry instead of a random pick.
	CookieIndex *int `yaml:"cookie_index"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DB: SQLConfig{
			Driver:          "postgres",
			MaxOpenConns:    15,
			MaxIdleConns:    3,
			ConnMaxIdleTime: DurationFrom(30 * time.Second),
			ConnectTimeout:  DurationFrom(10 * time.Second),
			AutoMigrate:     false,
		},
		Worker: WorkerConfig{
			MaxConcurrentTasks: 50,
			BatchSize:          300,
			UserDelay:          DurationFrom(time.Second),
			ActivityDelay:      DurationFrom(2 * time.Second),
		},
		Fetch: FetchConfig{
			BaseURL:   "https://www.strava.com",
			UserAgent: defaultUserAgent,
			Headers: map[string]string{
				"Accept":       "application/json",
				"Content-Type": "application/json",
			},
			RequestTimeout:     DurationFrom(30 * time.Second),
			ConnectTimeout:     DurationFrom(15 * time.Second),
			MaxBodyBytes:       6 * 1024 * 1024,
			FeedMaxAttempts:    5,
			DetailMaxAttempts:  36,
			ProxyCheckURL:      "https://www.google.com",
			ProxyCheckTimeout:  DurationFrom(3 * time.Second),
			ProxyCheckAttempts: 10,
		},
		Credentials: CredentialsConfig{
			CookiesFile: "./cookies.json",
			ProxiesFile: "./proxies.json",
		},
		Robots: RobotsConfig{
			Respect:   false,
			UserAgent: "*",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer fh.Close()
		if err := decodeYAML(fh, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader without
// consulting the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays the deployment variables the job has always honoured.
func (c *Config) applyEnv(lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("DATABASE_URL"); ok {
		c.DB.DSN = v
	}
	if v, ok := get("DB_DRIVER"); ok {
		c.DB.Driver = v
	}
	for key, dst := range map[string]*int{
		"DB_POOL_MAX_SIZE": &c.DB.MaxOpenConns,
		"DB_POOL_MIN_IDLE": &c.DB.MaxIdleConns,
	} {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*Duration{
		"DB_CONN_TIMEOUT": &c.DB.ConnectTimeout,
		"DB_IDLE_TIMEOUT": &c.DB.ConnMaxIdleTime,
	} {
		if v, ok := get(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v, ok := get("USE_PROXY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_PROXY: %w", err)
		}
		c.Credentials.UseProxy = b
	}
	if v, ok := get("COOKIES_FILE"); ok {
		c.Credentials.CookiesFile = v
	}
	if v, ok := get("PROXIES_FILE"); ok {
		c.Credentials.ProxiesFile = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate enforces required invariants for the harvester configuration.
func (c Config) Validate() error {
	if c.DB.Driver == "" {
		return errors.New("db.driver must be set")
	}
	if c.DB.MaxOpenConns < 0 || c.DB.MaxIdleConns < 0 {
		return fmt.Errorf("db pool sizes must be >= 0 (got open=%d idle=%d)", c.DB.MaxOpenConns, c.DB.MaxIdleConns)
	}
	if c.Worker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("worker.max_concurrent_tasks must be > 0 (got %d)", c.Worker.MaxConcurrentTasks)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0 (got %d)", c.Worker.BatchSize)
	}
	if c.Worker.UserDelay.Duration < 0 || c.Worker.ActivityDelay.Duration < 0 {
		return errors.New("worker delays must be >= 0")
	}
	base, err := url.Parse(c.Fetch.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("fetch.base_url must be an absolute url (got %q)", c.Fetch.BaseURL)
	}
	if c.Fetch.FeedMaxAttempts <= 0 {
		return fmt.Errorf("fetch.feed_max_attempts must be > 0 (got %d)", c.Fetch.FeedMaxAttempts)
	}
	if c.Fetch.DetailMaxAttempts <= 0 {
		return fmt.Errorf("fetch.detail_max_attempts must be > 0 (got %d)", c.Fetch.DetailMaxAttempts)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if rl := c.Fetch.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Credentials.UseProxy && c.Fetch.ProxyCheckAttempts <= 0 {
		return fmt.Errorf("fetch.proxy_check_attempts must be > 0 when proxies are used (got %d)", c.Fetch.ProxyCheckAttempts)
	}
	if strings.TrimSpace(c.Credentials.CookiesFile) == "" {
		return errors.New("credentials.cookies_file must be set")
	}
	if c.Credentials.CookieIndex != nil && *c.Credentials.CookieIndex < 0 {
		return fmt.Errorf("credentials.cookie_index must be >= 0 (got %d)", *c.Credentials.CookieIndex)
	}
	return nil
}

func (c *Config) normalise() {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.Fetch.BaseURL = strings.TrimRight(strings.TrimSpace(c.Fetch.BaseURL), "/")
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Fetch.ProxyCheckURL = strings.TrimSpace(c.Fetch.ProxyCheckURL)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}
	c.Credentials.CookiesFile = strings.TrimSpace(c.Credentials.CookiesFile)
	c.Credentials.ProxiesFile = strings.TrimSpace(c.Credentials.ProxiesFile)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = "*"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
