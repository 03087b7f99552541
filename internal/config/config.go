// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-crawler/internal/scheduler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Store     StoreConfig     `mapstructure:"store"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig holds Postgres connection parameters.
type DBConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN renders the connection parameters as a postgres:// URL.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Name,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// StoreConfig controls batch writes.
type StoreConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// CrawlerConfig governs pagination and the worker pool.
type CrawlerConfig struct {
	StartURL            string        `mapstructure:"start_url"`
	MaxPages            int           `mapstructure:"max_pages"`
	PageParam           string        `mapstructure:"page_param"`
	NextSelector        string        `mapstructure:"next_selector"`
	DetailPattern       string        `mapstructure:"detail_pattern"`
	MaxConcurrency      int           `mapstructure:"max_concurrency"`
	QueueDepth          int           `mapstructure:"queue_depth"`
	RunTimeout          time.Duration `mapstructure:"run_timeout"`
	MaxFailuresReported int           `mapstructure:"max_failures_reported"`
}

// HTTPConfig configures fetch retries, headers and politeness.
type HTTPConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxRetryAfter  time.Duration `mapstructure:"max_retry_after"`
	UserAgents     []string      `mapstructure:"user_agents"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	Transport      string        `mapstructure:"transport"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the chromedp transport.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// ExtractorConfig configures field extraction.
type ExtractorConfig struct {
	StateMarkers       []string `mapstructure:"state_markers"`
	DefaultCurrency    string   `mapstructure:"default_currency"`
	DefaultCountryCode string   `mapstructure:"default_country_code"`
}

// ScheduleConfig sets the daily trigger times.
type ScheduleConfig struct {
	Timezone     string `mapstructure:"timezone"`
	ScrapeTime   string `mapstructure:"scrape_time"`
	DumpTime     string `mapstructure:"dump_time"`
	RunOnStartup bool   `mapstructure:"run_on_startup"`
}

// SnapshotConfig configures pg_dump exports.
type SnapshotConfig struct {
	Dir        string        `mapstructure:"dir"`
	PGDumpPath string        `mapstructure:"pg_dump_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables the cross-process job lock.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockKey  string        `mapstructure:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// legacyEnv maps keys to the bare environment names older deployments use.
var legacyEnv = map[string]string{
	"db.host":                 "DB_HOST",
	"db.port":                 "DB_PORT",
	"db.user":                 "DB_USER",
	"db.password":             "DB_PASSWORD",
	"db.name":                 "DB_NAME",
	"crawler.start_url":       "SCRAPE_START_URL",
	"http.max_retries":        "MAX_CONCURRENT_RETRIES",
	"schedule.scrape_time":    "SCRAPE_TIME",
	"schedule.dump_time":      "DUMP_TIME",
	"schedule.timezone":       "TZ",
	"schedule.run_on_startup": "RUN_ON_STARTUP",
	"snapshot.dir":            "DUMP_DIR",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "listings")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("store.max_attempts", 3)
	v.SetDefault("store.backoff", "200ms")
	v.SetDefault("store.batch_size", 50)

	v.SetDefault("crawler.start_url", "https://auto.ria.com/uk/car/used/")
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.page_param", "page")
	v.SetDefault("crawler.next_selector", "")
	v.SetDefault("crawler.detail_pattern", "")
	v.SetDefault("crawler.max_concurrency", 8)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.run_timeout", "0s")
	v.SetDefault("crawler.max_failures_reported", 100)

	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.request_timeout", "20s")
	v.SetDefault("http.backoff_initial", "500ms")
	v.SetDefault("http.backoff_max", "10s")
	v.SetDefault("http.max_retry_after", "30s")
	v.SetDefault("http.user_agents", []string{})
	v.SetDefault("http.accept_language", "uk-UA,uk;q=0.9,en-US;q=0.8")
	v.SetDefault("http.rate_per_second", 2.0)
	v.SetDefault("http.burst", 2)
	v.SetDefault("http.transport", "colly")
	v.SetDefault("http.respect_robots", false)

	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")

	v.SetDefault("extractor.state_markers", []string{"window.__PINIA__", "window.__INITIAL_STATE__"})
	v.SetDefault("extractor.default_currency", "USD")
	v.SetDefault("extractor.default_country_code", "380")

	v.SetDefault("schedule.timezone", "Europe/Kyiv")
	v.SetDefault("schedule.scrape_time", "12:00")
	v.SetDefault("schedule.dump_time", "12:30")
	v.SetDefault("schedule.run_on_startup", true)

	v.SetDefault("snapshot.dir", "dumps")
	v.SetDefault("snapshot.pg_dump_path", "pg_dump")
	v.SetDefault("snapshot.timeout", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_key", "listing-crawler:jobs")
	v.SetDefault("redis.lock_ttl", "1h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")

	check(c.DB.Host != "", "db.host must be set")
	check(c.DB.Port > 0 && c.DB.Port <= 65535, "db.port must be between 1 and 65535")
	check(c.DB.Name != "", "db.name must be set")
	check(c.DB.MaxConns >= 0 && c.DB.MinConns >= 0, "db.max_conns and db.min_conns must be >= 0")

	check(c.Store.MaxAttempts > 0, "store.max_attempts must be > 0")
	check(c.Store.BatchSize > 0, "store.batch_size must be > 0")

	if u, err := url.Parse(c.Crawler.StartURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, errors.New("crawler.start_url must be an absolute http(s) url"))
	}
	check(c.Crawler.MaxPages >= 0, "crawler.max_pages must be >= 0")
	check(c.Crawler.MaxConcurrency > 0, "crawler.max_concurrency must be > 0")
	check(c.Crawler.QueueDepth > 0, "crawler.queue_depth must be > 0")
	check(c.Crawler.RunTimeout >= 0, "crawler.run_timeout must be >= 0")

	check(c.HTTP.MaxRetries >= 0, "http.max_retries must be >= 0")
	check(c.HTTP.RequestTimeout > 0, "http.request_timeout must be > 0")
	check(c.HTTP.BackoffInitial > 0 && c.HTTP.BackoffMax >= c.HTTP.BackoffInitial,
		"http.backoff_max must be >= http.backoff_initial > 0")
	check(c.HTTP.RatePerSecond >= 0, "http.rate_per_second must be >= 0")
	check(c.HTTP.Transport == "colly" || c.HTTP.Transport == "headless", "http.transport must be colly or headless")
	check(c.HTTP.Transport != "headless" || c.Headless.MaxParallel > 0,
		"headless.max_parallel must be > 0 when the headless transport is used")

	if _, _, err := scheduler.ParseTimeOfDay(c.Schedule.ScrapeTime); err != nil {
		errs = append(errs, fmt.Errorf("schedule.scrape_time must be HH:MM: %w", err))
	}
	if _, _, err := scheduler.ParseTimeOfDay(c.Schedule.DumpTime); err != nil {
		errs = append(errs, fmt.Errorf("schedule.dump_time must be HH:MM: %w", err))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone must be a valid IANA zone: %w", err))
	}

	check(c.Snapshot.Dir != "", "snapshot.dir must be set")
	check(!c.Redis.Enabled || c.Redis.Addr != "", "redis.addr must be set when redis is enabled")

	return errors.Join(errs...)
}
