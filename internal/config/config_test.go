package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.StartURL != "https://auto.ria.com/uk/car/used/" {
		t.Fatalf("unexpected start url %q", cfg.Crawler.StartURL)
	}
	if cfg.Crawler.MaxConcurrency != 8 || cfg.HTTP.MaxRetries != 3 {
		t.Fatalf("unexpected crawl bounds: %+v %+v", cfg.Crawler, cfg.HTTP)
	}
	if cfg.HTTP.RequestTimeout != 20*time.Second || cfg.Store.Backoff != 200*time.Millisecond {
		t.Fatalf("durations not decoded: %v %v", cfg.HTTP.RequestTimeout, cfg.Store.Backoff)
	}
	if cfg.Schedule.ScrapeTime != "12:00" || cfg.Schedule.DumpTime != "12:30" || !cfg.Schedule.RunOnStartup {
		t.Fatalf("unexpected schedule: %+v", cfg.Schedule)
	}
	if len(cfg.Extractor.StateMarkers) != 2 {
		t.Fatalf("expected default state markers, got %v", cfg.Extractor.StateMarkers)
	}
	if got := cfg.DB.DSN(); got != "postgres://postgres@localhost:5432/listings?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
db:
  host: db
  user: crawler
  password: p@ss
  name: cars
crawler:
  start_url: https://auto.ria.com/uk/search/
  max_pages: 25
  max_concurrency: 4
  run_timeout: 45m
http:
  max_retries: 5
  user_agents: ["agent-a", "agent-b"]
  transport: headless
headless:
  max_parallel: 3
schedule:
  timezone: UTC
  scrape_time: "06:15"
  dump_time: "23:59"
  run_on_startup: false
redis:
  enabled: true
  addr: redis:6379
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server and auth overrides: %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Crawler.MaxPages != 25 || cfg.Crawler.MaxConcurrency != 4 || cfg.Crawler.RunTimeout != 45*time.Minute {
		t.Fatalf("expected crawler overrides: %+v", cfg.Crawler)
	}
	if cfg.HTTP.MaxRetries != 5 || len(cfg.HTTP.UserAgents) != 2 || cfg.HTTP.Transport != "headless" {
		t.Fatalf("expected http overrides: %+v", cfg.HTTP)
	}
	if cfg.Schedule.RunOnStartup || cfg.Schedule.ScrapeTime != "06:15" {
		t.Fatalf("expected schedule overrides: %+v", cfg.Schedule)
	}
	if !cfg.Redis.Enabled || cfg.Redis.LockKey != "listing-crawler:jobs" {
		t.Fatalf("expected redis settings: %+v", cfg.Redis)
	}
	if got := cfg.DB.DSN(); got != "postgres://crawler:p%40ss@db:5432/cars?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", got)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("SCRAPE_START_URL", "https://auto.ria.com/uk/car/bmw/")
	t.Setenv("MAX_CONCURRENT_RETRIES", "7")
	t.Setenv("SCRAPE_TIME", "03:00")
	t.Setenv("RUN_ON_STARTUP", "false")
	t.Setenv("DUMP_DIR", "/var/dumps")
	t.Setenv("TZ", "UTC")
	t.Setenv("CRAWLER_CRAWLER_MAX_CONCURRENCY", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DB.Host != "pg.internal" || cfg.DB.Port != 6543 {
		t.Fatalf("legacy db env not applied: %+v", cfg.DB)
	}
	if cfg.Crawler.StartURL != "https://auto.ria.com/uk/car/bmw/" || cfg.HTTP.MaxRetries != 7 {
		t.Fatalf("legacy crawl env not applied: %+v %+v", cfg.Crawler, cfg.HTTP)
	}
	if cfg.Schedule.ScrapeTime != "03:00" || cfg.Schedule.RunOnStartup || cfg.Schedule.Timezone != "UTC" {
		t.Fatalf("legacy schedule env not applied: %+v", cfg.Schedule)
	}
	if cfg.Snapshot.Dir != "/var/dumps" {
		t.Fatalf("legacy dump dir not applied: %q", cfg.Snapshot.Dir)
	}
	if cfg.Crawler.MaxConcurrency != 12 {
		t.Fatalf("prefixed env not applied: %d", cfg.Crawler.MaxConcurrency)
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("DB_HOST", "legacy")
	t.Setenv("CRAWLER_DB_HOST", "prefixed")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DB.Host != "prefixed" {
		t.Fatalf("expected prefixed env to win, got %q", cfg.DB.Host)
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestConfigValidateErrors(t *testing.T) {
	base := validConfig(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"relative start url", func(c *Config) { c.Crawler.StartURL = "/uk/car/used/" }, "crawler.start_url"},
		{"invalid concurrency", func(c *Config) { c.Crawler.MaxConcurrency = 0 }, "crawler.max_concurrency"},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }, "http.max_retries"},
		{"zero timeout", func(c *Config) { c.HTTP.RequestTimeout = 0 }, "http.request_timeout"},
		{"backoff inverted", func(c *Config) { c.HTTP.BackoffMax = time.Millisecond }, "http.backoff_max"},
		{"unknown transport", func(c *Config) { c.HTTP.Transport = "curl" }, "http.transport"},
		{"headless missing max parallel", func(c *Config) {
			c.HTTP.Transport = "headless"
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"loose scrape time", func(c *Config) { c.Schedule.ScrapeTime = "9:00" }, "schedule.scrape_time"},
		{"dump time out of range", func(c *Config) { c.Schedule.DumpTime = "24:00" }, "schedule.dump_time"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Kyiv" }, "schedule.timezone"},
		{"zero batch", func(c *Config) { c.Store.BatchSize = 0 }, "store.batch_size"},
		{"redis without addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, "redis.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
}
