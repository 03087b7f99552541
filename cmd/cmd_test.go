package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/app"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type fakeApp struct {
	report   crawler.RunReport
	crawlErr error
	dumpPath string
	closed   bool
	served   bool
}

func (f *fakeApp) Crawl(context.Context) (crawler.RunReport, error) { return f.report, f.crawlErr }

func (f *fakeApp) Dump(context.Context) (string, error) {
	if f.dumpPath == "" {
		return "", app.ErrDumpUnavailable
	}
	return f.dumpPath, nil
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Close() { f.closed = true }

// useFakeApp swaps the factory for the duration of the test and records the
// options each build received.
func useFakeApp(t *testing.T, fake *fakeApp) *[]app.Options {
	t.Helper()
	var seen []app.Options
	prev := buildApp
	buildApp = func(_ context.Context, _ config.Config, _ *zap.Logger, opts app.Options) (App, error) {
		seen = append(seen, opts)
		return fake, nil
	}
	t.Cleanup(func() { buildApp = prev })
	return &seen
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlPrintsReport(t *testing.T) {
	fake := &fakeApp{report: crawler.RunReport{RunID: "run-1", Status: crawler.RunPartial, Discovered: 4, FetchFailed: 1}}
	seen := useFakeApp(t, fake)

	out, err := execute(t, "crawl", "--dry-run")
	require.NoError(t, err)
	require.True(t, fake.closed)
	require.Equal(t, []app.Options{{DryRun: true}}, *seen)

	var report crawler.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "run-1", report.RunID)
	require.Equal(t, 1, report.FetchFailed)
}

func TestCrawlFatalRunReturnsError(t *testing.T) {
	fake := &fakeApp{
		report:   crawler.RunReport{RunID: "run-2", Status: crawler.RunFailed, FatalError: "no listings discovered"},
		crawlErr: crawler.ErrNoListings,
	}
	useFakeApp(t, fake)

	out, err := execute(t, "crawl")
	require.ErrorIs(t, err, crawler.ErrNoListings)
	require.Contains(t, out, `"status": "failed"`)
	require.True(t, fake.closed)
}

func TestDumpPrintsPath(t *testing.T) {
	useFakeApp(t, &fakeApp{dumpPath: "dumps/dump_20250314_120000.dump"})

	out, err := execute(t, "dump")
	require.NoError(t, err)
	require.Equal(t, "dumps/dump_20250314_120000.dump", strings.TrimSpace(out))
}

func TestDumpUnavailable(t *testing.T) {
	useFakeApp(t, &fakeApp{})

	_, err := execute(t, "dump")
	require.ErrorIs(t, err, app.ErrDumpUnavailable)
}

func TestServeRunsApp(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, fake.served)
	require.True(t, fake.closed)
}

func TestBuildFailureIsReported(t *testing.T) {
	prev := buildApp
	buildApp = func(context.Context, config.Config, *zap.Logger, app.Options) (App, error) {
		return nil, errors.New("connect postgres: refused")
	}
	t.Cleanup(func() { buildApp = prev })

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "initialize application services")
}

func TestMigrateCommands(t *testing.T) {
	var calls []string
	prevUp, prevDown, prevVersion := migrateUp, migrateDown, migrateVersion
	migrateUp = func(dsn string, _ *zap.Logger) error {
		calls = append(calls, "up "+dsn)
		return nil
	}
	migrateDown = func(_ string, steps int, _ *zap.Logger) error {
		calls = append(calls, "down")
		require.Equal(t, 2, steps)
		return nil
	}
	migrateVersion = func(string) (uint, bool, error) { return 1, true, nil }
	t.Cleanup(func() { migrateUp, migrateDown, migrateVersion = prevUp, prevDown, prevVersion })

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "crawler.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db:\n  host: db.internal\n  name: cars\n"), 0o600))

	_, err := execute(t, "--config", cfgPath, "migrate", "up")
	require.NoError(t, err)
	_, err = execute(t, "migrate", "down", "--steps", "2")
	require.NoError(t, err)
	out, err := execute(t, "migrate", "version")
	require.NoError(t, err)

	require.Equal(t, "version 1 (dirty)", strings.TrimSpace(out))
	require.Len(t, calls, 2)
	require.True(t, strings.HasPrefix(calls[0], "up postgres://postgres@db.internal:5432/cars"))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "migrate", "version")
	require.ErrorContains(t, err, "load config")
}
