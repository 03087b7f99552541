// Package snapshot writes timestamped pg_dump snapshots of the listings
// database.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// FileLayout is the time format of snapshot file names.
const FileLayout = "dump_20060102_150405.dump"

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args, env []string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Config describes where snapshots go and how to reach the database.
type Config struct {
	Dir        string
	PGDumpPath string
	Timeout    time.Duration

	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Exporter produces full-database snapshot files.
type Exporter struct {
	cfg    Config
	runner Runner
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds an Exporter backed by pg_dump.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) (*Exporter, error) {
	return NewWithRunner(cfg, ExecRunner{}, clock, logger)
}

// NewWithRunner builds an Exporter around a custom Runner.
func NewWithRunner(cfg Config, runner Runner, clock crawler.Clock, logger *zap.Logger) (*Exporter, error) {
	if cfg.Dir == "" {
		return nil, errors.New("snapshot dir is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("database name is required")
	}
	if runner == nil || clock == nil {
		return nil, errors.New("runner and clock are required")
	}
	if cfg.PGDumpPath == "" {
		cfg.PGDumpPath = "pg_dump"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, runner: runner, clock: clock, logger: logger}, nil
}

// Export writes one snapshot and returns its path. A failed dump leaves no
// file behind.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(e.cfg.Dir, e.clock.Now().UTC().Format(FileLayout))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	e.logger.Info("snapshot started", zap.String("path", path))
	start := time.Now()
	out, err := e.runner.Run(ctx, e.cfg.PGDumpPath, e.args(path), e.env())
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger.Warn("remove partial snapshot", zap.String("path", path), zap.Error(rmErr))
		}
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return "", fmt.Errorf("run pg_dump: %w: %s", err, detail)
		}
		return "", fmt.Errorf("run pg_dump: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	e.logger.Info("snapshot written",
		zap.String("path", path),
		zap.Int64("bytes", info.Size()),
		zap.Duration("duration", time.Since(start)),
	)
	return path, nil
}

func (e *Exporter) args(path string) []string {
	args := []string{"--format=custom", "--file", path}
	if e.cfg.Host != "" {
		args = append(args, "--host", e.cfg.Host)
	}
	if e.cfg.Port > 0 {
		args = append(args, "--port", strconv.Itoa(e.cfg.Port))
	}
	if e.cfg.User != "" {
		args = append(args, "--username", e.cfg.User)
	}
	return append(args, e.cfg.Database)
}

func (e *Exporter) env() []string {
	env := os.Environ()
	if e.cfg.Password != "" {
		env = append(env, "PGPASSWORD="+e.cfg.Password)
	}
	return env
}
