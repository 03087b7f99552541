// Package scheduler fires the crawl and dump jobs at fixed times of day and
// keeps an explicit registry of what ran, when, and how it ended.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	_ "time/tzdata" // schedules name IANA zones that minimal images lack

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/coordination"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

var (
	// ErrJobSkipped is returned when a job is requested while another job holds the guard.
	ErrJobSkipped = errors.New("job already running")
	// ErrUnknownJob is returned for names that were never registered.
	ErrUnknownJob = errors.New("unknown job")
)

// Job results recorded in the registry.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

var timeOfDayRe = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Job is a named unit of scheduled work.
type Job struct {
	Name string
	// At is the daily fire time as strict HH:MM.
	At  string
	Run func(ctx context.Context) error
}

// Entry is the registry view of one job.
type Entry struct {
	Name       string    `json:"name"`
	At         string    `json:"at"`
	Next       time.Time `json:"next"`
	LastStart  time.Time `json:"last_start,omitempty"`
	LastFinish time.Time `json:"last_finish,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Running    bool      `json:"running"`
	Skips      int       `json:"skips"`
}

// Locker guards job execution across processes.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Config controls the scheduler.
type Config struct {
	Timezone string
}

type registered struct {
	job     Job
	entryID cron.EntryID
	state   Entry
}

// Scheduler owns the cron instance and the job registry. All jobs share one
// skip-if-running guard.
type Scheduler struct {
	cron   *cron.Cron
	loc    *time.Location
	locker Locker
	logger *zap.Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*registered
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Scheduler. locker may be nil for single-process deployments.
func New(cfg Config, locker Locker, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	cl := cronLogger{logger: logger.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		loc:    loc,
		locker: locker,
		logger: logger,
		jobs:   make(map[string]*registered),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ParseTimeOfDay validates a strict HH:MM value.
func ParseTimeOfDay(value string) (hour, minute int, err error) {
	m := timeOfDayRe.FindStringSubmatch(value)
	if m == nil {
		return 0, 0, fmt.Errorf("time of day %q must be HH:MM", value)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// Register adds a daily job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	hour, minute, err := ParseTimeOfDay(job.At)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	name := job.Name
	id, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
		if _, err := s.TryStart(name); err != nil {
			s.logger.Error("scheduled fire failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	s.jobs[name] = &registered{
		job:     job,
		entryID: id,
		state:   Entry{Name: name, At: job.At},
	}
	s.logger.Info("job scheduled",
		zap.String("job", name),
		zap.String("at", job.At),
		zap.String("timezone", s.loc.String()),
	)
	return nil
}

// Start begins firing jobs. Jobs named in runOnStartup are started at once,
// one after another, each subject to the shared guard.
func (s *Scheduler) Start(ctx context.Context, runOnStartup ...string) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.Snapshot())))

	if len(runOnStartup) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, name := range runOnStartup {
			if err := s.Trigger(s.baseContext(), name); err != nil && !errors.Is(err, ErrJobSkipped) {
				s.logger.Warn("startup job failed", zap.String("job", name), zap.Error(err))
			}
		}
	}()
}

// TryStart runs the job in the background unless any job is already
// running, in which case the fire is skipped and false is returned.
func (s *Scheduler) TryStart(name string) (bool, error) {
	reg, err := s.lookup(name)
	if err != nil {
		return false, err
	}
	ctx := s.baseContext()
	release, ok := s.acquire(ctx, name)
	if !ok {
		return false, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		_ = s.execute(ctx, reg)
	}()
	return true, nil
}

// Trigger runs the job synchronously under the shared guard and returns its
// error, or ErrJobSkipped.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	reg, err := s.lookup(name)
	if err != nil {
		return err
	}
	release, ok := s.acquire(ctx, name)
	if !ok {
		return ErrJobSkipped
	}
	defer release()
	return s.execute(ctx, reg)
}

// Snapshot returns the registry ordered by name.
func (s *Scheduler) Snapshot() []Entry {
	now := time.Now().In(s.loc)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, reg := range s.jobs {
		e := reg.state
		if ce := s.cron.Entry(reg.entryID); ce.Valid() {
			e.Next = ce.Schedule.Next(now)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels pending fires and running jobs, then waits for them.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-stopped.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) lookup(name string) (*registered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return reg, nil
}

// acquire takes the in-process guard and, when configured, the distributed
// lock. Redis errors fail open so a broken Redis never stops the schedule.
func (s *Scheduler) acquire(ctx context.Context, name string) (func(), bool) {
	if !s.busy.CompareAndSwap(false, true) {
		s.skip(name, "job already running")
		return nil, false
	}
	release := func() { s.busy.Store(false) }
	if s.locker == nil {
		return release, true
	}

	unlock, err := s.locker.Acquire(ctx)
	switch {
	case errors.Is(err, coordination.ErrLockNotAcquired):
		release()
		s.skip(name, "job already running")
		return nil, false
	case err != nil:
		s.logger.Warn("distributed lock unavailable, running without it", zap.String("job", name), zap.Error(err))
		return release, true
	}
	return func() {
		unlock()
		release()
	}, true
}

func (s *Scheduler) skip(name, reason string) {
	s.logger.Warn(name+" skipped: "+reason, zap.String("job", name))
	metrics.ObserveSchedulerSkip(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.jobs[name]; ok {
		reg.state.LastResult = ResultSkipped
		reg.state.Skips++
	}
}

func (s *Scheduler) execute(ctx context.Context, reg *registered) (err error) {
	name := reg.job.Name
	start := time.Now().In(s.loc)
	s.mu.Lock()
	reg.state.Running = true
	reg.state.LastStart = start
	s.mu.Unlock()
	s.logger.Info("job started", zap.String("job", name))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		finish := time.Now().In(s.loc)
		s.mu.Lock()
		reg.state.Running = false
		reg.state.LastFinish = finish
		if err != nil {
			reg.state.LastResult = ResultFailed
			reg.state.LastError = err.Error()
		} else {
			reg.state.LastResult = ResultSucceeded
			reg.state.LastError = ""
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("job failed", zap.String("job", name), zap.Duration("duration", finish.Sub(start)), zap.Error(err))
			return
		}
		s.logger.Info("job finished", zap.String("job", name), zap.Duration("duration", finish.Sub(start)))
	}()

	return reg.job.Run(ctx)
}

// cronLogger bridges robfig/cron logging to zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
