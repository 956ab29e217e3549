// Package scheduler runs named periodic tasks from a single tick loop. Each
// task is serialized against itself: a run still in flight when the task is
// due again causes that run to be skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/metrics"
)

// ErrDuplicateTask is returned when a task name is registered twice.
var ErrDuplicateTask = errors.New("task already registered")

// Task is a named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config for the scheduler loop.
type Config struct {
	// Tick is how often due times are checked. Defaults to one second.
	Tick time.Duration
}

// TaskStatus is a point-in-time view of one task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	NextRun   time.Time     `json:"nextRun"`
	LastRun   time.Time     `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	Running   bool          `json:"running"`
	Runs      int64         `json:"runs"`
	Skips     int64         `json:"skips"`
}

type entry struct {
	task Task

	// guarded by Scheduler.mu
	next    time.Time
	lastRun time.Time
	lastErr error
	running bool
	runs    int64
	skips   int64
}

// Scheduler drives registered tasks.
type Scheduler struct {
	cfg Config
	log *logrus.Logger
	now func() time.Time

	mu      sync.Mutex
	entries []*entry
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, log *logrus.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Scheduler{cfg: cfg, log: log, now: time.Now}
}

// Register adds a task. The first run is due one interval after registration.
func (s *Scheduler) Register(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: no run function", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.task.Name == t.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
	}
	s.entries = append(s.entries, &entry{task: t, next: s.now().Add(t.Interval)})
	return nil
}

// Start runs the tick loop until ctx is done, then waits for in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.WithField("tick", s.cfg.Tick).Info("Starting scheduler")

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopping")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every due task that is not already running.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = now.Add(e.task.Interval)
		if e.running {
			e.skips++
			metrics.TaskRuns.WithLabelValues(e.task.Name, "skipped").Inc()
			s.log.WithField("task", e.task.Name).Debug("Previous run still in flight, skipping")
			continue
		}
		e.running = true
		s.wg.Add(1)
		go s.run(ctx, e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()

	start := s.now()
	err := s.safeRun(ctx, e.task)
	elapsed := s.now().Sub(start)

	metrics.TaskDuration.WithLabelValues(e.task.Name).Observe(elapsed.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.log.WithError(err).WithField("task", e.task.Name).Warn("Scheduled task failed")
	}
	metrics.TaskRuns.WithLabelValues(e.task.Name, outcome).Inc()

	s.mu.Lock()
	e.running = false
	e.lastRun = start
	e.lastErr = err
	e.runs++
	s.mu.Unlock()
}

// safeRun turns a panic in a task into an error so the loop keeps going.
func (s *Scheduler) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}

// Status returns a snapshot of every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := TaskStatus{
			Name:     e.task.Name,
			Interval: e.task.Interval,
			NextRun:  e.next,
			LastRun:  e.lastRun,
			Running:  e.running,
			Runs:     e.runs,
			Skips:    e.skips,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
