// Package scheduler runs the recurring incremental-reindex job: a singleton
// background loop with at most one execution in flight.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultInterval     = 30 * time.Minute
	DefaultMisfireGrace = 5 * time.Minute
)

// Job is the work a tick performs. It returns a short human-readable result.
type Job func(ctx context.Context) (string, error)

// Config tunes the scheduler.
type Config struct {
	Interval     time.Duration
	MisfireGrace time.Duration
}

// Status is the observable scheduler state.
type Status struct {
	Running       bool      `json:"running"`
	IsIndexing    bool      `json:"is_indexing"`
	LastRunTime   time.Time `json:"last_run_time"`
	LastRunResult string    `json:"last_run_result"`
	NextRunTime   time.Time `json:"next_run_time"`
}

// Scheduler owns the reindex loop.
type Scheduler struct {
	cfg    Config
	job    Job
	logger *slog.Logger

	mu            sync.Mutex
	running       bool
	isIndexing    bool
	lastRunTime   time.Time
	lastRunResult string
	nextRunTime   time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a stopped scheduler.
func New(cfg Config, job Job, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	return &Scheduler{cfg: cfg, job: job, logger: logger, stop: make(chan struct{})}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.nextRunTime = time.Now().Add(s.cfg.Interval)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
}

// Trigger requests an immediate run. Returns false when a run is already in
// flight.
func (s *Scheduler) Trigger() bool {
	return s.runOnce("manual")
}

// Status snapshots the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:       s.running,
		IsIndexing:    s.isIndexing,
		LastRunTime:   s.lastRunTime,
		LastRunResult: s.lastRunResult,
		NextRunTime:   s.nextRunTime,
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	next := time.Now().Add(s.cfg.Interval)
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			fired := next
			if lag := time.Since(fired); lag > s.cfg.MisfireGrace {
				s.logger.Warn("scheduler_misfire_coalesced", slog.Duration("lag", lag))
			}
			s.runOnce("interval")

			// Missed fire times collapse into the single run above.
			next = fired.Add(s.cfg.Interval)
			if now := time.Now(); next.Before(now) {
				next = now.Add(s.cfg.Interval)
			}
			s.mu.Lock()
			s.nextRunTime = next
			s.mu.Unlock()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// runOnce executes the job unless one is already running.
func (s *Scheduler) runOnce(reason string) bool {
	s.mu.Lock()
	if s.isIndexing {
		s.mu.Unlock()
		s.logger.Info("scheduler_run_skipped", slog.String("reason", reason))
		return false
	}
	s.isIndexing = true
	s.mu.Unlock()

	started := time.Now()
	result, err := s.job(context.Background())
	if err != nil {
		result = "failed: " + err.Error()
		s.logger.Warn("scheduler_run_failed",
			slog.String("reason", reason), slog.String("error", err.Error()))
	} else {
		s.logger.Info("scheduler_run_completed",
			slog.String("reason", reason),
			slog.Duration("took", time.Since(started)),
			slog.String("result", result))
	}

	s.mu.Lock()
	s.isIndexing = false
	s.lastRunTime = started
	s.lastRunResult = result
	s.mu.Unlock()
	return true
}
