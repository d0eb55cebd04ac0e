/*
scheduler.go - Background sweep and completion-scan scheduler

PURPOSE:
  Periodically runs the auto-timeout sweep over open sessions and the scan
  for persons who reached their required hours.

DESIGN:
  - One goroutine, two tickers (sweep: hourly, completion: daily by default)
  - Both jobs run once immediately on start
  - A failed run is logged and the loop keeps going
  - Each run is recorded by the engine as a Run for audit and UI display

USAGE:
  scheduler := NewSweepScheduler(engine, cfg.Scheduler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - attendance/sweep.go: SweepOpenSessions, ScanReadyForCompletion
  - handlers.go: Sweep, CompletionScan endpoints (manual runs)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/config"
)

// SweepScheduler drives the periodic batch jobs.
type SweepScheduler struct {
	Engine             *attendance.Engine
	SweepInterval      time.Duration
	CompletionInterval time.Duration
	Enabled            bool
	Logger             *zap.Logger

	// RunTimeout bounds a single job run.
	RunTimeout time.Duration

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSweepScheduler creates a scheduler. Zero intervals fall back to one
// hour for the sweep and one day for the completion scan.
func NewSweepScheduler(engine *attendance.Engine, cfg config.SchedulerConfig, logger *zap.Logger) *SweepScheduler {
	s := &SweepScheduler{
		Engine:             engine,
		SweepInterval:      cfg.SweepInterval,
		CompletionInterval: cfg.CompletionInterval,
		Enabled:            cfg.Enabled,
		Logger:             logger,
		RunTimeout:         10 * time.Minute,
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = time.Hour
	}
	if s.CompletionInterval <= 0 {
		s.CompletionInterval = 24 * time.Hour
	}
	return s
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.running {
		return
	}
	s.stop = make(chan struct{})
	s.running = true
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("scheduler started",
		zap.Duration("sweep_interval", s.SweepInterval),
		zap.Duration("completion_interval", s.CompletionInterval))
}

// Stop stops the scheduler and waits for an in-flight job to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.running = false
	s.Logger.Info("scheduler stopped")
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	sweep := time.NewTicker(s.SweepInterval)
	defer sweep.Stop()
	completion := time.NewTicker(s.CompletionInterval)
	defer completion.Stop()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-sweep.C:
			s.runSweep()
		case <-completion.C:
			s.runCompletionScan()
		case <-s.stop:
			return
		}
	}
}

// RunNow runs both jobs once, synchronously.
func (s *SweepScheduler) RunNow() {
	s.runSweep()
	s.runCompletionScan()
}

func (s *SweepScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
	defer cancel()

	rep, err := s.Engine.SweepOpenSessions(ctx)
	if err != nil {
		s.Logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	if len(rep.AutoClosed) > 0 || len(rep.Errors) > 0 {
		s.Logger.Info("scheduled sweep completed",
			zap.String("run_id", rep.RunID),
			zap.Int("auto_closed", len(rep.AutoClosed)),
			zap.Int("errors", len(rep.Errors)))
	}
}

func (s *SweepScheduler) runCompletionScan() {
	ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
	defer cancel()

	rep, err := s.Engine.ScanReadyForCompletion(ctx)
	if err != nil {
		s.Logger.Error("scheduled completion scan failed", zap.Error(err))
		return
	}
	if rep.Notified > 0 {
		s.Logger.Info("scheduled completion scan completed",
			zap.String("run_id", rep.RunID),
			zap.Int("notified", rep.Notified))
	}
}

// NextSweep returns when the next sweep is due, counted from now.
func (s *SweepScheduler) NextSweep() time.Time {
	return s.Engine.Clock.Now().Add(s.SweepInterval)
}
