/*
scheduler.go - Balance maintenance scheduler

PURPOSE:
  Periodically runs the point maintenance jobs:
  1. Copy every stored balance into the balance cache, repairing entries
     that were evicted or lost.
  2. Write the daily point report for the previous UTC day.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - A failing job is logged; the next tick tries again
  - Re-running the report for a day overwrites it, so overlapping
    instances are harmless

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewBalanceSyncScheduler(pointService, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - points/reports.go: SyncCache, DailyReport
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// PointMaintenance is the part of points.Service the scheduler drives.
type PointMaintenance interface {
	SyncCache(ctx context.Context) (int, error)
	DailyReport(ctx context.Context, day time.Time) ([]generic.DailyPointReport, error)
}

// BalanceSyncScheduler runs PointMaintenance jobs on an interval.
type BalanceSyncScheduler struct {
	Points   PointMaintenance
	Interval time.Duration
	Enabled  bool
	Clock    generic.Clock
	// Timeout bounds one run.
	Timeout time.Duration

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBalanceSyncScheduler creates a new scheduler.
func NewBalanceSyncScheduler(points PointMaintenance, log logrus.FieldLogger) *BalanceSyncScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BalanceSyncScheduler{
		Points:   points,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Timeout:  5 * time.Minute,
		log:      log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *BalanceSyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.WithField("interval", s.Interval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *BalanceSyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("scheduler stopped")
	}
}

func (s *BalanceSyncScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce runs both jobs and reports whether they succeeded.
func (s *BalanceSyncScheduler) RunOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	ok := true

	synced, err := s.Points.SyncCache(ctx)
	if err != nil {
		s.log.WithError(err).Error("balance cache sync failed")
		ok = false
	} else {
		s.log.WithField("balances", synced).Debug("balance cache sync done")
	}

	day := generic.DayStart(s.Clock.Now()).AddDate(0, 0, -1)
	reports, err := s.Points.DailyReport(ctx, day)
	if err != nil {
		s.log.WithField("day", day.Format(generic.DayLayout)).WithError(err).Error("daily point report failed")
		ok = false
	} else {
		s.log.WithFields(logrus.Fields{
			"day":   day.Format(generic.DayLayout),
			"users": len(reports),
		}).Debug("daily point report done")
	}
	return ok
}
