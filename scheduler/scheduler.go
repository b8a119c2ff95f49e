// Package scheduler drives the periodic anchor worker. A task runs once at
// start and then on every tick; ticks never overlap, and a tick that is still
// running when the next fires makes that tick a no-op.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "scheduler")

var (
	tickCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_scheduler_ticks_total",
		Help: "Scheduler ticks that executed the task.",
	})
	tickSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_scheduler_ticks_skipped_total",
		Help: "Scheduler ticks skipped because the previous one was still running.",
	})
	tickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_scheduler_tick_errors_total",
		Help: "Scheduler ticks whose task returned an error.",
	})
)

// Task is one unit of periodic work. Errors are logged and counted, never
// fatal.
type Task func(ctx context.Context) error

// Scheduler runs a task on an interval without self-overlap.
type Scheduler struct {
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New creates a stopped scheduler.
func New(interval time.Duration) *Scheduler {
	return &Scheduler{interval: interval}
}

// Start runs task immediately and then every interval until Stop. Calling
// Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	var inFlight sync.Mutex
	run := func() {
		if !inFlight.TryLock() {
			tickSkipped.Inc()
			log.Debug("previous tick still running, skipping")
			return
		}
		defer inFlight.Unlock()
		tickCount.Inc()
		if err := task(s.ctx); err != nil {
			tickErrors.Inc()
			log.WithError(err).Error("scheduled task failed")
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					run()
				}()
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the timer and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.wg.Wait()
}
