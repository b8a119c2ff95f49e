package node

import (
	"context"
	"time"

	"github.com/ceramicnetwork/go-cas/anchor"
	"github.com/ceramicnetwork/go-cas/scheduler"
)

const statusProbeTimeout = 5 * time.Second

// workerService runs the anchor batch loop on a schedule.
type workerService struct {
	sched  *scheduler.Scheduler
	svc    *anchor.Service
	status func(context.Context) error
}

func newWorkerService(interval time.Duration, svc *anchor.Service, status func(context.Context) error) *workerService {
	return &workerService{sched: scheduler.New(interval), svc: svc, status: status}
}

func (s *workerService) Start() {
	log.Info("starting anchor worker")
	s.sched.Start(context.Background(), s.svc.AnchorBatch)
}

func (s *workerService) Stop() error {
	s.sched.Stop()
	return nil
}

func (s *workerService) Status() error {
	return probe(s.status)
}

// readinessService is the non-worker mode: it only promotes batches and
// emits anchor-ready events, leaving anchoring to dedicated workers.
type readinessService struct {
	sched  *scheduler.Scheduler
	svc    *anchor.Service
	status func(context.Context) error
}

func newReadinessService(interval time.Duration, svc *anchor.Service, status func(context.Context) error) *readinessService {
	return &readinessService{sched: scheduler.New(interval), svc: svc, status: status}
}

func (s *readinessService) Start() {
	log.Info("starting anchor readiness loop")
	s.sched.Start(context.Background(), func(ctx context.Context) error {
		_, err := s.svc.EmitAnchorEventIfReady(ctx)
		return err
	})
}

func (s *readinessService) Stop() error {
	s.sched.Stop()
	return nil
}

func (s *readinessService) Status() error {
	return probe(s.status)
}

// maintenanceService garbage-collects expired requests.
type maintenanceService struct {
	sched *scheduler.Scheduler
	svc   *anchor.Service
}

func newMaintenanceService(interval time.Duration, svc *anchor.Service) *maintenanceService {
	return &maintenanceService{sched: scheduler.New(interval), svc: svc}
}

func (s *maintenanceService) Start() {
	s.sched.Start(context.Background(), func(ctx context.Context) error {
		_, err := s.svc.GarbageCollect(ctx)
		return err
	})
}

func (s *maintenanceService) Stop() error {
	s.sched.Stop()
	return nil
}

func (s *maintenanceService) Status() error {
	return nil
}

func probe(status func(context.Context) error) error {
	if status == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusProbeTimeout)
	defer cancel()
	return status(ctx)
}
