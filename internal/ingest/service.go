// Package ingest consumes watcher sync jobs and brings the store up to date
// with journal files: it reads each file's unread tail, derives item
// metadata through the compute engine, persists everything in one
// transaction per job, and publishes the resulting events.
package ingest

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/compute"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/watcher"
)

const eventSource = "ingest"

// Service runs the ingestion worker pool. Jobs for different sessions run
// in parallel; jobs for the same session serialize on a per-session lock so
// offsets and line numbers only ever move forward.
type Service struct {
	store  *store.Store
	engine *compute.Engine
	bus    bus.EventBus
	logger *logger.Logger

	workers int
	locks   *sessionLocks

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewService creates the ingestion service.
func NewService(st *store.Store, engine *compute.Engine, eventBus bus.EventBus, workers int, log *logger.Logger) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		store:   st,
		engine:  engine,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ingest")),
		workers: workers,
		locks:   newSessionLocks(),
	}
}

// Start launches the worker pool over the job channel.
func (s *Service) Start(ctx context.Context, jobs <-chan watcher.SyncJob) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	group, ctx := errgroup.WithContext(ctx)
	s.group = group
	for i := 0; i < s.workers; i++ {
		group.Go(func() error {
			s.worker(ctx, jobs)
			return nil
		})
	}

	s.logger.Info("Ingest service started", zap.Int("workers", s.workers))
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	s.logger.Info("Ingest service stopped")
}

func (s *Service) worker(ctx context.Context, jobs <-chan watcher.SyncJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := s.syncSession(ctx, job); err != nil {
				// Offsets were not advanced; the next event for this
				// journal retries from the same position.
				s.logger.WithError(err).Error("Sync failed",
					zap.String("session_id", job.SessionID),
					zap.String("path", job.Path))
			}
		}
	}
}

// sessionLocks hands out one mutex per session id.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: make(map[string]*sync.Mutex)}
}

// acquire locks the session's mutex and returns the unlock func.
func (l *sessionLocks) acquire(sessionID string) func() {
	l.mu.Lock()
	m, ok := l.m[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.m[sessionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
