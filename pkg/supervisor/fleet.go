package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Supervisor owns the fleet's WorkerRecords exclusively: no other
// component reads or mutates them. It runs the health loop, applies the
// restart policy, and exposes the per-worker escalation sequence used by
// the Orchestrator's Phase 3.
type Supervisor struct {
	fleetCfg *FleetConfig
	logger   *Logger
	spawner  ProcessSpawner
	ports    *PortProber
	metrics  *Metrics

	mu      sync.Mutex
	workers map[string]*WorkerRecord
	order   []string

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewSupervisor builds a Supervisor for the given specs. spawner/ports may
// be overridden in tests; passing nil uses the real OS-backed implementations.
func NewSupervisor(cfg *FleetConfig, specs []WorkerSpec, logger *Logger, spawner ProcessSpawner, metrics *Metrics) *Supervisor {
	if spawner == nil {
		spawner = NewProcessSpawner()
	}
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}

	workers := make(map[string]*WorkerRecord, len(specs))
	order := make([]string, 0, len(specs))
	for _, spec := range specs {
		workers[spec.Name] = newWorkerRecord(spec, cfg.MaxRestarts)
		order = append(order, spec.Name)
	}

	return &Supervisor{
		fleetCfg: cfg,
		logger:   logger,
		spawner:  spawner,
		ports:    NewPortProber(),
		metrics:  metrics,
		workers:  workers,
		order:    order,
	}
}

// Start spawns every worker in the fleet. If any worker fails to start,
// the already-started ones are stopped (best effort) before returning.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting fleet", "workers", len(s.order))

	started := make([]*WorkerRecord, 0, len(s.order))
	for _, name := range s.order {
		rec := s.workers[name]
		if err := s.startWorker(ctx, rec); err != nil {
			for _, up := range started {
				s.shutdownSingle(context.Background(), up, s.fleetCfg.GracefulTimeout, s.fleetCfg.ShutdownTimeout)
			}
			return fmt.Errorf("failed to start worker %s: %w", name, err)
		}
		started = append(started, rec)
		if s.metrics != nil {
			s.metrics.SetWorkerState(name, rec.State().String())
		}
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	s.healthDone = make(chan struct{})
	go s.healthLoop(healthCtx)

	s.logger.InfoContext(ctx, "fleet started")
	return nil
}

// StopHealthLoop halts the background health/restart loop. This is the
// orchestrator's implicit Phase 0: stop producing new work before tearing
// down what already exists.
func (s *Supervisor) StopHealthLoop() {
	if s.healthCancel != nil {
		s.healthCancel()
		<-s.healthDone
	}
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer close(s.healthDone)

	ticker := time.NewTicker(s.fleetCfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRestart(ctx)
		}
	}
}

func (s *Supervisor) checkAndRestart(ctx context.Context) {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, name := range names {
		rec := s.workers[name]

		if rec.State() == WorkerStarting {
			s.evaluateStarting(ctx, rec)
			if s.metrics != nil {
				s.metrics.SetWorkerState(name, rec.State().String())
			}
			continue
		}

		if rec.State() != WorkerRunning {
			continue
		}

		alive, exitCode, err := s.spawner.Poll(rec.Handle())
		if err != nil {
			s.logger.WithWorker(name).WarnContext(ctx, "poll failed", "error", err)
			continue
		}
		if alive {
			continue
		}

		s.logger.WithWorker(name).ErrorContext(ctx, "worker exited unexpectedly", "exit_code", exitCode)
		rec.setState(WorkerFailed)
		if s.metrics != nil {
			s.metrics.SetWorkerState(name, WorkerFailed.String())
		}

		if err := s.restartWorker(ctx, rec); err != nil {
			s.logger.WithWorker(name).ErrorContext(ctx, "restart failed", "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.IncWorkerRestart(name)
			s.metrics.SetWorkerState(name, rec.State().String())
		}
	}
}

// Records returns the ordered list of worker records. Used by the
// orchestrator's shutdown and verification phases.
func (s *Supervisor) Records() []*WorkerRecord {
	recs := make([]*WorkerRecord, 0, len(s.order))
	for _, name := range s.order {
		recs = append(recs, s.workers[name])
	}
	return recs
}

// Get returns the named worker's record, if present.
func (s *Supervisor) Get(name string) (*WorkerRecord, bool) {
	rec, ok := s.workers[name]
	return rec, ok
}
