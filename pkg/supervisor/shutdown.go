package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"syscall"
	"time"
)

// PhaseResult captures the outcome of one unit of shutdown work without
// using panics for control flow. The Orchestrator aggregates these.
type PhaseResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// shutdownSingle runs the three-phase escalation against one worker:
// graceful HTTP request, SIGTERM, SIGKILL on the process group. Each
// phase first checks whether the process already exited before
// re-signaling, matching spec.md's "poll before escalate" rule.
func (s *Supervisor) shutdownSingle(ctx context.Context, rec *WorkerRecord, gracefulTimeout, shutdownTimeout time.Duration) PhaseResult {
	start := time.Now()
	log := s.logger.WithWorker(rec.Spec.Name)

	handle := rec.Handle()
	if handle == nil {
		rec.setState(WorkerExited)
		log.InfoContext(ctx, "worker had no live process at shutdown entry")
		return PhaseResult{Name: rec.Spec.Name, Duration: time.Since(start)}
	}

	rec.setState(WorkerDraining)

	if alive, _, _ := s.spawner.Poll(handle); !alive {
		rec.setState(WorkerExited)
		log.InfoContext(ctx, "worker already stopped")
		return PhaseResult{Name: rec.Spec.Name, Duration: time.Since(start)}
	}

	// Phase 1: cooperative HTTP shutdown.
	gracefulStart := time.Now()
	s.requestGracefulShutdown(ctx, rec.Spec.Port)
	if s.waitExit(ctx, handle, gracefulTimeout) {
		rec.setState(WorkerExited)
		log.InfoContext(ctx, "worker shut down gracefully", "elapsed", time.Since(gracefulStart))
		return PhaseResult{Name: rec.Spec.Name, Duration: time.Since(start)}
	}
	log.WarnContext(ctx, "worker did not exit after graceful request", "elapsed", time.Since(gracefulStart))

	// Phase 2: SIGTERM.
	if alive, _, _ := s.spawner.Poll(handle); alive {
		sigtermStart := time.Now()
		if err := s.spawner.Signal(handle, syscall.SIGTERM); err != nil {
			log.WarnContext(ctx, "failed to send SIGTERM", "error", err)
		}
		remaining := shutdownTimeout - gracefulTimeout
		if remaining < 0 {
			remaining = 0
		}
		if s.waitExit(ctx, handle, remaining) {
			rec.setState(WorkerExited)
			log.InfoContext(ctx, "worker terminated via SIGTERM", "elapsed", time.Since(sigtermStart))
			return PhaseResult{Name: rec.Spec.Name, Duration: time.Since(start)}
		}
		log.WarnContext(ctx, "worker did not exit after SIGTERM", "elapsed", time.Since(sigtermStart))
	}

	// Phase 3: SIGKILL on the process group.
	if alive, _, _ := s.spawner.Poll(handle); alive {
		killStart := time.Now()
		if err := s.spawner.KillGroup(handle); err != nil {
			log.ErrorContext(ctx, "failed to kill process group", "error", err)
		}
		if !s.waitExit(ctx, handle, 5*time.Second) {
			rec.setState(WorkerFailed)
			err := fmt.Errorf("%w: %s did not exit after SIGKILL", ErrTerminationTimeout, rec.Spec.Name)
			log.ErrorContext(ctx, "worker survived SIGKILL", "elapsed", time.Since(killStart))
			return PhaseResult{Name: rec.Spec.Name, Err: err, Duration: time.Since(start)}
		}
		log.InfoContext(ctx, "worker force-killed", "elapsed", time.Since(killStart))
	}

	rec.setState(WorkerExited)
	return PhaseResult{Name: rec.Spec.Name, Duration: time.Since(start)}
}

func (s *Supervisor) requestGracefulShutdown(ctx context.Context, port uint16) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/shutdown", port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		// Expected if the worker doesn't implement cooperative shutdown,
		// or is already gone.
		return
	}
	resp.Body.Close()
	// Drop the keep-alive connection so it does not keep the worker's port
	// bound once the worker exits.
	client.CloseIdleConnections()
}

func (s *Supervisor) waitExit(ctx context.Context, handle *ProcessHandle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if alive, _, _ := s.spawner.Poll(handle); !alive {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// ShutdownFleet shuts down every worker concurrently, applying an
// umbrella timeout on top of the individual per-worker budgets. Workers
// not yet Exited when the umbrella expires get an emergency SIGKILL on
// their process group and are marked Failed.
func (s *Supervisor) ShutdownFleet(ctx context.Context) []PhaseResult {
	records := s.Records()
	results := make([]PhaseResult, len(records))

	maxBudget := s.fleetCfg.ShutdownTimeout
	for _, rec := range records {
		if budget := rec.Spec.ShutdownTimeoutOr(s.fleetCfg.ShutdownTimeout); budget > maxBudget {
			maxBudget = budget
		}
	}
	umbrella := maxBudget + 5*time.Second

	umbrellaCtx, cancel := context.WithTimeout(ctx, umbrella)
	defer cancel()

	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(i int, rec *WorkerRecord) {
			defer wg.Done()
			graceful := rec.Spec.GracefulTimeoutOr(s.fleetCfg.GracefulTimeout)
			shutdown := rec.Spec.ShutdownTimeoutOr(s.fleetCfg.ShutdownTimeout)
			results[i] = s.shutdownSingle(umbrellaCtx, rec, graceful, shutdown)
		}(i, rec)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-umbrellaCtx.Done():
		s.logger.ErrorContext(ctx, "umbrella shutdown timeout exceeded, emergency kill")
		for _, rec := range records {
			if rec.State() != WorkerExited {
				if handle := rec.Handle(); handle != nil {
					_ = s.spawner.KillGroup(handle)
				}
				rec.setState(WorkerFailed)
			}
		}
		<-done
	}

	return results
}
