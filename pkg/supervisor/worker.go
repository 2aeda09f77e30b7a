package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// startWorker spawns one worker process and leaves it in Starting. No
// warm-up probe runs here: the first health-loop tick is authoritative and
// decides Running vs Failed/restart, so a slow-but-otherwise-healthy
// worker never blocks Start or drags down the rest of the fleet with it.
// The caller holds no lock; startWorker owns the record's transitions
// up to that point.
func (s *Supervisor) startWorker(ctx context.Context, rec *WorkerRecord) error {
	log := s.logger.WithWorker(rec.Spec.Name)
	rec.setState(WorkerStarting)

	probeTimeout := 5 * time.Second
	if err := s.ports.WaitUntilFree(ctx, rec.Spec.Port, probeTimeout, 200*time.Millisecond); err != nil {
		rec.setState(WorkerFailed)
		log.ErrorContext(ctx, "port not free before spawn", "port", rec.Spec.Port, "error", err)
		return err
	}

	command, args := s.workerCommand(rec.Spec)

	handle, err := s.spawner.Spawn(ctx, command, args, rec.Spec.Workspace, s.workerEnv(rec.Spec))
	if err != nil {
		rec.setState(WorkerFailed)
		log.ErrorContext(ctx, "spawn failed", "error", err)
		return err
	}

	rec.setHandle(handle)
	log.InfoContext(ctx, "worker process started, awaiting first health tick", "pid", handle.Pid, "pgid", handle.Pgid, "port", rec.Spec.Port)

	// Reap the process asynchronously so ProcessState becomes available to
	// Poll without the caller ever blocking on Wait.
	go func() {
		_ = s.spawner.Wait(handle)
	}()

	return nil
}

// evaluateStarting runs the single, authoritative health probe for a
// worker still in Starting state. There is no retry loop here: whatever
// this tick observes decides Running or Failed, matching the "first
// health tick is authoritative" rule.
func (s *Supervisor) evaluateStarting(ctx context.Context, rec *WorkerRecord) {
	log := s.logger.WithWorker(rec.Spec.Name)
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", rec.Spec.Port)

	if s.probeHealth(ctx, client, url, rec) {
		rec.setState(WorkerRunning)
		log.InfoContext(ctx, "worker running")
		return
	}

	handle := rec.Handle()
	var stdoutTail, stderrTail string
	if handle != nil {
		stdoutTail, stderrTail = handle.StdoutTail(), handle.StderrTail()
	}
	err := fmt.Errorf("%w: %s: %s", ErrWorkerUnhealthy, rec.Spec.Name, rec.LastHealth().Detail)
	log.ErrorContext(ctx, "worker failed first health tick",
		"error", err, "stdout_tail", stdoutTail, "stderr_tail", stderrTail)
	rec.setState(WorkerFailed)

	if err := s.restartWorker(ctx, rec); err != nil {
		log.ErrorContext(ctx, "restart failed", "error", err)
	}
}

// workerCommand resolves the executable and arguments used to spawn a
// worker. Workers are plain long-lived HTTP services, launched from their
// workspace as "<python_path> -m uvicorn main:app --port <port>", with
// python3 used when the spec sets no PythonPath.
func (s *Supervisor) workerCommand(spec WorkerSpec) (string, []string) {
	python := spec.PythonPath
	if python == "" {
		python = "python3"
	}
	return python, []string{"-m", "uvicorn", "main:app", "--port", fmt.Sprint(spec.Port)}
}

func (s *Supervisor) workerEnv(spec WorkerSpec) map[string]string {
	return map[string]string{
		"REPOSUP_WORKER_NAME": spec.Name,
		"REPOSUP_PORT":        fmt.Sprint(spec.Port),
	}
}

func (s *Supervisor) probeHealth(ctx context.Context, client *http.Client, url string, rec *WorkerRecord) bool {
	// Drop the keep-alive connection once the probe is done, so the
	// connection does not keep the worker's port bound after it exits.
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		rec.recordHealth(HealthOutcome{Healthy: false, CheckedAt: time.Now(), Detail: err.Error()})
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	rec.recordHealth(HealthOutcome{Healthy: healthy, CheckedAt: time.Now(), Detail: resp.Status})
	return healthy
}

// restartWorker re-spawns a failed worker with exponential backoff,
// honoring the restart ceiling; it never bypasses the wait_until_free gate.
func (s *Supervisor) restartWorker(ctx context.Context, rec *WorkerRecord) error {
	count, allowed := rec.bumpRestart()
	if !allowed {
		s.logger.WithWorker(rec.Spec.Name).ErrorContext(ctx, "restart ceiling reached", "restart_count", count, "max_restarts", s.fleetCfg.MaxRestarts)
		rec.setState(WorkerFailed)
		return fmt.Errorf("%w: %s exceeded %d restarts", ErrSpawn, rec.Spec.Name, s.fleetCfg.MaxRestarts)
	}

	backoff := s.fleetCfg.Restart.InitialBackoff
	for i := 1; i < count; i++ {
		backoff = time.Duration(float64(backoff) * s.fleetCfg.Restart.Multiplier)
		if backoff > s.fleetCfg.Restart.MaxBackoff {
			backoff = s.fleetCfg.Restart.MaxBackoff
			break
		}
	}

	s.logger.WithWorker(rec.Spec.Name).InfoContext(ctx, "restarting worker", "attempt", count, "backoff", backoff)

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.startWorker(ctx, rec)
}
