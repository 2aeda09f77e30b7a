package supervisor

import (
	"context"
	"errors"
	"time"
)

// Exit codes, ranked by severity. A later phase's failure never
// downgrades an earlier, more severe code; ExitInternalError always wins.
const (
	ExitSuccess               = 0
	ExitClientTimeout         = 1
	ExitWorkerGracefulTimeout = 2
	ExitWorkerForceKill       = 3
	ExitPortConflict          = 4
	ExitZombieProcesses       = 5
	ExitResourceCleanupFailed = 6
	ExitInternalError         = 100
)

// Orchestrator wires the Supervisor, ClientRegistry, ResourceRegistry, and
// Coordinator together and runs the fixed shutdown sequence: implicit
// Phase 0 (stop producing new work), then six phases of draining,
// cleanup, and verification.
type Orchestrator struct {
	fleet     *Supervisor
	clients   *ClientRegistry
	resources *ResourceRegistry
	coord     *Coordinator
	metrics   *Metrics
	logger    *Logger

	gracePeriod  time.Duration
	forceTimeout time.Duration

	callbacks []func(context.Context) error
}

// NewOrchestrator builds an Orchestrator from its component parts.
func NewOrchestrator(fleet *Supervisor, clients *ClientRegistry, resources *ResourceRegistry, coord *Coordinator, metrics *Metrics, logger *Logger, gracePeriod, forceTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		fleet:        fleet,
		clients:      clients,
		resources:    resources,
		coord:        coord,
		metrics:      metrics,
		logger:       logger,
		gracePeriod:  gracePeriod,
		forceTimeout: forceTimeout,
	}
}

// RegisterCallback adds a caller-supplied callback run during Phase 4, in
// registration order, after worker shutdown and before resource cleanup.
// A callback's own error is logged and stops the remaining callbacks, but
// does not by itself change the shutdown exit code.
func (o *Orchestrator) RegisterCallback(fn func(context.Context) error) {
	o.callbacks = append(o.callbacks, fn)
}

// Run executes the shutdown sequence and returns the resulting exit code.
// A panic inside this call is recovered and yields ExitInternalError;
// every other failure is captured into a PhaseResult and folded into the
// severity-ranked exit code.
func (o *Orchestrator) Run(ctx context.Context) (code int) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "orchestrator panic recovered", "panic", r)
			code = ExitInternalError
			if o.metrics != nil {
				o.metrics.SetShutdownExitCode(code)
			}
		}
	}()

	start := time.Now()
	o.logger.InfoContext(ctx, "shutdown sequence starting", "reason", o.coord.Reason())

	// Phase 0: stop producing new work before tearing anything down.
	o.runPhase(ctx, "stop_health_loop", func() error {
		o.fleet.StopHealthLoop()
		return nil
	})

	code = ExitSuccess

	// Phase 1: notify clients.
	o.runPhase(ctx, "notify_clients", func() error {
		return nil // notification is folded into ClientRegistry.Shutdown below
	})

	// Phase 2: client disconnect, 30% of grace period for cooperative
	// wait and 50% of force timeout for the forced pass.
	clientResults := o.timedPhase("client_disconnect", func() []PhaseResult {
		return o.clients.Shutdown(ctx, time.Duration(float64(o.gracePeriod)*0.3), time.Duration(float64(o.forceTimeout)*0.5))
	})
	if hasErr(clientResults) {
		code = maxSeverity(code, ExitClientTimeout)
	}

	// Phase 3: worker shutdown, concurrent with an umbrella timeout.
	workerResults := o.timedPhase("worker_shutdown", func() []PhaseResult {
		return o.fleet.ShutdownFleet(ctx)
	})
	for _, r := range workerResults {
		if r.Err == nil {
			continue
		}
		switch {
		case errors.Is(r.Err, ErrTerminationTimeout):
			code = maxSeverity(code, ExitWorkerForceKill)
		default:
			code = maxSeverity(code, ExitWorkerGracefulTimeout)
		}
	}

	// Phase 4: caller-registered pre-cleanup callbacks, run in order.
	o.runPhase(ctx, "callbacks", func() error {
		for _, cb := range o.callbacks {
			if err := cb(ctx); err != nil {
				return err
			}
		}
		return nil
	})

	// Phase 5: resource cleanup, priority-ordered.
	resourceResults := o.timedPhase("resource_cleanup", func() []PhaseResult {
		return o.resources.CloseAll(ctx)
	})
	if hasErr(resourceResults) {
		code = maxSeverity(code, ExitResourceCleanupFailed)
	}

	// Phase 6: verification — port release and zombie detection per worker.
	verifyStart := time.Now()
	for _, rec := range o.fleet.Records() {
		report := o.fleet.VerifyWorker(ctx, rec)
		if !report.PortReleased {
			code = maxSeverity(code, ExitPortConflict)
		}
		if len(report.Zombies) > 0 {
			code = maxSeverity(code, ExitZombieProcesses)
		}
	}
	if o.metrics != nil {
		o.metrics.ObservePhaseDuration("verification", time.Since(verifyStart))
	}

	o.logger.InfoContext(ctx, "shutdown sequence complete", "exit_code", code, "elapsed", time.Since(start))
	if o.metrics != nil {
		o.metrics.SetShutdownExitCode(code)
	}

	return code
}

func (o *Orchestrator) runPhase(ctx context.Context, name string, fn func() error) PhaseResult {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	if o.metrics != nil {
		o.metrics.ObservePhaseDuration(name, d)
	}
	if err != nil {
		o.logger.WithPhase(name).ErrorContext(ctx, "phase failed", "error", err)
	}
	return PhaseResult{Name: name, Err: err, Duration: d}
}

func (o *Orchestrator) timedPhase(name string, fn func() []PhaseResult) []PhaseResult {
	start := time.Now()
	results := fn()
	if o.metrics != nil {
		o.metrics.ObservePhaseDuration(name, time.Since(start))
	}
	return results
}

func hasErr(results []PhaseResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// maxSeverity picks the higher-numbered exit code, except that
// ExitInternalError (100) always wins regardless of numeric comparison
// with the mid-range codes — which it already does, being the largest.
func maxSeverity(a, b int) int {
	if b > a {
		return b
	}
	return a
}
