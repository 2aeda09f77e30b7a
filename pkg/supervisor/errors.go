package supervisor

import "errors"

// Sentinel error kinds, matched with errors.Is throughout the fleet,
// shutdown, and verification paths. ErrOrchestratorInternal names the
// failure kind of a panic inside Orchestrator.Run, which Run recovers and
// reports as ExitInternalError rather than returning this error; every
// other kind is captured into a PhaseResult and aggregated.
var (
	ErrConfiguration      = errors.New("supervisor: configuration error")
	ErrPortUnavailable    = errors.New("supervisor: port unavailable")
	ErrSpawn              = errors.New("supervisor: spawn failed")
	ErrWorkerUnhealthy    = errors.New("supervisor: worker unhealthy")
	ErrGracefulTimeout    = errors.New("supervisor: graceful shutdown timed out")
	ErrTerminationTimeout = errors.New("supervisor: termination timed out")
	ErrPortLeaked         = errors.New("supervisor: port leaked after shutdown")
	ErrZombieDetected     = errors.New("supervisor: zombie process detected")
	ErrResourceCleanup    = errors.New("supervisor: resource cleanup failed")
	ErrOrchestratorInternal = errors.New("supervisor: internal orchestrator failure")
)
