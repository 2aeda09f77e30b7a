package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func testFleetConfig() *FleetConfig {
	return &FleetConfig{
		HealthInterval:  50 * time.Millisecond,
		GracefulTimeout: 500 * time.Millisecond,
		ShutdownTimeout: time.Second,
		MaxRestarts:     3,
		Restart: RestartConfig{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			Multiplier:     2,
		},
		GracePeriod:  time.Second,
		ForceTimeout: time.Second,
		Logging:      LoggingConfig{Level: "error", Format: "text"},
	}
}

func newTestSupervisor(t *testing.T, spawner ProcessSpawner, specs []WorkerSpec) *Supervisor {
	t.Helper()
	return NewSupervisor(testFleetConfig(), specs, testLogger(), spawner, nil)
}

func TestStartWorker_Success(t *testing.T) {
	spawner := newFakeSpawner()
	spec := WorkerSpec{Name: "svc-a", Workspace: t.TempDir(), Port: freePort(t)}
	s := newTestSupervisor(t, spawner, []WorkerSpec{spec})
	rec, _ := s.Get("svc-a")

	if err := s.startWorker(context.Background(), rec); err != nil {
		t.Fatalf("startWorker failed: %v", err)
	}
	if rec.State() != WorkerStarting {
		t.Fatalf("expected state Starting immediately after spawn (no warm-up probe), got %s", rec.State())
	}
	if rec.Pid() == 0 {
		t.Fatal("expected a non-zero pid after start")
	}

	s.evaluateStarting(context.Background(), rec)
	if rec.State() != WorkerRunning {
		t.Fatalf("expected state Running after the first health tick, got %s", rec.State())
	}
}

func TestStartWorker_FirstHealthTickFails(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.startHealthy = false // worker never reports healthy

	spec := WorkerSpec{Name: "svc-a", Workspace: t.TempDir(), Port: freePort(t)}
	cfg := testFleetConfig()
	cfg.MaxRestarts = 2
	s := NewSupervisor(cfg, []WorkerSpec{spec}, testLogger(), spawner, nil)
	rec, _ := s.Get("svc-a")

	ctx := context.Background()
	if err := s.startWorker(ctx, rec); err != nil {
		t.Fatalf("startWorker failed: %v", err)
	}

	// The first health tick decides Running vs Failed/restart immediately,
	// with no warm-up window. Drive enough ticks to exhaust the restart
	// ceiling, since each failed tick triggers one restart attempt.
	for i := 0; i < cfg.MaxRestarts+1; i++ {
		s.evaluateStarting(ctx, rec)
	}

	if rec.State() != WorkerFailed {
		t.Errorf("expected state Failed once the restart ceiling is exhausted, got %s", rec.State())
	}
	if rec.RestartCount() != cfg.MaxRestarts+1 {
		t.Errorf("expected %d restart attempts, got %d", cfg.MaxRestarts+1, rec.RestartCount())
	}
}

func TestStartWorker_SpawnError(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.spawnErr = errors.New("boom")

	spec := WorkerSpec{Name: "svc-a", Workspace: t.TempDir(), Port: freePort(t)}
	s := newTestSupervisor(t, spawner, []WorkerSpec{spec})
	rec, _ := s.Get("svc-a")

	if err := s.startWorker(context.Background(), rec); err == nil {
		t.Fatal("expected spawn error")
	}
	if rec.State() != WorkerFailed {
		t.Errorf("expected state Failed, got %s", rec.State())
	}
}

func TestStartWorker_PortUnavailable(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer ln.Close()

	spawner := newFakeSpawner()
	spec := WorkerSpec{Name: "svc-a", Workspace: t.TempDir(), Port: port}
	s := newTestSupervisor(t, spawner, []WorkerSpec{spec})
	rec, _ := s.Get("svc-a")

	err = s.startWorker(context.Background(), rec)
	if !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}
	if rec.State() != WorkerFailed {
		t.Errorf("expected state Failed, got %s", rec.State())
	}
}

func TestRestartWorker_ExceedsCeiling(t *testing.T) {
	spawner := newFakeSpawner()
	spec := WorkerSpec{Name: "svc-a", Workspace: t.TempDir(), Port: freePort(t)}
	cfg := testFleetConfig()
	cfg.MaxRestarts = 0
	s := NewSupervisor(cfg, []WorkerSpec{spec}, testLogger(), spawner, nil)
	rec, _ := s.Get("svc-a")

	err := s.restartWorker(context.Background(), rec)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn from exhausted restart ceiling, got %v", err)
	}
	if rec.State() != WorkerFailed {
		t.Errorf("expected state Failed, got %s", rec.State())
	}
}

func TestRestartWorker_SucceedsAfterBackoff(t *testing.T) {
	spawner := newFakeSpawner()
	spec := WorkerSpec{Name: "svc-a", Workspace: t.TempDir(), Port: freePort(t)}
	s := newTestSupervisor(t, spawner, []WorkerSpec{spec})
	rec, _ := s.Get("svc-a")

	if err := s.restartWorker(context.Background(), rec); err != nil {
		t.Fatalf("restartWorker failed: %v", err)
	}
	if rec.State() != WorkerStarting {
		t.Errorf("expected state Starting right after respawn, got %s", rec.State())
	}
	if rec.RestartCount() != 1 {
		t.Errorf("expected restart count 1, got %d", rec.RestartCount())
	}

	s.evaluateStarting(context.Background(), rec)
	if rec.State() != WorkerRunning {
		t.Errorf("expected state Running after the first health tick, got %s", rec.State())
	}
}
