package supervisor

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestInstallSignalBridge_DedupsRepeatSignals(t *testing.T) {
	coord := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	InstallSignalBridge(ctx, coord, testLogger())

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("failed to raise SIGHUP: %v", err)
	}
	if !coord.Wait(time.Second) {
		t.Fatal("expected shutdown to be requested after the first signal")
	}
	first := coord.Reason()

	// The registration must stay live past the first signal: send a
	// second one and confirm it doesn't panic, crash the process via
	// default disposition, or overwrite the original reason.
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("failed to raise second SIGHUP: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if coord.Reason() != first {
		t.Errorf("expected reason to remain %q after a duplicate signal, got %q", first, coord.Reason())
	}
}

func TestInstallSignalBridge_StopsOnContextDone(t *testing.T) {
	coord := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())

	InstallSignalBridge(ctx, coord, testLogger())
	cancel()
	time.Sleep(50 * time.Millisecond)

	if coord.IsSet() {
		t.Error("expected coordinator to remain unset when no signal was sent")
	}
}
