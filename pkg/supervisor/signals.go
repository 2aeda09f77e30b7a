package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// InstallSignalBridge registers SIGTERM, SIGINT, and SIGHUP handlers that
// do nothing but flip the coordinator. Business logic never runs inside
// the signal handler goroutine itself; the orchestrator, woken by
// Coordinator.Done(), does all the actual work. The registration stays
// live for the process lifetime (until ctx is done), not just for the
// first signal: a second SIGTERM/SIGINT arriving mid-shutdown must route
// through Coordinator's idempotent dedup and get logged as a duplicate,
// not fall through to the OS default disposition.
func InstallSignalBridge(ctx context.Context, coord *Coordinator, log *Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				if coord.IsSet() {
					log.WarnContext(ctx, "duplicate shutdown signal, ignoring", "signal", sig.String(), "original_reason", coord.Reason())
					continue
				}
				log.InfoContext(ctx, "received signal", "signal", sig.String())
				coord.Request(fmt.Sprintf("signal_%s", sig.String()))
			case <-ctx.Done():
				return
			}
		}
	}()
}
