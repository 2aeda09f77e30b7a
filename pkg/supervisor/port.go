package supervisor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// PortProber checks whether a TCP port is free using a raw bind that
// deliberately omits SO_REUSEADDR. Go's net.Listen sets SO_REUSEADDR by
// default, which would let a bind succeed against a socket still in
// TIME_WAIT or held by another process expecting exclusive use — exactly
// the false-positive spec.md's port-release verification must not produce.
type PortProber struct{}

// NewPortProber returns a PortProber.
func NewPortProber() *PortProber { return &PortProber{} }

// IsFree attempts to bind and listen on port across all interfaces; it
// closes the socket immediately and reports whether the bind succeeded.
func (PortProber) IsFree(port uint16) (bool, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return false, fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		if err == unix.EADDRINUSE {
			return false, nil
		}
		return false, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, 1); err != nil {
		if err == unix.EADDRINUSE {
			return false, nil
		}
		return false, fmt.Errorf("listen: %w", err)
	}

	return true, nil
}

// WaitUntilFree polls IsFree at interval until the port is free or ctx is
// done / timeout elapses, whichever comes first. It returns
// ErrPortUnavailable (wrapping the last probe error, if any) on timeout.
func (p PortProber) WaitUntilFree(ctx context.Context, port uint16, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		free, err := p.IsFree(port)
		if err != nil {
			lastErr = err
		} else if free {
			return nil
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return fmt.Errorf("%w: port %d: %v", ErrPortUnavailable, port, lastErr)
			}
			return fmt.Errorf("%w: port %d still in use after %s", ErrPortUnavailable, port, timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: port %d: %v", ErrPortUnavailable, port, ctx.Err())
		case <-ticker.C:
		}
	}
}
