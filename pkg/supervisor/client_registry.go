package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ClientState mirrors the lifecycle of one connected client as seen by
// the supervisor's administrative surface.
type ClientState int

const (
	ClientConnected ClientState = iota
	ClientNotified
	ClientDisconnecting
	ClientDisconnected
)

// DisconnectionReason records why a client left.
type DisconnectionReason string

const (
	ReasonClientRequest DisconnectionReason = "client_request"
	ReasonServerShutdown DisconnectionReason = "server_shutdown"
	ReasonTimeout        DisconnectionReason = "timeout"
	ReasonError          DisconnectionReason = "error"
)

// ClientDisconnector is the capability a client transport exposes for the
// forced-disconnect phase. Chosen per client at registration, not
// discovered dynamically.
type ClientDisconnector interface {
	Disconnect(ctx context.Context, reason DisconnectionReason) error
	Notify(ctx context.Context, event string) error
}

// ClientRecord is one entry owned exclusively by ClientRegistry.
type ClientRecord struct {
	ID        string
	Transport ClientDisconnector

	mu    sync.Mutex
	state ClientState
}

func (c *ClientRecord) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *ClientRecord) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientRegistry tracks connected clients and runs the two-stage shutdown:
// broadcast notification, cooperative wait, then forced disconnect for
// stragglers.
type ClientRegistry struct {
	logger *Logger

	mu      sync.RWMutex
	clients map[string]*ClientRecord
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry(logger *Logger) *ClientRegistry {
	return &ClientRegistry{logger: logger, clients: map[string]*ClientRecord{}}
}

// Add registers a connected client.
func (c *ClientRegistry) Add(id string, transport ClientDisconnector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[id] = &ClientRecord{ID: id, Transport: transport, state: ClientConnected}
}

// Remove drops a client from the registry, e.g. on its own disconnect.
func (c *ClientRegistry) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, id)
}

// Count returns the number of currently tracked clients.
func (c *ClientRegistry) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

func (c *ClientRegistry) snapshot() []*ClientRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ClientRecord, 0, len(c.clients))
	for _, rec := range c.clients {
		out = append(out, rec)
	}
	return out
}

// Shutdown runs the notify -> cooperative-wait -> forced-disconnect
// sequence against every tracked client, returning the clients that
// never confirmed disconnection.
func (c *ClientRegistry) Shutdown(ctx context.Context, gracePeriod, forceTimeout time.Duration) []PhaseResult {
	clients := c.snapshot()
	if len(clients) == 0 {
		c.logger.InfoContext(ctx, "no clients to notify")
		return nil
	}

	c.logger.InfoContext(ctx, "notifying clients of shutdown", "count", len(clients))
	notifyCtx, cancel := context.WithTimeout(ctx, gracePeriod)
	defer cancel()

	var wg sync.WaitGroup
	for _, rec := range clients {
		wg.Add(1)
		go func(rec *ClientRecord) {
			defer wg.Done()
			rec.setState(ClientNotified)
			if err := rec.Transport.Notify(notifyCtx, string(ReasonServerShutdown)); err != nil {
				c.logger.WarnContext(ctx, "client notify failed", "client", rec.ID, "error", err)
			}
		}(rec)
	}
	wg.Wait()

	c.logger.InfoContext(ctx, "waiting for cooperative disconnect", "grace_period", gracePeriod)
	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if c.allDisconnected(clients) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	remaining := c.undisconnected(clients)
	if len(remaining) == 0 {
		return nil
	}

	c.logger.InfoContext(ctx, "force disconnecting remaining clients", "count", len(remaining))
	results := make([]PhaseResult, len(remaining))
	var fwg sync.WaitGroup
	for i, rec := range remaining {
		fwg.Add(1)
		go func(i int, rec *ClientRecord) {
			defer fwg.Done()
			results[i] = c.forceDisconnect(ctx, rec, forceTimeout)
		}(i, rec)
	}
	fwg.Wait()

	return results
}

func (c *ClientRegistry) allDisconnected(clients []*ClientRecord) bool {
	return len(c.undisconnected(clients)) == 0
}

func (c *ClientRegistry) undisconnected(clients []*ClientRecord) []*ClientRecord {
	var remaining []*ClientRecord
	for _, rec := range clients {
		if rec.State() != ClientDisconnected {
			remaining = append(remaining, rec)
		}
	}
	return remaining
}

func (c *ClientRegistry) forceDisconnect(ctx context.Context, rec *ClientRecord, timeout time.Duration) PhaseResult {
	start := time.Now()
	rec.setState(ClientDisconnecting)

	closeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- rec.Transport.Disconnect(closeCtx, ReasonTimeout) }()

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.ErrorContext(ctx, "client force disconnect failed", "client", rec.ID, "error", err)
			return PhaseResult{Name: rec.ID, Err: fmt.Errorf("%w: %v", ErrGracefulTimeout, err), Duration: time.Since(start)}
		}
		rec.setState(ClientDisconnected)
		return PhaseResult{Name: rec.ID, Duration: time.Since(start)}
	case <-closeCtx.Done():
		err := fmt.Errorf("%w: client %s disconnect timed out after %s", ErrGracefulTimeout, rec.ID, timeout)
		c.logger.ErrorContext(ctx, "client disconnect timed out", "client", rec.ID)
		return PhaseResult{Name: rec.ID, Err: err, Duration: time.Since(start)}
	}
}
