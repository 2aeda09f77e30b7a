package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CloseKind is chosen at registration time instead of relying on dynamic
// reflection over a resource's shape (spec.md §9's "capability variants"
// note): a resource knows whether its own Close is synchronous,
// asynchronous, or a no-op, and says so up front.
type CloseKind int

const (
	CloseSync CloseKind = iota
	CloseAsync
	CloseNop
)

// ResourceCategory buckets resources for the fixed teardown priority order:
// databases, then services, then generic resources (by Priority), then files.
type ResourceCategory int

const (
	ResourceDatabase ResourceCategory = iota
	ResourceService
	ResourceGeneric
	ResourceFile
)

// Closer is implemented by anything the ResourceRegistry can tear down.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a plain function to the Closer interface.
type CloserFunc func(ctx context.Context) error

func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

// ResourceRecord is one entry owned exclusively by ResourceRegistry.
type ResourceRecord struct {
	Name     string
	Category ResourceCategory
	Kind     CloseKind
	Priority int // lower = higher priority within ResourceGeneric
	Timeout  time.Duration
	Target   Closer

	closedAt time.Time
	closed   bool
}

// ResourceRegistry owns every registered ResourceRecord and tears them
// down in priority order: databases, external services, generic resources
// (sorted by Priority), then files.
type ResourceRegistry struct {
	logger *Logger

	mu    sync.Mutex
	items []*ResourceRecord
}

// NewResourceRegistry returns an empty registry.
func NewResourceRegistry(logger *Logger) *ResourceRegistry {
	return &ResourceRegistry{logger: logger}
}

// Register adds a resource under management.
func (r *ResourceRegistry) Register(rec *ResourceRecord) {
	if rec.Timeout <= 0 {
		rec.Timeout = 10 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, rec)
	r.logger.Info("registered resource", "name", rec.Name, "category", rec.Category, "priority", rec.Priority)
}

// CloseAll tears down every registered resource in priority order,
// aggregating failures instead of stopping at the first one.
func (r *ResourceRegistry) CloseAll(ctx context.Context) []PhaseResult {
	r.mu.Lock()
	ordered := append([]*ResourceRecord(nil), r.items...)
	r.mu.Unlock()

	byCategory := map[ResourceCategory][]*ResourceRecord{}
	for _, rec := range ordered {
		byCategory[rec.Category] = append(byCategory[rec.Category], rec)
	}

	generic := byCategory[ResourceGeneric]
	sort.Slice(generic, func(i, j int) bool { return generic[i].Priority < generic[j].Priority })

	var results []PhaseResult
	for _, cat := range []ResourceCategory{ResourceDatabase, ResourceService, ResourceGeneric, ResourceFile} {
		for _, rec := range byCategory[cat] {
			results = append(results, r.closeOne(ctx, rec))
		}
	}
	return results
}

func (r *ResourceRegistry) closeOne(ctx context.Context, rec *ResourceRecord) PhaseResult {
	start := time.Now()

	r.mu.Lock()
	alreadyClosed := rec.closed
	r.mu.Unlock()
	if alreadyClosed {
		return PhaseResult{Name: rec.Name, Duration: 0}
	}

	if rec.Kind == CloseNop {
		r.mu.Lock()
		rec.closed = true
		rec.closedAt = time.Now()
		r.mu.Unlock()
		return PhaseResult{Name: rec.Name, Duration: time.Since(start)}
	}

	closeCtx, cancel := context.WithTimeout(ctx, rec.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- rec.Target.Close(closeCtx) }()

	var err error
	select {
	case err = <-errCh:
	case <-closeCtx.Done():
		err = fmt.Errorf("%w: %s did not close within %s", ErrResourceCleanup, rec.Name, rec.Timeout)
	}

	r.mu.Lock()
	rec.closed = err == nil
	rec.closedAt = time.Now()
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("failed to close resource", "name", rec.Name, "error", err)
		return PhaseResult{Name: rec.Name, Err: fmt.Errorf("%w: %v", ErrResourceCleanup, err), Duration: time.Since(start)}
	}

	r.logger.Info("closed resource", "name", rec.Name, "elapsed", time.Since(start))
	return PhaseResult{Name: rec.Name, Duration: time.Since(start)}
}

// Status reports each registered resource's current close state.
func (r *ResourceRegistry) Status() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.items))
	for _, rec := range r.items {
		out[rec.Name] = rec.closed
	}
	return out
}
