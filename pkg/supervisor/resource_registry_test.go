package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestResourceRegistry_CloseAll_PriorityOrder(t *testing.T) {
	r := NewResourceRegistry(testLogger())

	var order []string
	record := func(name string) Closer {
		return CloserFunc(func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	r.Register(&ResourceRecord{Name: "file", Category: ResourceFile, Kind: CloseSync, Target: record("file")})
	r.Register(&ResourceRecord{Name: "generic-low", Category: ResourceGeneric, Kind: CloseSync, Priority: 10, Target: record("generic-low")})
	r.Register(&ResourceRecord{Name: "db", Category: ResourceDatabase, Kind: CloseSync, Target: record("db")})
	r.Register(&ResourceRecord{Name: "generic-high", Category: ResourceGeneric, Kind: CloseSync, Priority: 1, Target: record("generic-high")})
	r.Register(&ResourceRecord{Name: "service", Category: ResourceService, Kind: CloseSync, Target: record("service")})

	results := r.CloseAll(context.Background())
	for _, res := range results {
		if res.Err != nil {
			t.Errorf("%s: unexpected error %v", res.Name, res.Err)
		}
	}

	want := []string{"db", "service", "generic-high", "generic-low", "file"}
	if len(order) != len(want) {
		t.Fatalf("expected %d closes, got %d: %v", len(want), len(order), order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("close order[%d] = %s, want %s (full order %v)", i, order[i], name, order)
		}
	}

	status := r.Status()
	for _, name := range want {
		if !status[name] {
			t.Errorf("expected %s to be marked closed", name)
		}
	}
}

func TestResourceRegistry_NopSkipsTarget(t *testing.T) {
	r := NewResourceRegistry(testLogger())
	r.Register(&ResourceRecord{Name: "noop", Category: ResourceGeneric, Kind: CloseNop})

	results := r.CloseAll(context.Background())
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("expected a single clean result, got %v", results)
	}
}

func TestResourceRegistry_TimeoutProducesError(t *testing.T) {
	r := NewResourceRegistry(testLogger())
	closer := &fakeCloser{delay: time.Second}
	r.Register(&ResourceRecord{Name: "slow-db", Category: ResourceDatabase, Kind: CloseAsync, Timeout: 30 * time.Millisecond, Target: closer})

	results := r.CloseAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Fatal("expected a timeout error")
	}
	if closer.wasClosed() {
		t.Error("expected the slow closer to not have completed")
	}
}
