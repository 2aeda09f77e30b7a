package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPortProber_IsFree(t *testing.T) {
	p := NewPortProber()
	port := freePort(t)

	free, err := p.IsFree(port)
	if err != nil {
		t.Fatalf("IsFree failed: %v", err)
	}
	if !free {
		t.Fatal("expected an unused port to be reported free")
	}

	ln, err := netListen(port)
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer ln.Close()

	free, err = p.IsFree(port)
	if err != nil {
		t.Fatalf("IsFree failed: %v", err)
	}
	if free {
		t.Fatal("expected an occupied port to be reported not free")
	}
}

func TestPortProber_WaitUntilFree(t *testing.T) {
	p := NewPortProber()
	port := freePort(t)

	ln, err := netListen(port)
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		ln.Close()
		close(released)
	}()

	err = p.WaitUntilFree(context.Background(), port, 2*time.Second, 20*time.Millisecond)
	<-released
	if err != nil {
		t.Fatalf("WaitUntilFree failed: %v", err)
	}
}

func TestPortProber_WaitUntilFree_Timeout(t *testing.T) {
	p := NewPortProber()
	port := freePort(t)

	ln, err := netListen(port)
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer ln.Close()

	err = p.WaitUntilFree(context.Background(), port, 150*time.Millisecond, 20*time.Millisecond)
	if !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}
}
