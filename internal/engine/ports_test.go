package engine

import (
	"errors"
	"testing"
)

func TestPortPoolAllocateRelease(t *testing.T) {
	pool := NewPortPool(6100, 3)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		port, err := pool.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d handed out twice", port)
		}
		seen[port] = true
	}

	if _, err := pool.Allocate(); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	pool.Release(6101)
	port, err := pool.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if port != 6101 {
		t.Fatalf("expected released port 6101 to be reusable, got %d", port)
	}
}

func TestPortPoolReleaseUnknownIsNoop(t *testing.T) {
	pool := NewPortPool(6100, 1)
	pool.Release(9999)
	pool.Release(6100) // never allocated

	if got := pool.Available(); got != 1 {
		t.Fatalf("expected 1 available, got %d", got)
	}
	if _, err := pool.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := pool.Allocate(); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}
