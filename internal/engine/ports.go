package engine

import (
	"sync"
)

// PortPool hands out control-endpoint ports from a fixed range sized by the
// configured maximum instance count. Allocation is exclusive; a port returns
// to the pool only after its process is confirmed terminated.
type PortPool struct {
	mu   sync.Mutex
	free []int
	held map[int]bool
}

// NewPortPool builds a pool covering [base, base+size).
func NewPortPool(base, size int) *PortPool {
	free := make([]int, 0, size)
	for i := 0; i < size; i++ {
		free = append(free, base+i)
	}
	return &PortPool{
		free: free,
		held: make(map[int]bool),
	}
}

// Allocate reserves a port, or fails with ErrResourceExhausted when the pool
// is empty. Spawn requests fail fast rather than queue.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrResourceExhausted
	}
	port := p.free[0]
	p.free = p.free[1:]
	p.held[port] = true
	return port, nil
}

// Release returns a port to the back of the free list. Releasing a port the
// pool never issued (or already released) is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.held[port] {
		return
	}
	delete(p.held, port)
	p.free = append(p.free, port)
}

// Available reports how many ports remain allocatable.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
