package surge

import (
	"sync"
	"sync/atomic"

	"github.com/yourusername/surge/pkg/surge/buffer"
)

// ContextPool lends input buffers to connection contexts and takes them
// back when a context leaves the reactor. The pool is per-engine, created
// with it and destroyed with it. Live-connection capping happens at the
// acceptor; the pool only bounds allocation churn.
type ContextPool struct {
	inputCap int
	inputs   sync.Pool

	leases   atomic.Int64
	recycles atomic.Int64
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Leases   int64
	Recycles int64
}

// NewContextPool creates a pool producing input buffers of the given
// capacity.
func NewContextPool(inputCap int) *ContextPool {
	p := &ContextPool{inputCap: inputCap}
	p.inputs.New = func() interface{} {
		return buffer.NewInput(inputCap)
	}
	return p
}

// GetInput leases a reset input buffer.
func (p *ContextPool) GetInput() *buffer.Input {
	p.leases.Add(1)
	in := p.inputs.Get().(*buffer.Input)
	in.Reset()
	return in
}

// PutInput returns an input buffer to the pool.
func (p *ContextPool) PutInput(in *buffer.Input) {
	if in == nil || in.Cap() != p.inputCap {
		return
	}
	p.recycles.Add(1)
	in.Reset()
	p.inputs.Put(in)
}

// Stats returns pool counters.
func (p *ContextPool) Stats() PoolStats {
	return PoolStats{Leases: p.leases.Load(), Recycles: p.recycles.Load()}
}
