package ckks

import (
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
)

// pool hands out workers for parallel homomorphic evaluation.
// All workers share the same keys but own independent evaluators.
type pool struct {
	workers []*worker
	free    chan *worker
}

func newPool(params hefloat.Parameters, k keys, n int) *pool {
	if n < 1 {
		n = 1
	}
	p := &pool{
		workers: make([]*worker, n),
		free:    make(chan *worker, n),
	}
	for i := 0; i < n; i++ {
		w := newWorker(params, k)
		p.workers[i] = w
		p.free <- w
	}
	return p
}

// acquire blocks until a worker is available. The caller must release it.
func (p *pool) acquire() *worker {
	return <-p.free
}

func (p *pool) release(w *worker) {
	p.free <- w
}

func (p *pool) size() int {
	return len(p.workers)
}
