// Package signpool runs RSA sign and verify operations on dedicated bounded
// worker pools, so CPU-bound cryptography never stalls the I/O scheduler.
package signpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/klppl/relaybridge/internal/relayerr"
)

// VerifyRatio is the split point: for pools at or below this size all n
// threads sign and one more thread verifies. Above it, one in VerifyRatio
// threads handles verification.
const VerifyRatio = 7

// Sizes computes the (signThreads, verifyThreads) split for a pool of n
// total threads, exactly per the operator-configured `signature_threads`
// formula: at or below VerifyRatio, all n threads sign and one verifies; above it,
// verify = max(1, n/VerifyRatio), sign = max(VerifyRatio, n-verify).
func Sizes(n int) (sign, verify int) {
	switch {
	case n <= 1:
		return 1, 1
	case n <= VerifyRatio:
		return n, 1
	default:
		verify = n / VerifyRatio
		if verify < 1 {
			verify = 1
		}
		sign = n - verify
		if sign < VerifyRatio {
			sign = VerifyRatio
		}
		return sign, verify
	}
}

type task struct {
	correlationID string
	fn            func() (interface{}, error)
	result        chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// Pool is a bounded executor for one operation class (sign or verify). Tasks
// are submitted by the I/O scheduler and awaited without blocking other I/O
// work, since each worker goroutine only ever runs CPU-bound crypto.
type Pool struct {
	name    string
	tasks   chan task
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// NewPool starts workers goroutines reading from an unbuffered task channel.
func NewPool(name string, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{name: name, tasks: make(chan task)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		v, err := t.fn()
		t.result <- taskResult{value: v, err: err}
	}
}

// Submit runs fn on the pool and blocks for the result, respecting ctx
// cancellation. correlationID is carried through for log correlation on
// failure, per the tracing requirement on every signing-pool submission.
func (p *Pool) Submit(ctx context.Context, correlationID string, fn func() (interface{}, error)) (interface{}, error) {
	// The read lock is held across the hand-off so Close cannot close the
	// task channel while a send on it is pending.
	p.closeMu.RLock()
	if p.closed {
		p.closeMu.RUnlock()
		return nil, relayerr.New(relayerr.KindCanceled, fmt.Sprintf("%s pool is shut down", p.name))
	}

	t := task{correlationID: correlationID, fn: fn, result: make(chan taskResult, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		p.closeMu.RUnlock()
		return nil, relayerr.Wrap(relayerr.KindCanceled, "submit to "+p.name+" pool", ctx.Err())
	}
	p.closeMu.RUnlock()
	select {
	case r := <-t.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, relayerr.Wrap(relayerr.KindCanceled, p.name+" task canceled", ctx.Err())
	}
}

// Close drains outstanding tasks then refuses new submissions. Callers that
// Submit concurrently with Close may observe a rejection rather than
// completion, which is expected during shutdown.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}

// Pools bundles the sign and verify pools the relay constructs at startup,
// sized by Sizes(signatureThreads).
type Pools struct {
	Sign   *Pool
	Verify *Pool
}

// New builds both pools from the operator's `SIGNATURE_THREADS` setting.
func New(signatureThreads int) *Pools {
	sign, verify := Sizes(signatureThreads)
	return &Pools{
		Sign:   NewPool("sign-cpu", sign),
		Verify: NewPool("verify-cpu", verify),
	}
}

// Close shuts down both pools, the verify pool first. The relay calls it last
// in its shutdown sequence, after the HTTP server has drained its in-flight
// handlers; job workers are not waited on, and a Submit after Close fails
// with KindCanceled.
func (p *Pools) Close() {
	p.Verify.Close()
	p.Sign.Close()
}
