// Package pool implements the admission-controlled, multi-pool
// concurrency model: bounded worker pools, one per task class, each
// guarding its capacity with a "start-countdown" — admission succeeds
// only once the queued work has actually begun executing, not merely
// been accepted onto the pool's queue.
//
// Built on golang.org/x/sync/semaphore rather than a hand-rolled
// channel-as-semaphore.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sharded4/s4/internal/metrics"
	"github.com/sharded4/s4/internal/s4err"
)

// Pool is one bounded worker pool.
type Pool struct {
	Name string
	cap  int64
	sem  *semaphore.Weighted
}

// New creates a pool with a fixed capacity.
func New(name string, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{Name: name, cap: int64(capacity), sem: semaphore.NewWeighted(int64(capacity))}
}

// Capacity returns the pool's fixed slot count.
func (p *Pool) Capacity() int { return int(p.cap) }

// Result is delivered exactly once a task submitted via Submit returns.
type Result[T any] struct {
	Value T
	Err   error
}

// Submit admits fn onto the pool under the start-countdown discipline:
// fn is queued immediately, but Submit only returns success once fn
// has signaled it actually began running (holds a pool slot), racing
// that signal against startTimeout. If the timer wins, Submit returns
// a KindBusy error and the queued fn — whenever it eventually would
// acquire a slot — discovers it was cancelled and exits without doing
// any real work or ever being counted as started.
//
// fn receives a started callback that it must invoke itself, as its
// first real action once it actually begins doing work (e.g. once a
// spawned pipeline's listener is bound) — not merely once it has been
// handed a pool slot.
//
// On success, Submit returns a channel that will receive exactly one
// Result once fn returns.
func Submit[T any](ctx context.Context, p *Pool, startTimeout time.Duration, fn func(taskCtx context.Context, started func()) (T, error)) (<-chan Result[T], error) {
	metrics.PoolQueueDepth.WithLabelValues(p.Name).Inc()

	started := make(chan struct{})
	var startedOnce sync.Once
	signalStarted := func() {
		startedOnce.Do(func() {
			metrics.PoolInFlight.WithLabelValues(p.Name).Inc()
			close(started)
		})
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	out := make(chan Result[T], 1)

	go func() {
		defer cancel()
		defer metrics.PoolQueueDepth.WithLabelValues(p.Name).Dec()

		if err := p.sem.Acquire(taskCtx, 1); err != nil {
			return // cancelled before ever reaching a slot
		}
		defer p.sem.Release(1)

		select {
		case <-taskCtx.Done():
			return // admission timed out before or just after the slot
		default:
		}

		v, err := fn(taskCtx, signalStarted)

		select {
		case <-started:
			defer metrics.PoolInFlight.WithLabelValues(p.Name).Dec()
		default:
			// fn returned without ever calling started: the
			// start-countdown already fired and this result is
			// discarded below.
		}
		out <- Result[T]{Value: v, Err: err}
	}()

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-started:
		return out, nil
	case <-timer.C:
		cancel()
		metrics.PoolBusyTotal.WithLabelValues(p.Name).Inc()
		return nil, s4err.New(s4err.KindBusy, "%s pool did not start task within %s", p.Name, startTimeout)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// Names of the five task classes a node runs.
const (
	IORecv  = "io_recv"
	IOSend  = "io_send"
	Compute = "compute"
	Misc    = "misc"
	Writer  = "writer"
)

// Pools bundles the five admission-controlled pools a node runs.
type Pools struct {
	IORecv  *Pool
	IOSend  *Pool
	Compute *Pool
	Misc    *Pool
	// Writer serializes every operation that mutates the on-disk
	// layout, so "blob and sidecar appear together" holds without
	// finer-grained locking.
	Writer *Pool
}

// Capacities holds the five pool sizes, independent of how they were
// derived (compiled defaults vs. environment overrides).
type Capacities struct {
	IORecv  int
	IOSend  int
	Compute int
	Misc    int
	Writer  int
}

// DefaultCapacities computes CPU-derived defaults: IO-send and IO-recv
// at 4x cores, compute and misc at cores+2, single-writer at 1.
func DefaultCapacities() Capacities {
	cores := runtime.NumCPU()
	return Capacities{
		IORecv:  4 * cores,
		IOSend:  4 * cores,
		Compute: cores + 2,
		Misc:    cores + 2,
		Writer:  1,
	}
}

// NewPools builds the five pools from a Capacities value.
func NewPools(c Capacities) *Pools {
	return &Pools{
		IORecv:  New(IORecv, c.IORecv),
		IOSend:  New(IOSend, c.IOSend),
		Compute: New(Compute, c.Compute),
		Misc:    New(Misc, c.Misc),
		Writer:  New(Writer, c.Writer),
	}
}

// String renders capacities for startup logging.
func (c Capacities) String() string {
	return fmt.Sprintf("io_recv=%d io_send=%d compute=%d misc=%d writer=%d",
		c.IORecv, c.IOSend, c.Compute, c.Misc, c.Writer)
}
