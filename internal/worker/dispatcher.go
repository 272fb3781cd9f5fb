// Package worker runs background engine work off the request path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy means the record already has a task running.
	ErrBusy   = errors.New("record already has a task in flight")
	ErrClosed = errors.New("dispatcher is shutting down")
)

// Guard extends the per-record exclusion across processes. A lease is held
// from Submit until the task returns and is refreshed every TTL/3 while the
// task waits for a slot or runs.
type Guard interface {
	Acquire(ctx context.Context, id string) (token string, ok bool, err error)
	Refresh(ctx context.Context, id, token string) error
	Release(ctx context.Context, id, token string) error
	TTL() time.Duration
}

// Gauge tracks running tasks; prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

type Task func(ctx context.Context)

// Dispatcher runs at most one task per record id and at most limit tasks at
// once. Tasks run on a context detached from the submitting request.
type Dispatcher struct {
	sem    *semaphore.Weighted
	guard  Guard
	gauge  Gauge
	logger *zap.Logger
	base   context.Context

	mu     sync.Mutex
	busy   map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithGuard(guard Guard) Option {
	return func(d *Dispatcher) { d.guard = guard }
}

func WithGauge(gauge Gauge) Option {
	return func(d *Dispatcher) { d.gauge = gauge }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func New(limit int, opts ...Option) *Dispatcher {
	if limit <= 0 {
		limit = 1
	}
	d := &Dispatcher{
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: zap.NewNop(),
		base:   context.Background(),
		busy:   map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit schedules task for record id. It returns ErrBusy when a task for id
// is still running here or, with a guard, on another replica.
func (d *Dispatcher) Submit(ctx context.Context, id string, task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, ok := d.busy[id]; ok {
		d.mu.Unlock()
		return ErrBusy
	}
	d.busy[id] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	var token string
	if d.guard != nil {
		var (
			ok  bool
			err error
		)
		token, ok, err = d.guard.Acquire(ctx, id)
		if err != nil || !ok {
			d.done(id)
			if err != nil {
				return fmt.Errorf("acquire lease for %s: %w", id, err)
			}
			return ErrBusy
		}
	}

	go d.run(id, token, task)
	return nil
}

func (d *Dispatcher) run(id, token string, task Task) {
	defer d.done(id)
	if d.guard != nil {
		stop := make(chan struct{})
		kept := make(chan struct{})
		go func() {
			defer close(kept)
			d.keepLease(id, token, stop)
		}()
		defer func() {
			close(stop)
			<-kept
			if err := d.guard.Release(d.base, id, token); err != nil {
				d.logger.Warn("release inflight lease", zap.String("record_id", id), zap.Error(err))
			}
		}()
	}

	if err := d.sem.Acquire(d.base, 1); err != nil {
		d.logger.Error("acquire worker slot", zap.String("record_id", id), zap.Error(err))
		return
	}
	defer d.sem.Release(1)

	if d.gauge != nil {
		d.gauge.Inc()
		defer d.gauge.Dec()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("background task panicked", zap.String("record_id", id), zap.Any("panic", r))
		}
	}()
	task(d.base)
}

// keepLease refreshes the record's lease until stop is closed.
func (d *Dispatcher) keepLease(id, token string, stop <-chan struct{}) {
	every := d.guard.TTL() / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.base, every)
			err := d.guard.Refresh(ctx, id, token)
			cancel()
			if err != nil {
				d.logger.Warn("refresh inflight lease", zap.String("record_id", id), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) done(id string) {
	d.mu.Lock()
	delete(d.busy, id)
	d.mu.Unlock()
	d.wg.Done()
}

// Busy reports whether id has a task submitted and not yet finished.
func (d *Dispatcher) Busy(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.busy[id]
	return ok
}

// Close stops accepting tasks and waits for running ones until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background tasks: %w", ctx.Err())
	}
}
