// Package workerpool runs dispatcher tasks on a bounded number of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kilianp07/fieldcmd/core/logger"
	"github.com/kilianp07/fieldcmd/core/monitoring"
)

const defaultSize = 16

// Pool bounds concurrently running tasks. Scheduling never blocks the
// caller; tasks wait for a free slot in their own goroutine.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool running at most size tasks at once.
func New(size int, log logger.Logger) *Pool {
	if size <= 0 {
		size = defaultSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{sem: semaphore.NewWeighted(int64(size)), ctx: ctx, cancel: cancel, log: log}
}

// Go schedules task and reports whether it was accepted. Tasks are rejected
// once Close has been called. Every accepted task runs exactly once; tasks
// must check ctx and give up quickly when it is done.
func (p *Pool) Go(task func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.recover()
		// a task still waiting when Close gives up runs with the cancelled
		// context so it can hand its work back instead of dropping it
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			task(p.ctx)
			return
		}
		defer p.sem.Release(1)
		task(p.ctx)
	}()
	return true
}

func (p *Pool) recover() {
	if r := recover(); r != nil {
		err := fmt.Errorf("worker task panic: %v", r)
		if p.log != nil {
			p.log.Errorf("%v", err)
		}
		monitoring.CaptureException(err, map[string]string{"module": "workerpool"})
	}
}

// Close stops accepting tasks and waits for scheduled ones. If ctx ends
// first, the pool context is cancelled: running tasks see it done and
// waiting tasks run at once with it. Close then waits for all of them and
// returns ctx.Err().
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
