package queue

import (
	"context"
	"sync"
)

// pool is the fixed set of goroutines shared by every subscription.
type pool struct {
	size  int
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newPool(size int) *pool {
	p := &pool{
		size:  size,
		tasks: make(chan func()),
		quit:  make(chan struct{}),
	}
	for range size {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			task()
		}
	}
}

// submit blocks until a worker takes the task. It returns false when the pool
// is stopping or ctx is done.
func (p *pool) submit(ctx context.Context, task func()) bool {
	select {
	case p.tasks <- task:
		return true
	case <-p.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

// stop waits for running tasks to finish.
func (p *pool) stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
