package engine

import (
	"sync"
)

// WorkerPool runs engine tasks on a fixed set of goroutines
type WorkerPool struct {
	size     int
	taskChan chan func()
	wg       sync.WaitGroup
	stopChan chan struct{}

	mu      sync.RWMutex
	running bool
}

// NewWorkerPool creates a pool of size workers
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:     size,
		taskChan: make(chan func(), size*2),
		stopChan: make(chan struct{}),
	}
}

// Start starts the workers
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop stops the workers after their current task. Queued tasks are dropped.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit queues a task. It reports false when the pool is not running,
// leaving the caller to run the task itself.
func (p *WorkerPool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return false
	}
	select {
	case p.taskChan <- task:
		return true
	case <-p.stopChan:
		return false
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.taskChan:
			if task != nil {
				task()
			}
		case <-p.stopChan:
			return
		}
	}
}
