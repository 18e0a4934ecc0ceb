package hooks

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrQueueNotStarted is returned when enqueueing before Start
	ErrQueueNotStarted = errors.New("queue not started")
	// ErrQueueShutdown is returned when enqueueing after Shutdown
	ErrQueueShutdown = errors.New("queue shutdown")
	// ErrQueueClosed is returned when the queue was stopped while waiting for room
	ErrQueueClosed = errors.New("queue closed")
)

// AsyncTask is a unit of work run by the queue's workers
type AsyncTask struct {
	Name string
	Fn   func(ctx context.Context) error
}

// AsyncQueue runs long-running hook bodies on a bounded worker pool
type AsyncQueue struct {
	tasks       chan AsyncTask
	workerCount int
	logger      *zap.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	shutdown    bool
	mu          sync.Mutex
	// sending is held for reading by enqueuers so Shutdown never closes
	// tasks under a pending send
	sending sync.RWMutex
}

// NewAsyncQueue creates a queue with the given number of workers and
// buffered task slots
func NewAsyncQueue(workerCount, buffer int, logger *zap.Logger) *AsyncQueue {
	if workerCount <= 0 {
		workerCount = 4
	}
	if buffer <= 0 {
		buffer = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncQueue{
		tasks:       make(chan AsyncTask, buffer),
		workerCount: workerCount,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (q *AsyncQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.started = true
}

func (q *AsyncQueue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.run(id, task)
		}
	}
}

func (q *AsyncQueue) run(id int, task AsyncTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("async task panicked",
				zap.Int("worker", id), zap.String("task", task.Name), zap.Any("panic", r))
		}
	}()
	if err := task.Fn(q.ctx); err != nil {
		q.logger.Debug("async task failed",
			zap.Int("worker", id), zap.String("task", task.Name), zap.Error(err))
	}
}

// Enqueue adds a task, blocking while the buffer is full
func (q *AsyncQueue) Enqueue(task AsyncTask) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrQueueNotStarted
	}
	if q.shutdown {
		q.mu.Unlock()
		return ErrQueueShutdown
	}
	q.sending.RLock()
	q.mu.Unlock()
	defer q.sending.RUnlock()

	select {
	case q.tasks <- task:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish
func (q *AsyncQueue) Shutdown() {
	q.mu.Lock()
	if !q.started || q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	q.mu.Unlock()

	q.sending.Lock()
	close(q.tasks)
	q.sending.Unlock()
	q.wg.Wait()
}

// Stop cancels the workers without draining the queue
func (q *AsyncQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}
