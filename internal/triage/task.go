package triage

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// TaskState is the lifecycle of a background classification batch.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskCompleted
	TaskFailed
)

// batchWorkers bounds concurrent model calls in a batch. Each worker's
// state write is a single atomic upsert, so cross-email ordering does not
// matter.
const batchWorkers = 4

// TaskStatus is a poll snapshot of a running or finished batch.
type TaskStatus struct {
	State     TaskState
	Processed int
	Total     int
	Errors    []ItemError
}

// Task is a cancellable handle on a background classification batch.
// Processed increases monotonically; cancelling mid-batch never corrupts
// a partially-written email because each state write is atomic.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	total     int
	processed atomic.Int64

	mu     sync.Mutex
	state  TaskState
	errs   []ItemError
	runErr error
}

// StartBatch launches classification of the given emails in the
// background and returns a pollable task handle.
func (o *Orchestrator) StartBatch(ctx context.Context, emailIDs []string, threshold float64) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
		total:  len(emailIDs),
	}

	go t.run(ctx, o, emailIDs, threshold)

	return t
}

func (t *Task) run(ctx context.Context, o *Orchestrator, emailIDs []string, threshold float64) {
	defer close(t.done)
	defer t.cancel()

	ids := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < batchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				if ctx.Err() != nil {
					return
				}
				if _, err := o.classifyOne(ctx, id, threshold); err != nil {
					t.addError(ItemError{EmailID: id, Err: err})
				}
				t.processed.Add(1)
			}
		}()
	}

feed:
	for _, id := range emailIDs {
		select {
		case ids <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(ids)
	wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		t.state = TaskFailed
		t.runErr = err
		o.log.Warn("classification batch cancelled",
			zap.Int("processed", int(t.processed.Load())),
			zap.Int("total", t.total))
		return
	}
	t.state = TaskCompleted
}

// Cancel stops the batch. Already-written classification states stay
// intact.
func (t *Task) Cancel() {
	t.cancel()
}

// Done returns a channel closed when the batch finishes or is cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Status returns a snapshot for progress polling.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := make([]ItemError, len(t.errs))
	copy(errs, t.errs)

	return TaskStatus{
		State:     t.state,
		Processed: int(t.processed.Load()),
		Total:     t.total,
		Errors:    errs,
	}
}

// Err returns why the batch failed, or nil.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runErr
}

func (t *Task) addError(e ItemError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, e)
}
