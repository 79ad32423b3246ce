package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/internal/tracing"
)

var (
	// ErrQueueClosed is returned when submitting to an aborted or closed queue.
	ErrQueueClosed = errors.New("commandqueue: queue closed")
	// ErrAborted is delivered to tasks that were still queued at Abort.
	ErrAborted = errors.New("commandqueue: task aborted")
	// ErrDuplicate is returned when a task key was already submitted recently.
	ErrDuplicate = errors.New("commandqueue: duplicate task")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// Key deduplicates submissions. Empty keys are never deduplicated.
	Key string
}

// Result is the outcome of a task.
type Result struct {
	Value interface{}
	Err   error
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan Result
}

// laneState holds the FIFO for a single lane
type laneState struct {
	queue   []*taskRecord
	running bool
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // "enqueued", "completed" or "aborted"
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// LaneStats describes one lane.
type LaneStats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

// CommandQueue serializes tasks per lane with one task in flight per lane.
type CommandQueue struct {
	name      string
	lanes     map[string]*laneState
	taskIDSeq uint64
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedup     *dedupCache
	slots     chan struct{}

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// Config configures a CommandQueue.
type Config struct {
	// Name labels metrics and logs.
	Name string
	// DedupTTL bounds how long task keys are remembered.
	DedupTTL time.Duration
	// MaxPending caps queued plus running tasks across all lanes. Submit
	// waits for a free slot once the cap is reached. Zero means unbounded.
	MaxPending int
}

// New creates a CommandQueue whose tasks are cancelled when parent ends.
func New(parent context.Context, cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if parent == nil {
		parent = context.Background()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	ctx, cancel := context.WithCancel(parent)

	var slots chan struct{}
	if cfg.MaxPending > 0 {
		slots = make(chan struct{}, cfg.MaxPending)
	}

	return &CommandQueue{
		name:          cfg.Name,
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		dedup:         newDedupCache(ctx, cfg.DedupTTL),
		slots:         slots,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Submit appends task to lane and returns a channel that receives its result.
// It never blocks on task execution. With MaxPending set it waits for a free
// slot, returning ctx.Err() if ctx ends first.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) (<-chan Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := cq.acquire(ctx); err != nil {
		return nil, err
	}

	if options != nil && options.Key != "" && cq.dedup.Mark(lane+"\x00"+options.Key) {
		cq.release()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, options.Key)
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		cq.release()
		return nil, ErrQueueClosed
	}

	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", cq.name, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan Result, 1),
	}

	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	pending := cq.pendingLocked()
	cq.startNextLocked(lane, ls)
	cq.mu.Unlock()

	log.Debug().
		Str("queue", cq.name).
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(cq.name, pending)

	cq.emit(Event{
		Type:   "enqueued",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	return record.result, nil
}

// Enqueue submits task and waits for its result or for ctx to end.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"sandesh.commandqueue",
		"commandqueue.enqueue",
		attribute.String("queue", cq.name),
		attribute.String("lane", lane),
	)
	defer span.End()

	done, err := cq.Submit(ctx, lane, task, options)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	select {
	case result := <-done:
		tracing.Fail(span, result.Err)
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire takes a pending slot when the queue is bounded.
func (cq *CommandQueue) acquire(ctx context.Context) error {
	if cq.slots == nil {
		return nil
	}
	select {
	case cq.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cq.ctx.Done():
		return ErrQueueClosed
	}
}

func (cq *CommandQueue) release() {
	if cq.slots != nil {
		<-cq.slots
	}
}

// startNextLocked launches the head of the lane if nothing is running.
func (cq *CommandQueue) startNextLocked(lane string, ls *laneState) {
	if ls.running || len(ls.queue) == 0 {
		return
	}

	record := ls.queue[0]
	ls.queue[0] = nil
	ls.queue = ls.queue[1:]
	ls.running = true

	cq.wg.Add(1)
	go cq.executeTask(lane, record)
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"sandesh.commandqueue",
		"commandqueue.execute_task",
		attribute.String("queue", cq.name),
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("queue", cq.name).Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(startTime)

	record.result <- Result{Value: value, Err: err}
	close(record.result)
	cq.release()

	if err != nil {
		tracing.Fail(span, err)
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	cq.mu.Lock()
	ls := cq.lanes[lane]
	ls.running = false
	if len(ls.queue) == 0 {
		delete(cq.lanes, lane)
	} else {
		cq.startNextLocked(lane, ls)
	}
	pending := cq.pendingLocked()
	cq.mu.Unlock()

	observability.RecordQueueCompletion(cq.name, duration, err == nil, pending)

	cq.emit(Event{
		Type:   "completed",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})
}

// run executes task, converting a panic into an error.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) pendingLocked() int {
	n := 0
	for _, ls := range cq.lanes {
		n += len(ls.queue)
	}
	return n
}

// Pending returns the number of queued (not yet running) tasks.
func (cq *CommandQueue) Pending() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.pendingLocked()
}

// InFlight returns the number of queued plus running tasks.
func (cq *CommandQueue) InFlight() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	n := cq.pendingLocked()
	for _, ls := range cq.lanes {
		if ls.running {
			n++
		}
	}
	return n
}

// Stats returns per-lane statistics.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running}
	}
	return stats
}

// Abort stops accepting work, cancels running tasks and rejects queued ones
// with ErrAborted. It does not wait for running tasks. Returns the number of
// rejected tasks.
func (cq *CommandQueue) Abort() int {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return 0
	}
	cq.closed = true

	rejected := 0
	for lane, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- Result{Err: ErrAborted}
			close(record.result)
			cq.release()
			rejected++
		}
		ls.queue = nil
		if !ls.running {
			delete(cq.lanes, lane)
		}
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.dedup.Stop()

	if rejected > 0 {
		log.Info().Str("queue", cq.name).Int("rejected", rejected).Msg("Queue aborted")
	}
	observability.SetQueueSize(cq.name, 0)
	cq.emit(Event{Type: "aborted", Data: map[string]interface{}{"rejected": rejected}})

	return rejected
}

// Wait blocks until running tasks finish or timeout passes.
func (cq *CommandQueue) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn().Str("queue", cq.name).Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close aborts the queue and waits for running tasks to return.
func (cq *CommandQueue) Close() error {
	cq.Abort()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
