package voice

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a unit of work executed by the Runtime.
type Task func(ctx context.Context)

// Runtime owns all session mutation. Work is queued on named lanes: tasks
// of one lane run one at a time in submission order on the lane's
// goroutine, different lanes run independently. Submit never blocks.
//
// Lanes are keyed by guild id, so a slow resolve in one guild never holds
// up another guild while commands of a single guild never overlap.
type Runtime struct {
	log         zerolog.Logger
	taskTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	idle     *sync.Cond
	lanes    map[string]*lane
	pending  int
	draining bool
}

type lane struct {
	tasks []Task
}

// NewRuntime creates a runtime whose tasks are bounded by taskTimeout.
func NewRuntime(log zerolog.Logger, taskTimeout time.Duration) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		log:         log,
		taskTimeout: taskTimeout,
		ctx:         ctx,
		cancel:      cancel,
		lanes:       make(map[string]*lane),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Submit queues task on the lane named key and returns immediately.
// It fails with ErrShuttingDown once Shutdown has been called.
func (r *Runtime) Submit(key string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return ErrShuttingDown
	}
	r.enqueue(key, task)
	return nil
}

// submitFollowUp queues work that a running task hands on to another lane.
// It is accepted while draining: the submitting task still counts as
// pending, so the drain waits for the follow-up too.
func (r *Runtime) submitFollowUp(key string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == 0 {
		return ErrShuttingDown
	}
	r.enqueue(key, task)
	return nil
}

// enqueue must be called with r.mu held.
func (r *Runtime) enqueue(key string, task Task) {
	r.pending++
	if l, ok := r.lanes[key]; ok {
		l.tasks = append(l.tasks, task)
		return
	}

	l := &lane{tasks: []Task{task}}
	r.lanes[key] = l
	go r.runLane(key, l)
}

// runLane drains a lane and retires it once empty. The emptiness check and
// the retirement happen under r.mu, the same lock Submit appends under, so
// a task is never left on a lane nobody runs.
func (r *Runtime) runLane(key string, l *lane) {
	for {
		r.mu.Lock()
		if len(l.tasks) == 0 {
			delete(r.lanes, key)
			r.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		r.mu.Unlock()

		r.run(key, task)

		r.mu.Lock()
		r.pending--
		if r.pending == 0 {
			r.idle.Broadcast()
		}
		r.mu.Unlock()
	}
}

func (r *Runtime) run(key string, task Task) {
	ctx, cancel := context.WithTimeout(r.ctx, r.taskTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("lane", key).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
		}
	}()

	task(ctx)
}

// Pending returns the number of queued and running tasks.
func (r *Runtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Draining reports whether Shutdown has been called.
func (r *Runtime) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// Flush waits until no task is queued or running, or ctx ends.
func (r *Runtime) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.idle.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.idle.Wait()
	}
	return nil
}

// Shutdown stops accepting tasks and waits for queued and in-flight ones.
// When ctx ends first the contexts of remaining tasks are cancelled.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	pending := r.pending
	r.mu.Unlock()

	r.log.Info().Int("pending", pending).Msg("draining runtime")

	err := r.Flush(ctx)
	r.cancel()
	if err != nil {
		r.log.Warn().Err(err).Int("pending", r.Pending()).Msg("runtime drain cut short")
		return fmt.Errorf("drain runtime: %w", err)
	}
	r.log.Info().Msg("runtime drained")
	return nil
}
