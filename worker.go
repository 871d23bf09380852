package taskz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// WorkerID identifies a Worker for the lifetime of the process. It stands
// in for the original's native OS thread id, which Go has no portable,
// cgo-free equivalent for.
type WorkerID uint64

var nextWorkerID uint64

func newWorkerID() WorkerID {
	return WorkerID(atomic.AddUint64(&nextWorkerID, 1))
}

// workerHost is the surface a Worker needs back onto its owning
// ThreadManager: resolving a task's target module and reporting itself
// idle or removed.
type workerHost interface {
	dispatch(ctx context.Context, task *Task)
	pushIdle(w *Worker)
	removeWorker(w *Worker)
	repost(tasks []*Task)
}

// Worker is a goroutine with a private FIFO task queue, woken by a
// condition variable whenever work arrives. It reports itself idle to its
// host whenever its queue drains, and exits (draining any unprocessed
// tasks back to the host) when told to via ExitLater or when a task it
// ran asks to exit.
type Worker struct {
	id    WorkerID
	host  workerHost
	clock clockz.Clock

	mu            sync.Mutex
	cond          *sync.Cond
	tasks         []*Task
	running       bool
	lastExecuting time.Time

	startOnce sync.Once
}

func newWorker(host workerHost, clock clockz.Clock) *Worker {
	if clock == nil {
		clock = clockz.RealClock
	}
	w := &Worker{
		id:            newWorkerID(),
		host:          host,
		clock:         clock,
		running:       true,
		lastExecuting: clock.Now(),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// ID returns this worker's identity.
func (w *Worker) ID() WorkerID { return w.id }

// Run starts the worker's loop. If occupyCurrentThread is true the loop
// runs on the calling goroutine, blocking it, matching thread_worker::run's
// a_accupy_cureent_thread parameter. Otherwise it starts on a new
// goroutine and Run returns immediately; later calls are no-ops.
func (w *Worker) Run(ctx context.Context, occupyCurrentThread bool) {
	if occupyCurrentThread {
		w.loop(ctx)
		return
	}
	w.startOnce.Do(func() {
		go w.loop(ctx)
	})
}

// PostTask enqueues task on this worker's private queue and wakes it.
func (w *Worker) PostTask(task *Task) {
	if task.DebugInfo != "" {
		capitan.Info(context.Background(), SignalTaskDispatched,
			FieldWorkerID.Field(int(w.id)), FieldTarget.Field(task.Target))
	}
	w.mu.Lock()
	w.tasks = append(w.tasks, task)
	w.mu.Unlock()
	w.cond.Broadcast()
}

// PostTasks enqueues a batch of tasks in order and wakes the worker once.
func (w *Worker) PostTasks(tasks []*Task) {
	if len(tasks) == 0 {
		return
	}
	w.mu.Lock()
	w.tasks = append(w.tasks, tasks...)
	w.mu.Unlock()
	w.cond.Broadcast()
}

// IsIdleForLongTime reports whether this worker has run nothing for at
// least threshold.
func (w *Worker) IsIdleForLongTime(threshold time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clock.Now().Sub(w.lastExecuting) >= threshold
}

// ExitLater marks the worker to stop once the task it is running finishes
// and wakes it if it is currently idle-waiting. Every task it has not yet
// run at that point, the rest of its in-flight batch and anything still
// in its queue, is handed back to the host via repost.
func (w *Worker) ExitLater() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	noop := &Task{Kind: KindExecutable, Func: func() bool { return false }, Pos: callerPosition(2)}
	w.PostTask(noop)
}

func (w *Worker) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.running
}

func (w *Worker) loop(ctx context.Context) {
	leave := func(rest []*Task) {
		w.host.removeWorker(w)
		w.mu.Lock()
		rest = append(rest, w.tasks...)
		w.tasks = nil
		w.mu.Unlock()
		if len(rest) > 0 {
			w.host.repost(rest)
		}
	}

	for {
		if w.stopped() {
			leave(nil)
			return
		}

		w.mu.Lock()
		if len(w.tasks) == 0 {
			w.mu.Unlock()
			w.host.pushIdle(w)
			w.mu.Lock()
			for len(w.tasks) == 0 {
				w.cond.Wait()
			}
		}
		batch := w.tasks
		w.tasks = nil
		w.mu.Unlock()

		for i, task := range batch {
			exit := w.runTask(ctx, task)

			if exit || w.stopped() {
				leave(batch[i+1 : len(batch) : len(batch)])
				return
			}

			w.mu.Lock()
			w.lastExecuting = w.clock.Now()
			w.mu.Unlock()
		}
	}
}

// runTask executes one task. A KindExecutable task targeting the
// built-in concurrent task runner (or with no target at all) runs
// directly; everything else is handed to the host for routing to its
// target module's HandleTask/HandleEvent.
func (w *Worker) runTask(ctx context.Context, task *Task) bool {
	if task.Kind == KindExecutable && (task.Target == TaskRunnerModuleName || task.Target == "") {
		return task.RunExecutable()
	}
	w.host.dispatch(ctx, task)
	return false
}
