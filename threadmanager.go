package taskz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

const (
	// MaxWorkers bounds the worker pool: the thread manager will not grow
	// past this many goroutines.
	MaxWorkers = 6
	// IdleDismissThreshold is how long a worker must sit idle before it
	// becomes a candidate for dismissal.
	IdleDismissThreshold = 10 * time.Second
	// SchedulerTick is the period of the background pass that tops the
	// pool back up when every worker is busy.
	SchedulerTick = 2310 * time.Millisecond
)

var (
	MetricWorkersIdle     = metricz.Key("threadmanager.workers.idle")
	MetricWorkersWorking  = metricz.Key("threadmanager.workers.working")
	MetricTasksDispatched = metricz.Key("threadmanager.tasks.dispatched")
	MetricTasksPending    = metricz.Key("threadmanager.tasks.pending")

	TraceDispatch = tracez.Key("threadmanager.dispatch")
	TagTarget     = tracez.Tag("threadmanager.target")
	TagPolicy     = tracez.Tag("threadmanager.policy")
)

// moduleTaskCB is a module's scheduling control block: its policy, the
// worker currently pinned to it (sequential modules only; a handler-routed
// module's tasks are pinned through its handler's sequential helper
// module instead), and any tasks waiting for that worker to free up.
type moduleTaskCB struct {
	name            string
	policy          Policy
	pendingTasks    []*Task
	executingWorker *Worker
}

// ThreadManager multiplexes a bounded pool of Workers onto modules
// according to each module's Policy. Exactly one ThreadManager normally
// exists per FrameworkManager.
type ThreadManager struct {
	registry *ModuleRegistry
	clock    clockz.Clock
	metrics  *metricz.Registry
	tracer   *tracez.Tracer

	mu             sync.Mutex
	modules        map[string]*moduleTaskCB
	idleWorkers    []*Worker
	workingWorkers []*Worker
	workNeedAssign []*Task

	tickOnce sync.Once
}

// NewThreadManager constructs a ThreadManager that routes tasks whose
// targets it doesn't recognize through registry.
func NewThreadManager(registry *ModuleRegistry) *ThreadManager {
	metrics := metricz.New()
	metrics.Gauge(MetricWorkersIdle)
	metrics.Gauge(MetricWorkersWorking)
	metrics.Counter(MetricTasksDispatched)
	metrics.Gauge(MetricTasksPending)

	return &ThreadManager{
		registry: registry,
		clock:    clockz.RealClock,
		metrics:  metrics,
		tracer:   tracez.New(),
		modules:  make(map[string]*moduleTaskCB),
	}
}

// WithClock overrides the manager's clock, for deterministic tests.
func (tm *ThreadManager) WithClock(clock clockz.Clock) *ThreadManager {
	tm.mu.Lock()
	tm.clock = clock
	tm.mu.Unlock()
	return tm
}

func (tm *ThreadManager) getClock() clockz.Clock {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.clock == nil {
		return clockz.RealClock
	}
	return tm.clock
}

// Metrics returns the manager's metricz registry.
func (tm *ThreadManager) Metrics() *metricz.Registry { return tm.metrics }

// Tracer returns the manager's tracez tracer.
func (tm *ThreadManager) Tracer() *tracez.Tracer { return tm.tracer }

// RegisterModuleType tells the manager how to schedule tasks targeting
// moduleName. Registering a name a second time overwrites its policy,
// matching thread_manager::register_module_type.
func (tm *ThreadManager) RegisterModuleType(policy Policy, moduleName string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if cb, ok := tm.modules[moduleName]; ok {
		cb.policy = policy
		return
	}
	tm.modules[moduleName] = &moduleTaskCB{name: moduleName, policy: policy}
}

// Run starts the pool: two idle workers if it has no idle worker yet,
// plus one more occupying the calling goroutine if occupyCurrentThread is
// true. The periodic scheduler tick is registered on the first call to
// Run, provided a TimerWheel is registered under TimerModuleName by then;
// later calls never register it, even if the first call found no timer
// module.
func (tm *ThreadManager) Run(ctx context.Context, occupyCurrentThread bool) {
	var current *Worker
	if occupyCurrentThread {
		current = newWorker(tm, tm.getClock())
	}

	tm.mu.Lock()
	if len(tm.idleWorkers) == 0 {
		tm.idleWorkers = append(tm.idleWorkers, newWorker(tm, tm.getClockLocked()), newWorker(tm, tm.getClockLocked()))
		for _, w := range tm.idleWorkers {
			w.Run(ctx, false)
		}
	}
	if current != nil {
		tm.idleWorkers = append(tm.idleWorkers, current)
	}
	tm.mu.Unlock()

	tm.tickOnce.Do(func() {
		tm.registerSchedulerTick(ctx)
	})

	if current != nil {
		current.Run(ctx, true)
	}
}

// registerSchedulerTick wires the periodic top-up pass through the timer
// module, grounded on thread_manager::run's fun closure that registers
// itself with the timer module rather than running on its own ticker.
func (tm *ThreadManager) registerSchedulerTick(ctx context.Context) {
	mod, ok := tm.registry.Get(TimerModuleName)
	if !ok {
		return
	}
	wheel, ok := mod.(*TimerWheel)
	if !ok {
		return
	}
	_, err := wheel.RegisterPeriodic(ctx, "threadmanager.schedule_workers", SchedulerTick, func(context.Context) bool {
		tm.scheduleWorkers(ctx)
		return false
	})
	if err != nil {
		capitan.Error(ctx, SignalFatal, FieldError.Field(err.Error()))
		return
	}
	capitan.Info(ctx, SignalSchedulerTickFired, FieldInterval.Field(float64(SchedulerTick.Milliseconds())))
}

// PostFunc posts fn to run on the concurrent task runner, the generalized
// form of thread_manager::post_task(std::function<void()>).
func (tm *ThreadManager) PostFunc(source string, fn func()) {
	if fn == nil {
		return
	}
	tm.Post(NewExecutableTaskNoReturn(source, TaskRunnerModuleName, fn))
}

// Post routes task according to its target module's registered policy.
// An empty target broadcasts an Event to every registered module (minus
// its Source); an empty target on a non-event task is logged and
// dropped, matching thread_manager::post_task's "no target module"
// branch for non-events.
func (tm *ThreadManager) Post(task *Task) {
	ctx := context.Background()
	ctx, span := tm.tracer.StartSpan(ctx, TraceDispatch)
	span.SetTag(TagTarget, task.Target)
	defer span.Finish()

	if task.Target == "" {
		if task.Kind == KindEvent {
			tm.broadcast(ctx, task)
			return
		}
		capitan.Warn(ctx, SignalTaskRoutedUnknown, FieldSource.Field(task.Source))
		return
	}

	tm.mu.Lock()
	cb, ok := tm.modules[task.Target]
	if !ok {
		tm.mu.Unlock()
		capitan.Error(ctx, SignalModuleUnknownTarget, FieldTarget.Field(task.Target))
		return
	}
	policy := cb.policy
	tm.mu.Unlock()

	span.SetTag(TagPolicy, policy.String())
	tm.metrics.Counter(MetricTasksDispatched).Inc()

	switch policy {
	case Sequential:
		tm.mu.Lock()
		tm.scheduleSequenceTaskLocked(cb, task)
		tm.mu.Unlock()
	case Immediate:
		tm.scheduleImmediateTask(ctx, task)
	case Concurrent:
		tm.mu.Lock()
		tm.scheduleConcurrentTaskLocked(task)
		tm.mu.Unlock()
	case HandlerRouted:
		tm.scheduleHandlerTask(ctx, task)
	default:
		capitan.Error(ctx, SignalFatal, FieldError.Field(fmt.Sprintf("unknown policy %v for %q", policy, task.Target)))
	}
}

// PostBatch posts each task in order.
func (tm *ThreadManager) PostBatch(tasks []*Task) {
	for _, t := range tasks {
		tm.Post(t)
	}
}

// PostDelayed runs fn once, after delay, by registering a one-shot timer
// on the timer module, matching thread_manager::post_delay_task's
// register_once_timer-backed delayed closure.
func (tm *ThreadManager) PostDelayed(ctx context.Context, source string, delay time.Duration, fn func()) error {
	mod, ok := tm.registry.Get(TimerModuleName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, TimerModuleName)
	}
	wheel, ok := mod.(*TimerWheel)
	if !ok {
		return fmt.Errorf("%w: %s is not a timer wheel", ErrUnknownModule, TimerModuleName)
	}
	_, err := wheel.RegisterOnce(ctx, source+".post_delayed", delay, func(context.Context) bool {
		fn()
		return true
	})
	return err
}

// broadcast fans an empty-target event out to every registered module but
// its source, after first giving the registry a chance to apply its own
// local handling (power gating and aggregation), matching
// module_manager::handle_event's target-empty branch: handle_local_event
// runs before the fan-out, and its bool return decides whether the
// fan-out happens at all.
func (tm *ThreadManager) broadcast(ctx context.Context, task *Task) {
	if tm.registry != nil && !tm.registry.handleLocalEvent(ctx, task) {
		return
	}

	tm.mu.Lock()
	targets := make([]string, 0, len(tm.modules))
	for name := range tm.modules {
		if name == task.Source {
			continue
		}
		targets = append(targets, name)
	}
	tm.mu.Unlock()

	for _, target := range targets {
		clone := task.Clone()
		clone.Target = target
		tm.Post(clone)
	}
}

// GetScheduledThreadID reports the worker currently pinned to moduleName,
// if any. Concurrent and Immediate modules are never pinned to a single
// worker, so this always returns false for them, matching
// abstract_module::get_scheduled_thread_id's nullopt contract.
func (tm *ThreadManager) GetScheduledThreadID(moduleName string) (WorkerID, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cb, ok := tm.modules[moduleName]
	if !ok || cb.executingWorker == nil {
		return WorkerID(0), false
	}
	return cb.executingWorker.ID(), true
}

// --- workerHost implementation ---

// dispatch resolves task's target module in the registry and calls
// HandleEvent or HandleTask on it directly — it runs on the calling
// worker's goroutine, matching thread_worker::handle_task's fallthrough
// to module_manager::schedule_task.
func (tm *ThreadManager) dispatch(ctx context.Context, task *Task) {
	mod, ok := tm.registry.Get(task.Target)
	if !ok {
		capitan.Error(ctx, SignalModuleUnknownTarget,
			FieldSource.Field(task.Source), FieldTarget.Field(task.Target))
		return
	}

	if task.Kind == KindEvent {
		mod.HandleEvent(ctx, task)
		return
	}
	mod.HandleTask(ctx, task)
}

func (tm *ThreadManager) pushIdle(w *Worker) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	assigned := false
	for _, cb := range tm.modules {
		if cb.executingWorker == w {
			if len(cb.pendingTasks) == 0 {
				// A Post may have queued onto w after its loop saw an
				// empty queue; keep it pinned so it runs that task before
				// any other worker can take the module's later ones.
				w.mu.Lock()
				queued := len(w.tasks) > 0
				w.mu.Unlock()
				if queued {
					assigned = true
				} else {
					cb.executingWorker = nil
				}
			} else {
				w.PostTasks(cb.pendingTasks)
				cb.pendingTasks = nil
				assigned = true
			}
			continue
		}
		if cb.executingWorker == nil && len(cb.pendingTasks) > 0 {
			if worker, ok := tm.findIdleWorkerLocked(); ok {
				tm.assignWorkLocked(worker, cb.pendingTasks)
				cb.pendingTasks = nil
				cb.executingWorker = worker
			}
		}
	}

	if assigned {
		return
	}

	if len(tm.workNeedAssign) > 0 {
		next := tm.workNeedAssign[0]
		tm.workNeedAssign = tm.workNeedAssign[1:]
		w.PostTask(next)
		return
	}

	if !containsWorker(tm.idleWorkers, w) {
		tm.idleWorkers = append(tm.idleWorkers, w)
	}
	tm.workingWorkers = removeWorkerFrom(tm.workingWorkers, w)
	tm.updateGauges()
}

func (tm *ThreadManager) removeWorker(w *Worker) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.idleWorkers = removeWorkerFrom(tm.idleWorkers, w)
	tm.workingWorkers = removeWorkerFrom(tm.workingWorkers, w)
	for _, cb := range tm.modules {
		if cb.executingWorker == w {
			cb.executingWorker = nil
		}
	}
	capitan.Info(context.Background(), SignalWorkerDismissed, FieldWorkerID.Field(int(w.ID())))
	tm.updateGauges()
}

func (tm *ThreadManager) repost(tasks []*Task) {
	tm.PostBatch(tasks)
}

// --- internal scheduling, all assuming tm.mu held unless noted ---

func (tm *ThreadManager) scheduleWorkers(ctx context.Context) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.scheduleWorkersLocked(ctx)
}

func (tm *ThreadManager) getClockLocked() clockz.Clock {
	if tm.clock == nil {
		return clockz.RealClock
	}
	return tm.clock
}

func (tm *ThreadManager) findIdleWorkerLocked() (*Worker, bool) {
	var w *Worker
	if len(tm.idleWorkers) > 0 {
		w, tm.idleWorkers = tm.idleWorkers[0], tm.idleWorkers[1:]
	} else {
		tm.scheduleWorkersLocked(context.Background())
		if len(tm.idleWorkers) == 0 {
			return nil, false
		}
		w, tm.idleWorkers = tm.idleWorkers[0], tm.idleWorkers[1:]
	}

	tm.dismissLongIdleWorkerLocked()
	return w, true
}

// scheduleWorkersLocked is scheduleWorkers without re-acquiring tm.mu,
// for call sites that already hold it (findIdleWorkerLocked).
func (tm *ThreadManager) scheduleWorkersLocked(ctx context.Context) {
	if len(tm.idleWorkers) > 0 {
		return
	}
	if len(tm.workingWorkers) < MaxWorkers {
		w := newWorker(tm, tm.getClockLocked())
		w.Run(ctx, false)
		tm.idleWorkers = append(tm.idleWorkers, w)
		capitan.Info(ctx, SignalWorkerCreated, FieldWorkerID.Field(int(w.ID())))
	} else {
		capitan.Warn(ctx, SignalWorkerPoolExhaust, FieldWorkerCount.Field(len(tm.workingWorkers)))
	}
}

func (tm *ThreadManager) dismissLongIdleWorkerLocked() {
	if len(tm.idleWorkers) <= 2 {
		return
	}
	for _, w := range tm.idleWorkers {
		if w.IsIdleForLongTime(IdleDismissThreshold) {
			w.ExitLater()
			return
		}
	}
}

func (tm *ThreadManager) assignWorkLocked(w *Worker, tasks []*Task) {
	if len(tasks) == 1 {
		w.PostTask(tasks[0])
	} else {
		w.PostTasks(tasks)
	}
	tm.idleWorkers = removeWorkerFrom(tm.idleWorkers, w)
	if !containsWorker(tm.workingWorkers, w) {
		tm.workingWorkers = append(tm.workingWorkers, w)
	}
	tm.updateGauges()
}

func (tm *ThreadManager) scheduleSequenceTaskLocked(cb *moduleTaskCB, task *Task) {
	if cb.executingWorker != nil {
		cb.executingWorker.PostTask(task)
		return
	}
	if w, ok := tm.findIdleWorkerLocked(); ok {
		tm.assignWorkLocked(w, []*Task{task})
		cb.executingWorker = w
		return
	}
	cb.pendingTasks = append(cb.pendingTasks, task)
}

func (tm *ThreadManager) scheduleImmediateTask(ctx context.Context, task *Task) {
	mod, ok := tm.registry.Get(task.Target)
	if !ok {
		capitan.Error(ctx, SignalModuleUnknownTarget, FieldTarget.Field(task.Target))
		return
	}
	if task.Kind == KindEvent {
		mod.HandleEvent(ctx, task)
		return
	}
	mod.HandleTask(ctx, task)
}

func (tm *ThreadManager) scheduleConcurrentTaskLocked(task *Task) {
	if w, ok := tm.findIdleWorkerLocked(); ok {
		tm.assignWorkLocked(w, []*Task{task})
		return
	}
	tm.workNeedAssign = append(tm.workNeedAssign, task)
	tm.metrics.Gauge(MetricTasksPending).Set(float64(len(tm.workNeedAssign)))
}

func (tm *ThreadManager) scheduleHandlerTask(ctx context.Context, task *Task) {
	mod, ok := tm.registry.Get(task.Target)
	if !ok {
		capitan.Error(ctx, SignalModuleUnknownTarget, FieldTarget.Field(task.Target))
		return
	}
	handler := mod.TaskHandler()
	if handler == nil {
		capitan.Error(ctx, SignalHandlerMissing, FieldTarget.Field(task.Target))
		tm.mu.Lock()
		tm.scheduleConcurrentTaskLocked(task)
		tm.mu.Unlock()
		return
	}
	handler.Handle(ctx, task)
}

func (tm *ThreadManager) updateGauges() {
	tm.metrics.Gauge(MetricWorkersIdle).Set(float64(len(tm.idleWorkers)))
	tm.metrics.Gauge(MetricWorkersWorking).Set(float64(len(tm.workingWorkers)))
}

func containsWorker(list []*Worker, w *Worker) bool {
	for _, existing := range list {
		if existing == w {
			return true
		}
	}
	return false
}

func removeWorkerFrom(list []*Worker, w *Worker) []*Worker {
	for i, existing := range list {
		if existing == w {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
