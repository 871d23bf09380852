package taskz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

const (
	// DefaultLateFireThreshold bounds how far past its due time a repeating
	// timer's firing task may start and still run the callback. A firing
	// that starts later than this skips the callback, so a backed-up worker
	// pool drops overdue firings rather than bursting through all of them
	// back to back; one-shot and final firings always run. Grounded on
	// timer_control_block's repeat-timer pile-up guard.
	DefaultLateFireThreshold = 300 * time.Millisecond

	// earlyWakeTolerance is how far before a timer's due time the wheel's
	// wait is allowed to return without it counting as a spurious wake,
	// grounded on timer_module::handle_timer_expired's "-10, seem like I'm
	// wake up early" check.
	earlyWakeTolerance = -10 * time.Millisecond

	// lateRescheduleFloor is added to "now" when the next timer due is
	// already in the past by the time handle_timer_expired finishes, so the
	// wheel doesn't spin immediately rescheduling itself.
	lateRescheduleFloor = 10 * time.Millisecond
)

var (
	MetricTimersActive = metricz.Key("timer.active")
	MetricTimersFired  = metricz.Key("timer.fired")
)

// TimerCallback fires when a timer comes due. Returning true tells the
// wheel to unregister the timer instead of letting it fire again,
// independent of its remaining trigger count.
type TimerCallback func(ctx context.Context) bool

// timerControlBlock is one registered timer's scheduling state, grounded
// on timer_control_block.h/.cpp.
type timerControlBlock struct {
	id           uint32
	name         string
	interval     time.Duration
	triggerLimit uint32 // 0 means unlimited, matching get_remain_trigger_timers' 0xFFFF convention.
	triggered    uint32
	handleModule string
	callback     TimerCallback

	startTime time.Time
	nextFire  time.Time
}

func (cb *timerControlBlock) start(now time.Time) {
	cb.startTime = now
	cb.nextFire = now.Add(cb.interval)
}

// advance records one firing and recomputes the next due time from the
// timer's original start, mirroring timer_control_block::timer_triggered's
// absolute (not cumulative-drift) schedule.
func (cb *timerControlBlock) advance() {
	cb.triggered++
	cb.nextFire = cb.startTime.Add(cb.interval * time.Duration(cb.triggered+1))
}

func (cb *timerControlBlock) exhausted() bool {
	return cb.triggerLimit > 0 && cb.triggered >= cb.triggerLimit
}

// timerScheduleTask is the internal payload TimerWheel posts to itself to
// occupy a pool worker for the duration of a wait, grounded on
// timer_module_timer_task / timer_schedule_task.
type timerScheduleTask struct {
	wait time.Duration
}

// TimerWheel is the framework's built-in timer module: a sorted list of
// pending timers serviced by one pool worker at a time, parked on a
// wait cell that wakes early whenever a newly registered (or reset) timer
// moves the next due time earlier. Grounded on timer_module.h/.cpp.
//
// TimerWheel runs with Concurrent policy: its wait occupies whichever idle
// worker the thread manager hands it, exactly like any other concurrently
// scheduled task, rather than a goroutine of its own.
type TimerWheel struct {
	BaseModule

	tm                *ThreadManager
	clock             clockz.Clock
	metrics           *metricz.Registry
	lateFireThreshold time.Duration

	mu     sync.Mutex
	timers []*timerControlBlock
	nextID uint32

	waiting  bool
	waitCh   chan struct{}
	wakeUpAt time.Time
}

// NewTimerWheel constructs the wheel. tm is used to post the wait task and
// timer-fired executable tasks back into the pool.
func NewTimerWheel(tm *ThreadManager) *TimerWheel {
	metrics := metricz.New()
	metrics.Gauge(MetricTimersActive)
	metrics.Counter(MetricTimersFired)

	return &TimerWheel{
		BaseModule:        NewBaseModule(TimerModuleName, Concurrent),
		tm:                tm,
		clock:             clockz.RealClock,
		metrics:           metrics,
		lateFireThreshold: DefaultLateFireThreshold,
	}
}

// WithClock overrides the wheel's clock, for deterministic tests.
func (w *TimerWheel) WithClock(clock clockz.Clock) *TimerWheel {
	w.mu.Lock()
	w.clock = clock
	w.mu.Unlock()
	return w
}

// WithLateFireThreshold overrides DefaultLateFireThreshold.
func (w *TimerWheel) WithLateFireThreshold(d time.Duration) *TimerWheel {
	w.mu.Lock()
	w.lateFireThreshold = d
	w.mu.Unlock()
	return w
}

// Metrics returns the wheel's metricz registry.
func (w *TimerWheel) Metrics() *metricz.Registry { return w.metrics }

func (w *TimerWheel) getClock() clockz.Clock {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.clock == nil {
		return clockz.RealClock
	}
	return w.clock
}

// Initialize sets the wheel powered on, matching timer_module::initialize.
func (w *TimerWheel) Initialize(ctx context.Context) { w.setPowerStatus(ctx, PowerOn) }

// Deinitialize sets the wheel powered off, matching
// timer_module::deinitialize. It does not cancel registered timers;
// callers that registered them own that decision.
func (w *TimerWheel) Deinitialize(ctx context.Context) { w.setPowerStatus(ctx, PowerOff) }

// HandleEvent applies power_on/power_off to the wheel's own status.
// power_status_changed and derived events are ignored; anything else is
// logged, matching timer_module::handle_event's default branch.
func (w *TimerWheel) HandleEvent(ctx context.Context, ev *Task) {
	switch ev.EventKind {
	case EventPowerOn:
		w.setPowerStatus(ctx, PowerOn)
	case EventPowerOff:
		w.setPowerStatus(ctx, PowerOff)
	case EventPowerStatusChanged, EventDerived:
	default:
		capitan.Error(ctx, SignalModuleUnknownTarget, FieldModule.Field(w.Name()))
	}
}

// HandleTask recognizes only the wheel's own internal wait task; anything
// else is not this module's concern and is dropped, matching
// timer_module::handle_task's dynamic_pointer_cast guard.
func (w *TimerWheel) HandleTask(ctx context.Context, task *Task) {
	sched, ok := task.Payload.(timerScheduleTask)
	if !ok {
		return
	}
	w.wait(ctx, sched.wait)
	w.handleTimerExpired(ctx)
}

// wait blocks the calling worker for d, or until a newly scheduled timer
// wakes it early via makeScheduleTaskIfNeed, or ctx is canceled.
func (w *TimerWheel) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	wake := make(chan struct{})
	w.mu.Lock()
	w.waiting = true
	w.waitCh = wake
	w.mu.Unlock()

	select {
	case <-w.getClock().After(d):
	case <-wake:
	case <-ctx.Done():
	}

	w.mu.Lock()
	w.waiting = false
	if w.waitCh == wake {
		w.waitCh = nil
	}
	w.mu.Unlock()
}

// makeScheduleTaskIfNeed either wakes the worker already parked in wait
// (if frontFire moved earlier than what it's waiting for) or posts a fresh
// wait task, matching timer_module::make_schedule_task_if_need.
func (w *TimerWheel) makeScheduleTaskIfNeed(ctx context.Context, frontFire time.Time) {
	w.mu.Lock()
	if w.waiting && frontFire.Before(w.wakeUpAt) {
		ch := w.waitCh
		w.waitCh = nil
		w.wakeUpAt = frontFire
		w.mu.Unlock()
		if ch != nil {
			close(ch)
		}
		return
	}
	w.wakeUpAt = frontFire
	w.mu.Unlock()

	delay := frontFire.Sub(w.getClock().Now())
	task := NewTask(w.Name(), w.Name(), timerScheduleTask{wait: delay})
	w.tm.Post(task)
}

// register is the shared core of RegisterPeriodic/RegisterOnce/RegisterN.
func (w *TimerWheel) register(ctx context.Context, name string, interval time.Duration, triggerLimit uint32, handleModule string, fn TimerCallback) (uint32, error) {
	if fn == nil {
		return 0, fmt.Errorf("taskz: timer %q: %w", name, ErrNilTimerCallback)
	}

	id := atomic.AddUint32(&w.nextID, 1)
	cb := &timerControlBlock{
		id:           id,
		name:         name,
		interval:     interval,
		triggerLimit: triggerLimit,
		handleModule: handleModule,
		callback:     fn,
	}
	now := w.getClock().Now()
	cb.start(now)

	w.mu.Lock()
	hadPrev := len(w.timers) > 0
	var prevFront time.Time
	if hadPrev {
		prevFront = w.timers[0].nextFire
	}
	w.timers = append(w.timers, cb)
	sortTimersByDue(w.timers)
	front := w.timers[0].nextFire
	w.mu.Unlock()

	w.metrics.Gauge(MetricTimersActive).Set(float64(w.timerCount()))
	capitan.Info(ctx, SignalTimerRegistered,
		FieldTimerID.Field(int(id)), FieldTimerName.Field(name),
		FieldInterval.Field(float64(interval.Milliseconds())))

	if !hadPrev || front.Before(prevFront) {
		w.makeScheduleTaskIfNeed(ctx, front)
	}
	return id, nil
}

// RegisterPeriodic registers a timer that fires every interval until
// Unregister is called or fn returns true.
func (w *TimerWheel) RegisterPeriodic(ctx context.Context, name string, interval time.Duration, fn TimerCallback) (uint32, error) {
	return w.register(ctx, name, interval, 0, "", fn)
}

// RegisterOnce registers a timer that fires exactly once after delay.
func (w *TimerWheel) RegisterOnce(ctx context.Context, name string, delay time.Duration, fn TimerCallback) (uint32, error) {
	return w.register(ctx, name, delay, 1, "", fn)
}

// RegisterN registers a timer that fires every interval, triggerTimes
// times, delivering each firing as an executable task targeting
// handleModule (or the concurrent task runner, if handleModule is empty).
// Matches the full register_timer overload set.
func (w *TimerWheel) RegisterN(ctx context.Context, name string, interval time.Duration, triggerTimes uint32, handleModule string, fn TimerCallback) (uint32, error) {
	return w.register(ctx, name, interval, triggerTimes, handleModule, fn)
}

// Reset changes a pending timer's interval without affecting its
// trigger count or next scheduled fire, matching timer_module::reset_timer.
func (w *TimerWheel) Reset(id uint32, interval time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cb := range w.timers {
		if cb.id == id {
			cb.interval = interval
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrTimerNotFound, id)
}

// Unregister removes a timer before it fires again, matching
// timer_module::undregister_timer.
func (w *TimerWheel) Unregister(ctx context.Context, id uint32) error {
	w.mu.Lock()
	idx := -1
	for i, cb := range w.timers {
		if cb.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		w.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTimerNotFound, id)
	}
	name := w.timers[idx].name
	w.timers = append(w.timers[:idx], w.timers[idx+1:]...)
	w.mu.Unlock()

	w.metrics.Gauge(MetricTimersActive).Set(float64(w.timerCount()))
	capitan.Info(ctx, SignalTimerUnregistered, FieldTimerID.Field(int(id)), FieldTimerName.Field(name))
	return nil
}

func (w *TimerWheel) timerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// handleTimerExpired drains every timer due by now, posts their firings,
// requeues the repeating ones, and arranges the next wait. Grounded on
// timer_module::handle_timer_expired.
//
// Unlike the original, which mutates a shared list in place and relies on
// a self-targeted unregister task to drop exhausted timers mid-iteration,
// this removes all due timers up front and requeues the repeating ones
// afterward — equivalent bookkeeping without iterator invalidation games
// Go's slices don't need.
func (w *TimerWheel) handleTimerExpired(ctx context.Context) {
	now := w.getClock().Now()

	w.mu.Lock()
	sortTimersByDue(w.timers)
	cut := 0
	for cut < len(w.timers) {
		diff := now.Sub(w.timers[cut].nextFire)
		if diff < earlyWakeTolerance {
			break
		}
		cut++
	}
	fired := w.timers[:cut]
	w.timers = w.timers[cut:]
	w.mu.Unlock()

	for _, cb := range fired {
		w.fireTimer(ctx, cb)
		if cb.exhausted() {
			capitan.Info(ctx, SignalTimerUnregistered, FieldTimerID.Field(int(cb.id)), FieldTimerName.Field(cb.name))
			continue
		}
		w.mu.Lock()
		w.timers = append(w.timers, cb)
		w.mu.Unlock()
	}

	w.mu.Lock()
	sortTimersByDue(w.timers)
	hasMore := len(w.timers) > 0
	var front time.Time
	if hasMore {
		front = w.timers[0].nextFire
	}
	w.mu.Unlock()

	w.metrics.Gauge(MetricTimersActive).Set(float64(w.timerCount()))
	if !hasMore {
		return
	}

	if front.Before(now) {
		front = now.Add(lateRescheduleFloor)
	}
	w.makeScheduleTaskIfNeed(ctx, front)
}

// fireTimer posts cb's callback as an executable task and advances its
// schedule. The task itself re-checks elapsed time against
// lateFireThreshold before actually invoking the callback, so a repeating
// timer backed up behind a busy pool collapses its missed firings into
// one instead of bursting through all of them, matching
// timer_module::handle_timer_expired's inline lambda guard.
//
// The posted closure always returns false. A task targeting
// TaskRunnerModuleName has its executable return value read by the
// worker loop as "exit this worker", not as a timer-domain signal —
// letting a TimerCallback's true flow out there would dismiss the pool
// worker that happened to run the fire instead of unregistering the
// timer. When fn reports true, this unregisters cb itself instead,
// matching timer_module::on_triggered's exhaustion path.
func (w *TimerWheel) fireTimer(ctx context.Context, cb *timerControlBlock) {
	id, name, dueAt := cb.id, cb.name, cb.nextFire
	repeating := cb.triggerLimit == 0 || cb.triggered+1 < cb.triggerLimit
	fn := cb.callback

	target := cb.handleModule
	if target == "" {
		target = TaskRunnerModuleName
	}

	task := NewExecutableTask(w.Name(), target, func() bool {
		if repeating && w.getClock().Now().Sub(dueAt) > w.lateFireThreshold {
			capitan.Info(ctx, SignalTimerCoalesced, FieldTimerID.Field(int(id)), FieldTimerName.Field(name))
			return false
		}
		w.metrics.Counter(MetricTimersFired).Inc()
		capitan.Info(ctx, SignalTimerFired, FieldTimerID.Field(int(id)), FieldTimerName.Field(name))
		if fn(ctx) {
			_ = w.Unregister(ctx, id)
		}
		return false
	})
	w.tm.Post(task)

	cb.advance()
}

func sortTimersByDue(timers []*timerControlBlock) {
	sort.Slice(timers, func(i, j int) bool {
		return timers[i].nextFire.Before(timers[j].nextFire)
	})
}
