package taskz

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
)

// Well-known module names, mirroring abstract_module's s_*_module_name
// constants. Modules registered under these names get framework-provided
// behavior: TimerModuleName is the built-in TimerWheel, TaskRunnerModuleName
// and SeqTaskRunnerModuleName are the built-in executable-task runners
// from builtins.go.
const (
	TimerModuleName          = "timer_module"
	ModuleRegistryName       = "module_manager"
	TaskRunnerModuleName     = "task_runner_module"
	SeqTaskRunnerModuleName  = "general_seq_task_runner_module"
)

// Policy controls how the ThreadManager schedules tasks targeting a
// module.
type Policy uint8

const (
	// Concurrent lets any idle worker run any task for this module; no
	// ordering guarantee between tasks.
	Concurrent Policy = iota
	// Sequential pins at most one worker to this module at a time; tasks
	// run in post order.
	Sequential
	// Immediate runs the task synchronously on the posting goroutine.
	Immediate
	// HandlerRouted redirects posts through the module's TaskHandler.
	HandlerRouted
)

func (p Policy) String() string {
	switch p {
	case Concurrent:
		return "concurrent"
	case Sequential:
		return "sequential"
	case Immediate:
		return "immediate"
	case HandlerRouted:
		return "handler_routed"
	default:
		return "unknown"
	}
}

// PowerStatus is a module's place in the power state machine.
type PowerStatus uint8

const (
	PowerOff PowerStatus = iota
	PoweringOn
	PowerOn
	PoweringOff
)

func (s PowerStatus) String() string {
	switch s {
	case PowerOff:
		return "power_off"
	case PoweringOn:
		return "powering_on"
	case PowerOn:
		return "power_on"
	case PoweringOff:
		return "powering_off"
	default:
		return "unknown"
	}
}

// Module is the unit of registration in a ModuleRegistry. Implementations
// normally embed BaseModule rather than implement the bookkeeping methods
// by hand.
type Module interface {
	Name() string
	Policy() Policy
	Initialize(ctx context.Context)
	Deinitialize(ctx context.Context)
	HandleTask(ctx context.Context, task *Task)
	HandleEvent(ctx context.Context, event *Task)

	PowerStatus() PowerStatus
	setPowerStatus(ctx context.Context, status PowerStatus)

	// bindThreadManager wires the ThreadManager a module posts its own
	// power_status_changed broadcast through. Called once by
	// ModuleRegistry.Add; unexported since only the registry calls it.
	bindThreadManager(tm *ThreadManager)

	// TaskHandler returns the module's handler-routed TaskHandler, or nil
	// if it has none. Only meaningful when Policy() == HandlerRouted.
	TaskHandler() TaskHandler
}

// BaseModule implements the bookkeeping portion of Module: name, policy,
// power status, and task-handler slot. Embed it in a concrete module type
// and implement Initialize/Deinitialize/HandleTask/HandleEvent.
type BaseModule struct {
	name   string
	policy Policy

	mu          sync.RWMutex
	powerStatus PowerStatus
	handler     TaskHandler
	tm          *ThreadManager
}

// NewBaseModule constructs a BaseModule. Modules default to PowerOn,
// matching abstract_module's "we treat a module that doesn't need power
// on as already on" default.
func NewBaseModule(name string, policy Policy) BaseModule {
	return BaseModule{
		name:        name,
		policy:      policy,
		powerStatus: PowerOn,
	}
}

func (m *BaseModule) Name() string   { return m.name }
func (m *BaseModule) Policy() Policy { return m.policy }

func (m *BaseModule) PowerStatus() PowerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.powerStatus
}

// bindThreadManager wires tm so a real power transition can broadcast
// power_status_changed. Called by ModuleRegistry.Add.
func (m *BaseModule) bindThreadManager(tm *ThreadManager) {
	m.mu.Lock()
	m.tm = tm
	m.mu.Unlock()
}

// setPowerStatus records status and, on a real transition, posts
// power_status_changed so the registry's aggregator sees it — matching
// abstract_module::set_power_status's post_task call on an actual change.
func (m *BaseModule) setPowerStatus(ctx context.Context, status PowerStatus) {
	m.mu.Lock()
	changed := m.powerStatus != status
	m.powerStatus = status
	name := m.name
	tm := m.tm
	m.mu.Unlock()

	if !changed {
		return
	}
	capitan.Info(ctx, SignalModulePowerChanged, FieldModule.Field(name), FieldPowerStatus.Field(status.String()))
	if tm != nil {
		tm.Post(NewPowerStatusChangedEvent(name, name))
	}
}

// SetTaskHandler installs h and switches this module's policy to
// HandlerRouted, matching abstract_module::set_task_handler's behavior of
// forcing module_type to handler_shchedule as a side effect.
func (m *BaseModule) SetTaskHandler(h TaskHandler) {
	m.mu.Lock()
	m.handler = h
	m.policy = HandlerRouted
	m.mu.Unlock()
}

func (m *BaseModule) TaskHandler() TaskHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

// Initialize and Deinitialize are no-ops by default; concrete modules
// override them when they have setup/teardown to do.
func (m *BaseModule) Initialize(context.Context)   {}
func (m *BaseModule) Deinitialize(context.Context) {}
