package taskz

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
)

// ModuleMaker builds the application's modules, handed to
// FrameworkManager.Run. It mirrors the original's
// std::function<vector<shared_ptr<abstract_module>>()> module factory.
type ModuleMaker func() []Module

// FrameworkManager composes a ModuleRegistry, a ThreadManager, and an
// InfoRegistry into the one object an application wires up and runs.
// Grounded on framework_manager.h/.cpp.
type FrameworkManager struct {
	registry *ModuleRegistry
	tm       *ThreadManager
	info     *InfoRegistry

	mu      sync.Mutex
	running bool
}

// NewFrameworkManager constructs an unstarted framework instance. Most
// applications only need one, but unlike the original's process-wide
// get_instance() singleton, construction here is explicit — see
// DefaultFramework for the process-wide accessor built on top of it.
func NewFrameworkManager() *FrameworkManager {
	registry := NewModuleRegistry()
	tm := NewThreadManager(registry)
	registry.SetThreadManager(tm)

	return &FrameworkManager{
		registry: registry,
		tm:       tm,
		info:     NewInfoRegistry(),
	}
}

// Registry returns the framework's module registry.
func (f *FrameworkManager) Registry() *ModuleRegistry { return f.registry }

// ThreadManager returns the framework's thread manager.
func (f *FrameworkManager) ThreadManager() *ThreadManager { return f.tm }

// Info returns the framework's information registry.
func (f *FrameworkManager) Info() *InfoRegistry { return f.info }

// IsRunning reports whether Run has been called, matching
// framework_manager::is_running. It turns true as Run begins, before the
// modules are loaded and the pool is started.
func (f *FrameworkManager) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// OnPowerChanged subscribes handler to aggregate power transitions across
// every registered module.
func (f *FrameworkManager) OnPowerChanged(handler func(context.Context, PowerChangedEvent) error) (func(), error) {
	return f.registry.OnPowerChanged(handler)
}

// Run loads the framework's built-in modules (timer wheel, concurrent task
// runner, sequential task runner), adds every module moduleMaker returns,
// and starts the worker pool. A second call is a no-op, matching
// framework_manager::run's is_running guard.
func (f *FrameworkManager) Run(ctx context.Context, moduleMaker ModuleMaker, occupyCurrentThread bool) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.loadModules(ctx, moduleMaker)
	f.tm.Run(ctx, occupyCurrentThread)
}

// loadModules adds the built-ins and then every module moduleMaker
// returns, matching module_manager::load_modules's auto-added
// timer_module/task_runner_module/general_seq_task_runner_module trio
// followed by the caller-supplied set.
func (f *FrameworkManager) loadModules(ctx context.Context, moduleMaker ModuleMaker) {
	builtins := []Module{
		NewTimerWheel(f.tm),
		NewTaskRunnerModule(),
		newSeqTaskRunnerModule(SeqTaskRunnerModuleName),
	}
	for _, mod := range builtins {
		if err := f.registry.Add(ctx, mod); err != nil {
			capitan.Error(ctx, SignalModuleAddRejected, FieldModule.Field(mod.Name()), FieldError.Field(err.Error()))
		}
	}

	if moduleMaker == nil {
		return
	}
	for _, mod := range moduleMaker() {
		if err := f.registry.Add(ctx, mod); err != nil {
			capitan.Error(ctx, SignalModuleAddRejected, FieldModule.Field(mod.Name()), FieldError.Field(err.Error()))
		}
	}
}

// PowerUp broadcasts power_on to every registered module, matching
// framework_manager::power_up.
func (f *FrameworkManager) PowerUp(source string) {
	f.tm.Post(NewEvent(source, "", EventPowerOn))
}

// PowerDown broadcasts power_off to every registered module. The original
// exposes no symmetric power_down, but the registry's gating logic
// (handle_power_off) is fully symmetric with power_up and every module's
// HandleEvent already handles EventPowerOff, so withholding it here would
// just push the same broadcast through application code instead.
func (f *FrameworkManager) PowerDown(source string) {
	f.tm.Post(NewEvent(source, "", EventPowerOff))
}

var (
	defaultFramework     *FrameworkManager
	defaultFrameworkOnce sync.Once
)

// DefaultFramework returns the process-wide FrameworkManager, constructing
// it on first use. Grounded on framework_manager::get_instance, layered
// here on top of the explicit NewFrameworkManager constructor rather than
// replacing it — tests and multi-framework hosts should prefer
// NewFrameworkManager directly.
func DefaultFramework() *FrameworkManager {
	defaultFrameworkOnce.Do(func() {
		defaultFramework = NewFrameworkManager()
	})
	return defaultFramework
}
