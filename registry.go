package taskz

import (
	"context"
	"fmt"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
)

// PowerChangedEvent is delivered to ModuleRegistry.OnPowerChanged
// subscribers whenever the aggregate power status across every
// registered module changes.
type PowerChangedEvent struct {
	Status PowerStatus
}

// PowerChangedKey is the hookz key PowerChangedEvent is emitted under.
var PowerChangedKey = hookz.Key("registry.power.changed")

// ModuleRegistry owns the name -> Module map, routes tasks and events to
// their targets (or fans an empty-target event out to every module), and
// aggregates individual module power statuses into one framework-wide
// PowerStatus.
type ModuleRegistry struct {
	tm *ThreadManager

	mu      sync.RWMutex
	modules map[string]Module

	hooks *hookz.Hooks[PowerChangedEvent]

	aggMu     sync.Mutex
	aggStatus PowerStatus
}

// NewModuleRegistry constructs an empty registry. SetThreadManager must
// be called (usually by FrameworkManager) before Add, since adding a
// module registers its policy with the thread manager.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		modules:   make(map[string]Module),
		hooks:     hookz.New[PowerChangedEvent](),
		aggStatus: PowerOff,
	}
}

// SetThreadManager wires the thread manager this registry registers
// module policies with. Must be called once before the registry is used.
func (r *ModuleRegistry) SetThreadManager(tm *ThreadManager) {
	r.mu.Lock()
	r.tm = tm
	r.mu.Unlock()
}

// OnPowerChanged subscribes handler to aggregate power transitions.
func (r *ModuleRegistry) OnPowerChanged(handler func(context.Context, PowerChangedEvent) error) (func(), error) {
	return r.hooks.Hook(PowerChangedKey, handler)
}

// Close releases the registry's hook subscriptions.
func (r *ModuleRegistry) Close() { r.hooks.Close() }

// Add registers mod, wires its policy into the thread manager, calls its
// Initialize, and immediately syncs it to the registry's current
// aggregate power status — mirroring add_new_module's
// initialize-then-deliver-current-power-event sequence. Adding a name
// already in use is rejected and logged rather than overwriting the
// existing module.
func (r *ModuleRegistry) Add(ctx context.Context, mod Module) error {
	r.mu.Lock()
	if _, exists := r.modules[mod.Name()]; exists {
		r.mu.Unlock()
		capitan.Error(ctx, SignalModuleAddRejected, FieldModule.Field(mod.Name()))
		return fmt.Errorf("%w: %s", ErrModuleExists, mod.Name())
	}
	r.modules[mod.Name()] = mod
	tm := r.tm
	r.mu.Unlock()

	if tm != nil {
		tm.RegisterModuleType(mod.Policy(), mod.Name())
		mod.bindThreadManager(tm)
	}
	mod.Initialize(ctx)
	capitan.Info(ctx, SignalModuleAdded, FieldModule.Field(mod.Name()))

	r.aggMu.Lock()
	current := r.aggStatus
	r.aggMu.Unlock()

	switch current {
	case PowerOn, PoweringOn:
		mod.HandleEvent(ctx, NewEvent("", mod.Name(), EventPowerOn))
	case PowerOff, PoweringOff:
		mod.HandleEvent(ctx, NewEvent("", mod.Name(), EventPowerOff))
	}
	return nil
}

// Remove deinitializes and unregisters the module named name, if present.
func (r *ModuleRegistry) Remove(ctx context.Context, name string) {
	r.mu.Lock()
	mod, ok := r.modules[name]
	if ok {
		delete(r.modules, name)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	mod.Deinitialize(ctx)
	capitan.Info(ctx, SignalModuleRemoved, FieldModule.Field(name))
}

// Get looks up a registered module by name.
func (r *ModuleRegistry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	return mod, ok
}

func (r *ModuleRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	return names
}

// HandleEvent routes ev: power_on/power_off/power_status_changed are
// handled locally (power gating and aggregation) before — or instead of
// — being forwarded, matching module_manager::handle_local_event's
// pass-to-other-modules return contract. Every other event kind that
// arrives with an empty target is broadcast to every module but ev's
// Source.
func (r *ModuleRegistry) HandleEvent(ctx context.Context, ev *Task) {
	if ev.Target != "" {
		if mod, ok := r.Get(ev.Target); ok {
			mod.HandleEvent(ctx, ev)
			return
		}
		capitan.Error(ctx, SignalModuleUnknownTarget, FieldTarget.Field(ev.Target))
		return
	}

	passThrough := r.handleLocalEvent(ctx, ev)
	if !passThrough {
		return
	}

	for _, name := range r.names() {
		if name == ev.Source {
			continue
		}
		mod, ok := r.Get(name)
		if !ok {
			continue
		}
		mod.HandleEvent(ctx, ev)
	}
}

// handleLocalEvent applies the registry's own power-gating logic for
// power_on/power_off/power_status_changed events. It returns whether the
// event should still be forwarded to every module.
func (r *ModuleRegistry) handleLocalEvent(ctx context.Context, ev *Task) bool {
	switch ev.EventKind {
	case EventPowerStatusChanged:
		return r.handleModulePowerChanged(ctx, ev.ModuleName)
	case EventPowerOn:
		return r.handlePowerOn(ctx)
	case EventPowerOff:
		return r.handlePowerOff(ctx)
	default:
		return true
	}
}

type moduleStatusCounts struct {
	on, off, oning, offing, total int
}

func (r *ModuleRegistry) moduleStatus() moduleStatusCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c moduleStatusCounts
	c.total = len(r.modules)
	for _, mod := range r.modules {
		switch mod.PowerStatus() {
		case PowerOn:
			c.on++
		case PowerOff:
			c.off++
		case PoweringOn:
			c.oning++
		case PoweringOff:
			c.offing++
		}
	}
	return c
}

func (r *ModuleRegistry) handlePowerOn(ctx context.Context) bool {
	c := r.moduleStatus()

	if c.on == c.total {
		capitan.Info(ctx, SignalPowerGated, FieldError.Field("already fully powered on"))
		return false
	}
	if c.on+c.oning == c.total {
		capitan.Info(ctx, SignalPowerGated, FieldError.Field("already powering on"))
		return false
	}
	if c.offing > 0 {
		capitan.Error(ctx, SignalPowerConflict, FieldError.Field("cannot power on while powering off"))
		return false
	}
	return true
}

func (r *ModuleRegistry) handlePowerOff(ctx context.Context) bool {
	c := r.moduleStatus()

	if c.off == c.total {
		capitan.Info(ctx, SignalPowerGated, FieldError.Field("already fully powered off"))
		return false
	}
	if c.off+c.offing == c.total {
		capitan.Info(ctx, SignalPowerGated, FieldError.Field("already powering off"))
		return false
	}
	if c.oning > 0 {
		capitan.Error(ctx, SignalPowerConflict, FieldError.Field("cannot power off while powering on"))
		return false
	}
	return true
}

func (r *ModuleRegistry) handleModulePowerChanged(ctx context.Context, moduleName string) bool {
	c := r.moduleStatus()
	capitan.Info(ctx, SignalModulePowerChanged, FieldModule.Field(moduleName))

	r.aggMu.Lock()
	prev := r.aggStatus
	switch {
	case c.on == c.total:
		r.aggStatus = PowerOn
	case c.off == c.total:
		r.aggStatus = PowerOff
	}
	now := r.aggStatus
	r.aggMu.Unlock()

	if now != prev {
		capitan.Info(ctx, SignalPowerAggregateChange, FieldPowerStatus.Field(now.String()))
		if err := r.hooks.Emit(ctx, PowerChangedKey, PowerChangedEvent{Status: now}); err != nil {
			capitan.Error(ctx, SignalFatal, FieldError.Field(err.Error()))
		}
	}
	return true
}

// HandleTask routes task to its target module, or to every module but
// its Source if Target is empty.
func (r *ModuleRegistry) HandleTask(ctx context.Context, task *Task) {
	if task.Target != "" {
		if mod, ok := r.Get(task.Target); ok {
			mod.HandleTask(ctx, task)
			return
		}
		capitan.Error(ctx, SignalModuleUnknownTarget, FieldTarget.Field(task.Target))
		return
	}

	for _, name := range r.names() {
		if name == task.Source {
			continue
		}
		if mod, ok := r.Get(name); ok {
			mod.HandleTask(ctx, task)
		}
	}
}
