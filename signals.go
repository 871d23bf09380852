package taskz

import "github.com/zoobzio/capitan"

// Signal constants for taskz's internal events.
// Signals follow the pattern: <component>.<event>.
const (
	// Thread manager / worker pool signals.
	SignalWorkerCreated      capitan.Signal = "threadmanager.worker.created"
	SignalWorkerDismissed    capitan.Signal = "threadmanager.worker.dismissed"
	SignalWorkerPoolExhaust  capitan.Signal = "threadmanager.pool.exhausted"
	SignalTaskRoutedUnknown  capitan.Signal = "threadmanager.task.unknown_target"
	SignalTaskDispatched     capitan.Signal = "threadmanager.task.dispatched"
	SignalHandlerMissing     capitan.Signal = "threadmanager.handler.missing"
	SignalSchedulerTickFired capitan.Signal = "threadmanager.scheduler.tick"

	// Module registry signals.
	SignalModuleAdded          capitan.Signal = "registry.module.added"
	SignalModuleAddRejected    capitan.Signal = "registry.module.add_rejected"
	SignalModuleRemoved        capitan.Signal = "registry.module.removed"
	SignalModuleUnknownTarget  capitan.Signal = "registry.task.unknown_target"
	SignalPowerGated           capitan.Signal = "registry.power.gated"
	SignalPowerAggregateChange capitan.Signal = "registry.power.aggregate_changed"
	SignalPowerConflict        capitan.Signal = "registry.power.conflicting_transition"

	// Module power-state signals.
	SignalModulePowerChanged capitan.Signal = "module.power.changed"

	// Timer wheel signals.
	SignalTimerRegistered capitan.Signal = "timer.registered"
	SignalTimerFired      capitan.Signal = "timer.fired"
	SignalTimerCoalesced  capitan.Signal = "timer.late_fire_coalesced"
	SignalTimerUnregistered capitan.Signal = "timer.unregistered"

	// Invariant violations and unexpected internal failures. Emitting it
	// does not stop the process; raiseInvariant panics after logging it.
	SignalFatal capitan.Signal = "taskz.fatal"
)

// Common field keys using capitan's primitive key types, mirroring the
// teacher's own signals.go pattern of typed field keys over bare strings.
var (
	FieldModule       = capitan.NewStringKey("module")
	FieldSource       = capitan.NewStringKey("source")
	FieldTarget       = capitan.NewStringKey("target")
	FieldFile         = capitan.NewStringKey("file")
	FieldLine         = capitan.NewIntKey("line")
	FieldError        = capitan.NewStringKey("error")
	FieldWorkerID     = capitan.NewIntKey("worker_id")
	FieldWorkerCount  = capitan.NewIntKey("worker_count")
	FieldIdleCount    = capitan.NewIntKey("idle_count")
	FieldWorkingCount = capitan.NewIntKey("working_count")
	FieldTimerID      = capitan.NewIntKey("timer_id")
	FieldTimerName    = capitan.NewStringKey("timer_name")
	FieldInterval     = capitan.NewFloat64Key("interval_ms")
	FieldPowerStatus  = capitan.NewStringKey("power_status")
)
