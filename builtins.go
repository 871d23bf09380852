package taskz

import (
	"context"

	"github.com/zoobzio/capitan"
)

// TaskRunnerModule is the framework's built-in concurrently-scheduled task
// runner: it runs the closure of any executable task whose target is
// itself or empty. Registered under TaskRunnerModuleName, grounded on
// task_runner_module.h/.cpp.
//
// In practice most executable tasks targeting TaskRunnerModuleName never
// reach HandleTask at all — Worker.runTask already runs them inline as an
// optimization — but a task arriving here through Sequential, Immediate,
// or HandlerRouted routing still needs somewhere to land.
type TaskRunnerModule struct {
	BaseModule
}

// NewTaskRunnerModule constructs the framework's default concurrent task
// runner.
func NewTaskRunnerModule() *TaskRunnerModule {
	return &TaskRunnerModule{BaseModule: NewBaseModule(TaskRunnerModuleName, Concurrent)}
}

func (m *TaskRunnerModule) Initialize(ctx context.Context)   { m.setPowerStatus(ctx, PowerOn) }
func (m *TaskRunnerModule) Deinitialize(ctx context.Context) { m.setPowerStatus(ctx, PowerOff) }

func (m *TaskRunnerModule) HandleTask(ctx context.Context, task *Task) {
	if task.Target != "" && task.Target != TaskRunnerModuleName {
		capitan.Error(ctx, SignalTaskRoutedUnknown,
			FieldSource.Field(task.Source), FieldTarget.Field(task.Target))
		return
	}
	if task.Kind != KindExecutable {
		return
	}
	task.RunExecutable()
}

func (m *TaskRunnerModule) HandleEvent(ctx context.Context, ev *Task) {
	switch ev.EventKind {
	case EventPowerOn:
		m.setPowerStatus(ctx, PowerOn)
	case EventPowerOff:
		m.setPowerStatus(ctx, PowerOff)
	}
}

// SeqTaskRunnerModule is a named, sequentially scheduled sibling of
// TaskRunnerModule: one pinned worker runs whatever executable tasks land
// on it, strictly in post order. It backs both the standalone
// SeqTaskRunnerModuleName instance the framework auto-loads and every
// DefaultTaskHandler's private per-handler helper, grounded on
// general_seq_task_runner_module.h.
type SeqTaskRunnerModule struct {
	BaseModule
}

// newSeqTaskRunnerModule constructs a sequential runner under name. Used
// both for the framework's shared SeqTaskRunnerModuleName instance and for
// DefaultTaskHandler's private per-handler helpers.
func newSeqTaskRunnerModule(name string) *SeqTaskRunnerModule {
	return &SeqTaskRunnerModule{BaseModule: NewBaseModule(name, Sequential)}
}

// NewSeqTaskRunnerModule is the exported constructor for standalone
// sequential runners an application registers itself, as opposed to the
// ones DefaultTaskHandler creates internally.
func NewSeqTaskRunnerModule(name string) *SeqTaskRunnerModule {
	return newSeqTaskRunnerModule(name)
}

func (m *SeqTaskRunnerModule) Initialize(ctx context.Context)   { m.setPowerStatus(ctx, PowerOn) }
func (m *SeqTaskRunnerModule) Deinitialize(ctx context.Context) { m.setPowerStatus(ctx, PowerOff) }

func (m *SeqTaskRunnerModule) HandleTask(ctx context.Context, task *Task) {
	if task.Kind != KindExecutable {
		capitan.Error(ctx, SignalTaskRoutedUnknown,
			FieldSource.Field(task.Source), FieldTarget.Field(task.Target))
		return
	}
	task.RunExecutable()
}

func (m *SeqTaskRunnerModule) HandleEvent(ctx context.Context, ev *Task) {
	switch ev.EventKind {
	case EventPowerOn:
		m.setPowerStatus(ctx, PowerOn)
	case EventPowerOff:
		m.setPowerStatus(ctx, PowerOff)
	}
}
