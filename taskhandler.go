package taskz

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/zoobzio/capitan"
)

// TaskHandler lets a module customize how its tasks are scheduled.
// Installing one via BaseModule.SetTaskHandler switches the module's
// policy to HandlerRouted: the ThreadManager stops dispatching that
// module's tasks directly and instead calls Handle, which re-enters the
// pipeline through the handler's own private sequential helper module.
type TaskHandler interface {
	Handle(ctx context.Context, task *Task)
	// CurrentExecutingThreadID reports the worker currently scheduled to
	// run this handler's tasks, if any.
	CurrentExecutingThreadID() (WorkerID, bool)
}

var nextDefaultHandlerID uint64

// DefaultTaskHandler is the out-of-the-box TaskHandler. It owns a private
// SeqTaskRunnerModule-backed helper module and re-posts every task it's
// handed as an executable task targeting that helper; the helper's single
// worker then either runs the task directly (if its real target is the
// concurrent task runner) or calls HandleTask on its real target module
// synchronously. Every task funneled through one DefaultTaskHandler thus
// executes on that handler's helper's worker, in post order, regardless
// of how many modules share the handler — the mechanism handler-routed
// grouping relies on.
type DefaultTaskHandler struct {
	helperName string
	tm         *ThreadManager
	registry   *ModuleRegistry
}

// NewDefaultTaskHandler creates and registers the handler's private
// helper module. An empty name gets a synthesized one, mirroring
// module_task_handler's default_module_task_handler_<n> naming.
func NewDefaultTaskHandler(registry *ModuleRegistry, tm *ThreadManager, name string) *DefaultTaskHandler {
	if name == "" {
		id := atomic.AddUint64(&nextDefaultHandlerID, 1) - 1
		name = fmt.Sprintf("default_module_task_handler_%d", id)
	}

	h := &DefaultTaskHandler{helperName: name, tm: tm, registry: registry}
	helper := newSeqTaskRunnerModule(name)
	if err := registry.Add(context.Background(), helper); err != nil {
		capitan.Error(context.Background(), SignalModuleAddRejected,
			FieldModule.Field(name), FieldError.Field(err.Error()))
	}
	return h
}

// HelperName returns the name of this handler's private sequential
// helper module.
func (h *DefaultTaskHandler) HelperName() string { return h.helperName }

func (h *DefaultTaskHandler) Handle(ctx context.Context, task *Task) {
	target := task.Target
	original := task
	routed := NewExecutableTaskNoReturn(task.Source, h.helperName, func() {
		h.execute(ctx, target, original)
	})
	h.tm.Post(routed)
}

func (h *DefaultTaskHandler) CurrentExecutingThreadID() (WorkerID, bool) {
	return h.tm.GetScheduledThreadID(h.helperName)
}

func (h *DefaultTaskHandler) execute(ctx context.Context, target string, task *Task) {
	if target == "" || target == TaskRunnerModuleName {
		task.RunExecutable()
		return
	}

	mod, ok := h.registry.Get(target)
	if !ok {
		capitan.Error(ctx, SignalModuleUnknownTarget,
			FieldSource.Field(task.Source), FieldTarget.Field(target))
		return
	}
	mod.HandleTask(ctx, task)
}
