// Package taskz provides an in-process module/task scheduling framework.
//
// # Overview
//
// Application logic is partitioned into named Modules that communicate
// exclusively by posting typed Tasks and Events. A Framework Manager
// composes a Module Registry (name -> module + scheduling policy lookup
// and routing) with a Thread Manager (a bounded pool of Workers multiplexed
// onto modules according to each module's policy). A Timer Wheel rides the
// same Task pipeline to schedule delayed and periodic work.
//
// # Scheduling policies
//
// Every module declares exactly one policy at construction:
//
//   - Concurrent: any idle worker may run any task for this module; tasks
//     run in parallel with no ordering guarantee between them.
//   - Sequential: at most one worker is pinned to the module at a time;
//     tasks run strictly in post order.
//   - Immediate: the task runs synchronously on the posting goroutine,
//     before Post returns. Never touches the worker pool.
//   - HandlerRouted: posts are redirected through the module's TaskHandler,
//     which re-enters on its own private sequential helper module.
//
// # Quick start
//
//	fm := taskz.NewFrameworkManager()
//	fm.Run(ctx, func() []taskz.Module { return []taskz.Module{myModule} }, false)
//	fm.PowerUp("caller")
//	fm.ThreadManager().Post(taskz.NewTask("caller", "my-module", nil))
//
// # Observability
//
// Routing errors, worker creation and dismissal, power transitions and
// timer lifecycle are logged through capitan signals — see signals.go for
// the full list of capitan.Signal and field-key constants. ThreadManager
// and TimerWheel each expose a metricz.Registry of worker, task and timer
// gauges and counters, and every ThreadManager.Post runs inside a tracez
// span.
// Tests and operators can both subscribe via capitan.Hook without
// depending on log text.
//
// # Non-goals
//
// This framework does not do distributed scheduling, preemptive
// cancellation of a running task, priority/fair-share scheduling,
// persistence of queued tasks across process restarts, or protection
// against a task that blocks its worker forever — a worker pinned to a
// hung task is a hung worker, by design matching the substrate this
// package was modeled on.
package taskz
