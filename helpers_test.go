package taskz

import (
	"context"
	"sync"
)

// recordingModule is a Module used across the test suite to observe which
// tasks and events it was handed, and in what order.
type recordingModule struct {
	BaseModule

	mu     sync.Mutex
	tasks  []*Task
	events []*Task
}

func newRecordingModule(name string, policy Policy) *recordingModule {
	return &recordingModule{BaseModule: NewBaseModule(name, policy)}
}

func (m *recordingModule) HandleTask(_ context.Context, task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
}

func (m *recordingModule) HandleEvent(_ context.Context, ev *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *recordingModule) taskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *recordingModule) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *recordingModule) taskSnapshot() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}
