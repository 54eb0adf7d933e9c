package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// ErrTaskNotFound is returned when no active task has the given id.
var ErrTaskNotFound = errors.New("transfer task not found")

type activeTask struct {
	task   *Task
	cancel context.CancelFunc
}

// Manager tracks in-flight transfers so they can be listed and cancelled.
// Tasks are removed once the orchestrator calls Finish.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*activeTask // task ID → task
	subs   map[int]func(Record)
	nextID int
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		tasks: make(map[string]*activeTask),
		subs:  make(map[int]func(Record)),
	}
}

// Track registers task. cancel, if non-nil, aborts the work driving it.
// Every subsequent update of the task is forwarded to subscribers.
func (m *Manager) Track(task *Task, cancel context.CancelFunc) {
	m.mu.Lock()
	m.tasks[task.ID()] = &activeTask{task: task, cancel: cancel}
	m.mu.Unlock()

	task.OnUpdate(m.publish)
	m.publish(task.Snapshot())
}

// Finish stops tracking the task with the given id.
func (m *Manager) Finish(id string) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

// Get returns the active task with the given id.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrTaskNotFound)
	}
	return at.task, nil
}

// List returns snapshots of all active tasks, oldest first.
func (m *Manager) List() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.tasks))
	for _, at := range m.tasks {
		out = append(out, at.task.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt.Time)
	})
	return out
}

// Cancel marks the task cancelled and aborts its work. Cancelling a task that
// already reached a terminal state is not an error.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	at, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel task %s: %w", id, ErrTaskNotFound)
	}

	if err := at.task.Cancel(); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	if at.cancel != nil {
		at.cancel()
	}
	log.Printf("[transfer] Cancelled task %s", id)
	return nil
}

// Subscribe registers fn for task updates and returns a function that removes it.
func (m *Manager) Subscribe(fn func(Record)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) publish(r Record) {
	m.mu.RLock()
	subs := make([]func(Record), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(r)
	}
}
