package transfer

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iwangbowen/simple-scp/internal/timeutil"
)

// ErrInvalidTransition is returned when a state change is not allowed from the
// task's current status.
var ErrInvalidTransition = errors.New("invalid task state transition")

// Type is the direction of a transfer.
type Type string

const (
	Upload   Type = "upload"
	Download Type = "download"
)

// Valid reports whether t is a known transfer direction.
func (t Type) Valid() bool {
	return t == Upload || t == Download
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

// ProgressFunc receives byte progress for a running transfer.
type ProgressFunc func(transferred, total int64)

// ItemProgressFunc receives per-item progress during a directory transfer.
type ItemProgressFunc func(item string, percent float64)

// Params describes a transfer to be tracked.
type Params struct {
	Type        Type
	HostID      string
	HostName    string
	LocalPath   string
	RemotePath  string
	FileName    string
	FileSize    int64
	IsDirectory bool
}

// Task is a single upload or download moving through
// pending -> running -> {completed | failed | cancelled}.
// All methods are safe for concurrent use.
type Task struct {
	mu        sync.RWMutex
	rec       Record
	now       func() time.Time
	listeners []func(Record)
}

// NewTask creates a pending task with a fresh id.
func NewTask(p Params) *Task {
	name := p.FileName
	if name == "" {
		if p.Type == Upload {
			name = path.Base(toSlash(p.LocalPath))
		} else {
			name = path.Base(p.RemotePath)
		}
	}
	t := &Task{now: timeutil.Now}
	t.rec = Record{
		ID:          uuid.New().String(),
		Type:        p.Type,
		HostID:      p.HostID,
		HostName:    p.HostName,
		LocalPath:   p.LocalPath,
		RemotePath:  p.RemotePath,
		FileName:    name,
		FileSize:    p.FileSize,
		IsDirectory: p.IsDirectory,
		Status:      StatusPending,
		CreatedAt:   Timestamp{t.now()},
	}
	return t
}

func (t *Task) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.ID
}

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.Status
}

// Snapshot returns a copy of the task's current state.
func (t *Task) Snapshot() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.Clone()
}

// OnUpdate registers fn to be called with a snapshot after every state or
// progress change. Callbacks run outside the task lock.
func (t *Task) OnUpdate(fn func(Record)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Start moves a pending task to running.
func (t *Task) Start() error {
	return t.transition("start", func(r *Record, now time.Time) bool {
		if r.Status != StatusPending {
			return false
		}
		r.Status = StatusRunning
		r.StartedAt = &Timestamp{now}
		return true
	})
}

// Complete moves a running task to completed and pins progress at 100%.
func (t *Task) Complete() error {
	return t.transition("complete", func(r *Record, now time.Time) bool {
		if r.Status != StatusRunning {
			return false
		}
		r.Status = StatusCompleted
		r.FinishedAt = &Timestamp{now}
		r.Progress = 100
		if r.FileSize > 0 {
			r.Transferred = r.FileSize
		}
		r.Speed = averageSpeed(r.Transferred, r.StartedAt, now)
		r.CurrentItem = ""
		return true
	})
}

// Fail moves a running task to failed with the given message. A task that
// never started cannot fail.
func (t *Task) Fail(message string) error {
	return t.transition("fail", func(r *Record, now time.Time) bool {
		if r.Status != StatusRunning {
			return false
		}
		r.Status = StatusFailed
		r.FinishedAt = &Timestamp{now}
		r.ErrorMessage = message
		return true
	})
}

// Cancel moves a pending or running task to cancelled.
func (t *Task) Cancel() error {
	return t.transition("cancel", func(r *Record, now time.Time) bool {
		if r.Status != StatusPending && r.Status != StatusRunning {
			return false
		}
		r.Status = StatusCancelled
		r.FinishedAt = &Timestamp{now}
		return true
	})
}

// UpdateProgress records byte progress. It reports false and changes nothing
// unless the task is running.
func (t *Task) UpdateProgress(transferred, total int64) bool {
	t.mu.Lock()
	if t.rec.Status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	if total > 0 {
		t.rec.FileSize = total
		t.rec.Progress = percent(transferred, total)
	}
	t.rec.Transferred = transferred
	t.rec.Speed = averageSpeed(transferred, t.rec.StartedAt, t.now())
	snap, listeners := t.rec.Clone(), t.listeners
	t.mu.Unlock()

	notify(listeners, snap)
	return true
}

// UpdateItemProgress records which item of a directory transfer is in flight.
// Ignored unless the task is running.
func (t *Task) UpdateItemProgress(item string, pct float64) bool {
	t.mu.Lock()
	if t.rec.Status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	t.rec.CurrentItem = item
	if pct >= 0 && pct <= 100 {
		t.rec.Progress = pct
	}
	snap, listeners := t.rec.Clone(), t.listeners
	t.mu.Unlock()

	notify(listeners, snap)
	return true
}

func (t *Task) transition(op string, apply func(r *Record, now time.Time) bool) error {
	t.mu.Lock()
	from := t.rec.Status
	if !apply(&t.rec, t.now()) {
		t.mu.Unlock()
		return fmt.Errorf("%s task in state %s: %w", op, from, ErrInvalidTransition)
	}
	snap, listeners := t.rec.Clone(), t.listeners
	t.mu.Unlock()

	notify(listeners, snap)
	return nil
}

func notify(listeners []func(Record), r Record) {
	for _, fn := range listeners {
		fn(r)
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

func averageSpeed(transferred int64, startedAt *Timestamp, now time.Time) float64 {
	if startedAt == nil {
		return 0
	}
	elapsed := now.Sub(startedAt.Time).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(transferred) / elapsed
}

// toSlash normalizes Windows separators so path.Base works on local paths
// coming from any client.
func toSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
