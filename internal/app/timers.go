package app

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

func bidExpiryKey(bidID uuid.UUID) string {
	return "bid-expiry:" + bidID.String()
}

func withdrawalKey(notificationID uuid.UUID) string {
	return "notification-withdraw:" + notificationID.String()
}

type scheduledTask struct {
	timer *time.Timer
	seq   uint64
}

// TaskTimer runs delayed callbacks keyed by an id so that a decision which
// beats the timer can cancel it deterministically.
type TaskTimer struct {
	mu      sync.Mutex
	tasks   map[string]scheduledTask
	seq     uint64
	stopped bool
}

func NewTaskTimer() *TaskTimer {
	return &TaskTimer{tasks: make(map[string]scheduledTask)}
}

// Schedule runs fn after delay, replacing any task already scheduled under key.
func (t *TaskTimer) Schedule(key string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if existing, ok := t.tasks[key]; ok {
		existing.timer.Stop()
	}
	t.seq++
	seq := t.seq
	timer := time.AfterFunc(delay, func() {
		t.mu.Lock()
		current, ok := t.tasks[key]
		if !ok || current.seq != seq {
			t.mu.Unlock()
			return
		}
		delete(t.tasks, key)
		t.mu.Unlock()
		fn()
	})
	t.tasks[key] = scheduledTask{timer: timer, seq: seq}
}

// Cancel stops the task under key. It reports whether a pending task was removed.
func (t *TaskTimer) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(t.tasks, key)
	return true
}

func (t *TaskTimer) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[key]
	return ok
}

func (t *TaskTimer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Stop cancels every task and rejects new ones.
func (t *TaskTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, task := range t.tasks {
		task.timer.Stop()
		delete(t.tasks, key)
	}
}
