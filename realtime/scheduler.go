package realtime

import (
	"context"
	"sync"
	"time"
)

// every component reasons about timing through this one seam:
// debounce waits, batch ticks and throttle windows are all scheduled here.
// `Cancel` is idempotent. `Flush` runs pending work immediately and returns
// only after it completes, which is required before any exit path that must
// guarantee delivery.

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskDone
	taskCancelled
)

type ScheduledTask struct {
	scheduler *TaskScheduler
	key       string
	fn        func()
	timer     *time.Timer
	done      chan struct{}

	stateLock sync.Mutex
	state     taskState
}

func (self *ScheduledTask) Key() string {
	return self.key
}

// runs the task function exactly once. Safe to call from the timer,
// from `Flush`, or concurrently from both.
func (self *ScheduledTask) fire() {
	self.stateLock.Lock()
	if self.state != taskPending {
		self.stateLock.Unlock()
		return
	}
	self.state = taskRunning
	self.stateLock.Unlock()

	self.fn()

	self.stateLock.Lock()
	self.state = taskDone
	self.stateLock.Unlock()

	close(self.done)
	self.scheduler.remove(self)
}

// cancelling twice, or after the task already ran, is a no-op
func (self *ScheduledTask) Cancel() {
	self.stateLock.Lock()
	if self.state != taskPending {
		self.stateLock.Unlock()
		return
	}
	self.state = taskCancelled
	self.stateLock.Unlock()

	self.timer.Stop()
	close(self.done)
	self.scheduler.remove(self)
}

// runs the task now if still pending, else waits for the
// in flight run to finish
func (self *ScheduledTask) runNow() {
	self.timer.Stop()
	self.fire()
	<-self.done
}

func (self *ScheduledTask) Pending() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state == taskPending
}

type TaskScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	// key -> tasks scheduled under that key
	tasks  map[string]map[*ScheduledTask]bool
	closed bool
}

func NewTaskScheduler(ctx context.Context) *TaskScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TaskScheduler{
		ctx:    cancelCtx,
		cancel: cancel,
		tasks:  map[string]map[*ScheduledTask]bool{},
	}
}

func (self *TaskScheduler) Schedule(key string, delay time.Duration, fn func()) *ScheduledTask {
	task := &ScheduledTask{
		scheduler: self,
		key:       key,
		fn:        fn,
		done:      make(chan struct{}),
		state:     taskPending,
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		task.state = taskCancelled
		close(task.done)
		return task
	}
	keyTasks, ok := self.tasks[key]
	if !ok {
		keyTasks = map[*ScheduledTask]bool{}
		self.tasks[key] = keyTasks
	}
	keyTasks[task] = true
	task.timer = time.AfterFunc(delay, task.fire)
	self.stateLock.Unlock()

	return task
}

func (self *TaskScheduler) remove(task *ScheduledTask) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if keyTasks, ok := self.tasks[task.key]; ok {
		delete(keyTasks, task)
		if len(keyTasks) == 0 {
			delete(self.tasks, task.key)
		}
	}
}

func (self *TaskScheduler) pendingTasks(key string) []*ScheduledTask {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := []*ScheduledTask{}
	for task := range self.tasks[key] {
		out = append(out, task)
	}
	return out
}

func (self *TaskScheduler) allTasks() []*ScheduledTask {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := []*ScheduledTask{}
	for _, keyTasks := range self.tasks {
		for task := range keyTasks {
			out = append(out, task)
		}
	}
	return out
}

// runs all pending tasks for `key` immediately and returns after they complete
func (self *TaskScheduler) Flush(key string) {
	for _, task := range self.pendingTasks(key) {
		task.runNow()
	}
}

func (self *TaskScheduler) FlushAll() {
	for _, task := range self.allTasks() {
		task.runNow()
	}
}

// cancels all pending tasks without running them
func (self *TaskScheduler) CancelAll() {
	for _, task := range self.allTasks() {
		task.Cancel()
	}
}

func (self *TaskScheduler) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, keyTasks := range self.tasks {
		count += len(keyTasks)
	}
	return count
}

func (self *TaskScheduler) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()

	self.CancelAll()
	self.cancel()
}

// fixed delay between successive connect attempts,
// measured from when the attempt started
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining < 0 {
		remaining = 0
	}
	return time.After(remaining)
}
