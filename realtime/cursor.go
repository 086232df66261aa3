package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a thin, independent path for presence. Cursor samples are throttled more
// coarsely than object updates since they are purely advisory: never
// retried, never part of backup or reconciliation, and a newer sample for
// the same user supersedes the older one.

type CursorBroadcasterSettings struct {
	Throttle time.Duration
}

func DefaultCursorBroadcasterSettings() *CursorBroadcasterSettings {
	return &CursorBroadcasterSettings{
		Throttle: 50 * time.Millisecond,
	}
}

type CursorBroadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager  *ConnectionManager
	auth     *CanvasAuth
	settings *CursorBroadcasterSettings

	scheduler *TaskScheduler

	stateLock    sync.Mutex
	latest       *Position
	lastSentTime time.Time
	pendingTask  *ScheduledTask
	// user id -> latest remote sample
	remote map[string]CursorSample

	unsubscribe func()
}

func NewCursorBroadcasterWithDefaults(
	ctx context.Context,
	manager *ConnectionManager,
	auth *CanvasAuth,
) *CursorBroadcaster {
	return NewCursorBroadcaster(ctx, manager, auth, DefaultCursorBroadcasterSettings())
}

func NewCursorBroadcaster(
	ctx context.Context,
	manager *ConnectionManager,
	auth *CanvasAuth,
	settings *CursorBroadcasterSettings,
) *CursorBroadcaster {
	cancelCtx, cancel := context.WithCancel(ctx)
	broadcaster := &CursorBroadcaster{
		ctx:       cancelCtx,
		cancel:    cancel,
		manager:   manager,
		auth:      auth,
		settings:  settings,
		scheduler: NewTaskScheduler(cancelCtx),
		remote:    map[string]CursorSample{},
	}
	broadcaster.unsubscribe = manager.Subscribe(
		broadcaster.handleEvent,
		EventKind(MessageCursorMoved),
		EventKind(MessageCursorLeft),
		EventKind(MessageCursorsData),
	)
	return broadcaster
}

// records the local cursor position. At most one cursor_move goes out per
// throttle window, carrying the latest position at send time.
func (self *CursorBroadcaster) Move(position Position) {
	self.stateLock.Lock()
	self.latest = &position

	if self.settings.Throttle <= time.Since(self.lastSentTime) {
		self.stateLock.Unlock()
		self.send()
		return
	}

	if self.pendingTask == nil || !self.pendingTask.Pending() {
		delay := self.settings.Throttle - time.Since(self.lastSentTime)
		self.pendingTask = self.scheduler.Schedule("cursor", delay, self.send)
	}
	self.stateLock.Unlock()
}

func (self *CursorBroadcaster) send() {
	self.stateLock.Lock()
	position := self.latest
	if position == nil {
		self.stateLock.Unlock()
		return
	}
	self.latest = nil
	self.lastSentTime = time.Now()
	self.stateLock.Unlock()

	// advisory only. Failures are not retried.
	err := self.manager.Send(MessageCursorMove, &CursorArgs{
		CanvasId:  self.auth.CanvasId,
		AuthToken: self.auth.Token,
		Position:  *position,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		glog.V(2).Infof("[cursor]move error = %s\n", err)
	}
}

func (self *CursorBroadcaster) Leave() {
	self.stateLock.Lock()
	self.latest = nil
	if self.pendingTask != nil {
		self.pendingTask.Cancel()
		self.pendingTask = nil
	}
	self.stateLock.Unlock()

	err := self.manager.Send(MessageCursorLeave, &CursorArgs{
		CanvasId:  self.auth.CanvasId,
		AuthToken: self.auth.Token,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		glog.V(2).Infof("[cursor]leave error = %s\n", err)
	}
}

func (self *CursorBroadcaster) handleEvent(event *ConnectionEvent) {
	if event.Message == nil {
		return
	}

	switch event.Message.Kind {
	case MessageCursorMoved:
		sample := CursorSample{}
		if err := json.Unmarshal(event.Message.Payload, &sample); err != nil {
			return
		}
		self.applySample(sample)
	case MessageCursorsData:
		data := CursorsDataResult{}
		if err := json.Unmarshal(event.Message.Payload, &data); err != nil {
			return
		}
		for _, sample := range data.Cursors {
			self.applySample(sample)
		}
	case MessageCursorLeft:
		sample := CursorSample{}
		if err := json.Unmarshal(event.Message.Payload, &sample); err != nil {
			return
		}
		self.stateLock.Lock()
		delete(self.remote, sample.UserId)
		self.stateLock.Unlock()
	}
}

func (self *CursorBroadcaster) applySample(sample CursorSample) {
	if sample.UserId == "" {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	existing, ok := self.remote[sample.UserId]
	if ok && sample.Timestamp < existing.Timestamp {
		// stale sample
		return
	}
	self.remote[sample.UserId] = sample
}

// the latest known remote cursor per user
func (self *CursorBroadcaster) Cursors() []CursorSample {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]CursorSample, 0, len(self.remote))
	for _, sample := range self.remote {
		out = append(out, sample)
	}
	return out
}

func (self *CursorBroadcaster) Close() {
	self.unsubscribe()
	self.scheduler.Close()
	self.cancel()
}
