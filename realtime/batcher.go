package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// application-level coalescer that merges rapid repeated edits to the same
// object into one network call per debounce window. Independent of the
// event optimizer; a caller may use either or both.
//
// per (objectId, operation) key only the most recently submitted payload is
// kept. A new submission cancels and replaces any pending one for the same
// key. No merging of partial fields.

type BatchOperation string

const (
	BatchOpPosition   BatchOperation = "position"
	BatchOpResize     BatchOperation = "resize"
	BatchOpProperties BatchOperation = "properties"
	BatchOpCreate     BatchOperation = "create"
	BatchOpDelete     BatchOperation = "delete"
)

func (self BatchOperation) MessageKind() MessageKind {
	switch self {
	case BatchOpCreate:
		return MessageObjectCreated
	case BatchOpDelete:
		return MessageObjectDeleted
	default:
		return MessageObjectUpdated
	}
}

type BatchUpdate struct {
	UpdateId   Id
	ObjectId   string
	Operation  BatchOperation
	Payload    any
	CreatedAt  time.Time
	Priority   Priority
	RetryCount int
	MaxRetries int
}

type UpdateFailureFunction func(update *BatchUpdate, err error)

type BatchUpdateManagerSettings struct {
	// a key that coalesces this many submissions is sent immediately
	MaxBatchSize int
	// cap on the total wait since the first submission for a key
	MaxWaitTime time.Duration
	// priority at or above which the wait is bypassed entirely
	PriorityThreshold Priority
	EnableBatching    bool
	HighWait          time.Duration
	NormalWait        time.Duration
	LowWait           time.Duration
	RetryDelay        time.Duration
	MaxRetries        int
}

func DefaultBatchUpdateManagerSettings() *BatchUpdateManagerSettings {
	return &BatchUpdateManagerSettings{
		MaxBatchSize:      25,
		MaxWaitTime:       1 * time.Second,
		PriorityThreshold: PriorityCritical,
		EnableBatching:    true,
		HighWait:          100 * time.Millisecond,
		NormalWait:        300 * time.Millisecond,
		LowWait:           500 * time.Millisecond,
		RetryDelay:        250 * time.Millisecond,
		MaxRetries:        3,
	}
}

type BatchUpdateStats struct {
	TotalBatches        uint64
	SuccessCount        uint64
	FailureCount        uint64
	AverageBatchSize    float64
	AverageLatency      time.Duration
	NetworkCallsAvoided uint64
}

type pendingUpdate struct {
	update          *BatchUpdate
	firstCreatedAt  time.Time
	submissionCount int
	task            *ScheduledTask
}

type BatchUpdateManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	sender    WireSender
	settings  *BatchUpdateManagerSettings
	scheduler *TaskScheduler

	stateLock sync.Mutex
	// (objectId, operation) key -> pending update
	pending map[string]*pendingUpdate

	totalBatches        uint64
	successCount        uint64
	failureCount        uint64
	batchSizeSum        uint64
	latencySum          time.Duration
	networkCallsAvoided uint64

	failureCallbacks *CallbackList[UpdateFailureFunction]
}

func NewBatchUpdateManagerWithDefaults(ctx context.Context, sender WireSender) *BatchUpdateManager {
	return NewBatchUpdateManager(ctx, sender, DefaultBatchUpdateManagerSettings())
}

func NewBatchUpdateManager(
	ctx context.Context,
	sender WireSender,
	settings *BatchUpdateManagerSettings,
) *BatchUpdateManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &BatchUpdateManager{
		ctx:              cancelCtx,
		cancel:           cancel,
		sender:           sender,
		settings:         settings,
		scheduler:        NewTaskScheduler(cancelCtx),
		pending:          map[string]*pendingUpdate{},
		failureCallbacks: NewCallbackList[UpdateFailureFunction](),
	}
}

func updateKey(objectId string, operation BatchOperation) string {
	return objectId + "/" + string(operation)
}

// called with each update abandoned after exhausting its retries
func (self *BatchUpdateManager) MonitorFailures(callback UpdateFailureFunction) func() {
	callbackId := self.failureCallbacks.Add(callback)
	return func() {
		self.failureCallbacks.Remove(callbackId)
	}
}

func (self *BatchUpdateManager) waitFor(priority Priority) time.Duration {
	switch priority {
	case PriorityHigh, PriorityCritical:
		return self.settings.HighWait
	case PriorityNormal:
		return self.settings.NormalWait
	default:
		return self.settings.LowWait
	}
}

func (self *BatchUpdateManager) AddUpdate(
	objectId string,
	operation BatchOperation,
	payload any,
	priority Priority,
) (Id, error) {
	if objectId == "" {
		return Id{}, NewValidationError("object_id", "missing object id")
	}

	updateId := NewId()
	update := &BatchUpdate{
		UpdateId:   updateId,
		ObjectId:   objectId,
		Operation:  operation,
		Payload:    payload,
		CreatedAt:  time.Now(),
		Priority:   priority,
		MaxRetries: self.settings.MaxRetries,
	}

	key := updateKey(objectId, operation)

	self.stateLock.Lock()
	p, ok := self.pending[key]
	if ok {
		// supersede: the previous payload for this key is replaced, not merged
		p.task.Cancel()
		p.update = update
		p.submissionCount += 1
	} else {
		p = &pendingUpdate{
			update:          update,
			firstCreatedAt:  update.CreatedAt,
			submissionCount: 1,
		}
		self.pending[key] = p
	}

	bypass := !self.settings.EnableBatching ||
		self.settings.PriorityThreshold <= priority ||
		self.settings.MaxBatchSize <= p.submissionCount

	if bypass {
		delete(self.pending, key)
		self.stateLock.Unlock()
		go self.sendUpdate(key, p)
		return updateId, nil
	}

	wait := self.waitFor(priority)
	deadline := update.CreatedAt.Add(wait)
	if maxDeadline := p.firstCreatedAt.Add(self.settings.MaxWaitTime); deadline.After(maxDeadline) {
		deadline = maxDeadline
	}
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	p.task = self.scheduler.Schedule(key, delay, func() {
		self.fire(key)
	})
	self.stateLock.Unlock()

	return updateId, nil
}

func (self *BatchUpdateManager) fire(key string) {
	self.stateLock.Lock()
	p, ok := self.pending[key]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.pending, key)
	self.stateLock.Unlock()

	self.sendUpdate(key, p)
}

func (self *BatchUpdateManager) sendUpdate(key string, p *pendingUpdate) {
	payloadBytes, err := json.Marshal(p.update.Payload)
	if err == nil {
		err = self.sender.SendRaw(p.update.Operation.MessageKind(), payloadBytes)
	}

	if err != nil {
		self.retry(key, p, err)
		return
	}

	latency := time.Since(p.firstCreatedAt)

	self.stateLock.Lock()
	self.totalBatches += 1
	self.successCount += 1
	self.batchSizeSum += uint64(p.submissionCount)
	self.latencySum += latency
	self.networkCallsAvoided += uint64(p.submissionCount - 1)
	self.stateLock.Unlock()

	glog.V(2).Infof("[batch]%s x%d->\n", key, p.submissionCount)
}

func (self *BatchUpdateManager) retry(key string, p *pendingUpdate, err error) {
	p.update.RetryCount += 1
	if p.update.MaxRetries <= p.update.RetryCount {
		self.stateLock.Lock()
		self.totalBatches += 1
		self.failureCount += 1
		self.batchSizeSum += uint64(p.submissionCount)
		self.stateLock.Unlock()

		glog.Infof("[batch]abandon %s after %d retries = %s\n", key, p.update.RetryCount, err)
		for _, callback := range self.failureCallbacks.Get() {
			handleCallback(func() {
				callback(p.update, err)
			})
		}
		return
	}

	glog.V(1).Infof("[batch]retry %s %d/%d = %s\n", key, p.update.RetryCount, p.update.MaxRetries, err)

	self.stateLock.Lock()
	if _, ok := self.pending[key]; ok {
		// a newer submission superseded this key while the send was in flight
		self.stateLock.Unlock()
		return
	}
	self.pending[key] = p
	p.task = self.scheduler.Schedule(key, self.settings.RetryDelay, func() {
		self.fire(key)
	})
	self.stateLock.Unlock()
}

// drops any pending updates for the object without sending them
func (self *BatchUpdateManager) Cancel(objectId string) {
	prefix := objectId + "/"

	self.stateLock.Lock()
	cancelled := []*pendingUpdate{}
	for key, p := range self.pending {
		if strings.HasPrefix(key, prefix) {
			cancelled = append(cancelled, p)
			delete(self.pending, key)
		}
	}
	self.stateLock.Unlock()

	for _, p := range cancelled {
		if p.task != nil {
			p.task.Cancel()
		}
	}
}

// forces pending updates out now. With no arguments every pending key is
// flushed. Returns after the sends complete.
func (self *BatchUpdateManager) Flush(objectIds ...string) {
	if len(objectIds) == 0 {
		self.scheduler.FlushAll()
		return
	}
	self.stateLock.Lock()
	keys := []string{}
	for _, objectId := range objectIds {
		prefix := objectId + "/"
		for key := range self.pending {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
	}
	self.stateLock.Unlock()

	for _, key := range keys {
		self.scheduler.Flush(key)
	}
}

func (self *BatchUpdateManager) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

func (self *BatchUpdateManager) Stats() BatchUpdateStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := BatchUpdateStats{
		TotalBatches:        self.totalBatches,
		SuccessCount:        self.successCount,
		FailureCount:        self.failureCount,
		NetworkCallsAvoided: self.networkCallsAvoided,
	}
	if 0 < self.totalBatches {
		stats.AverageBatchSize = float64(self.batchSizeSum) / float64(self.totalBatches)
		stats.AverageLatency = self.latencySum / time.Duration(self.totalBatches)
	}
	return stats
}

func (self *BatchUpdateManager) Close() {
	self.scheduler.Close()
	self.cancel()
}
