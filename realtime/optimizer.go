package realtime

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the event optimizer sits above the connection manager. It deduplicates,
// rate limits, prioritizes and batches outbound low/normal-priority
// messages. Critical messages are forwarded immediately.

type CompressFunction func(data []byte) ([]byte, error)

func GzipCompress(data []byte) ([]byte, error) {
	var buff bytes.Buffer
	w := gzip.NewWriter(&buff)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

type EventFailureFunction func(event *OutboundEvent, err error)

type EventOptimizerSettings struct {
	MaxEventsPerSecond   int
	EventThrottle        time.Duration
	MaxEventQueueSize    int
	CompressionThreshold ByteCount
	EnableDeduplication  bool
	EnableCompression    bool
	BatchSimilarEvents   bool
	DeduplicationWindow  time.Duration
	MaxRetries           int
	MaxDrainCount        int
	Compressor           CompressFunction
}

func DefaultEventOptimizerSettings() *EventOptimizerSettings {
	return &EventOptimizerSettings{
		MaxEventsPerSecond:   50,
		EventThrottle:        16 * time.Millisecond,
		MaxEventQueueSize:    1000,
		CompressionThreshold: kib(1),
		EnableDeduplication:  true,
		EnableCompression:    true,
		BatchSimilarEvents:   true,
		DeduplicationWindow:  100 * time.Millisecond,
		MaxRetries:           3,
		MaxDrainCount:        32,
		Compressor:           GzipCompress,
	}
}

type EventOptimizerStats struct {
	Submitted    uint64
	Sent         uint64
	Deduplicated uint64
	Throttled    uint64
	Batched      uint64
	Compressed   uint64
	Evicted      uint64
	Failed       uint64
}

type EventOptimizer struct {
	ctx    context.Context
	cancel context.CancelFunc

	sender   WireSender
	settings *EventOptimizerSettings

	queue *eventQueue

	stateLock      sync.Mutex
	sequenceNumber uint64
	// dedup key -> last submit time
	dedupTimes map[string]time.Time
	// send times within the sliding rate window
	sendTimes []time.Time
	stats     EventOptimizerStats

	failureCallbacks *CallbackList[EventFailureFunction]
}

func NewEventOptimizerWithDefaults(ctx context.Context, sender WireSender) *EventOptimizer {
	return NewEventOptimizer(ctx, sender, DefaultEventOptimizerSettings())
}

func NewEventOptimizer(
	ctx context.Context,
	sender WireSender,
	settings *EventOptimizerSettings,
) *EventOptimizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	optimizer := &EventOptimizer{
		ctx:              cancelCtx,
		cancel:           cancel,
		sender:           sender,
		settings:         settings,
		queue:            newEventQueue(),
		dedupTimes:       map[string]time.Time{},
		sendTimes:        []time.Time{},
		failureCallbacks: NewCallbackList[EventFailureFunction](),
	}
	go optimizer.run()
	return optimizer
}

// called with each event dropped after exhausting its retries
func (self *EventOptimizer) MonitorFailures(callback EventFailureFunction) func() {
	callbackId := self.failureCallbacks.Add(callback)
	return func() {
		self.failureCallbacks.Remove(callbackId)
	}
}

// never blocks the caller. The returned id identifies the submission even
// when the event is dropped as a duplicate.
func (self *EventOptimizer) Submit(kind MessageKind, payload any, priority Priority) (Id, error) {
	eventId := NewId()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return eventId, err
	}

	event := &OutboundEvent{
		EventId:    eventId,
		Kind:       kind,
		Payload:    payloadBytes,
		CreatedAt:  time.Now(),
		Priority:   priority,
		MaxRetries: self.settings.MaxRetries,
	}

	self.stateLock.Lock()
	self.stats.Submitted += 1

	if self.settings.EnableDeduplication {
		dedupKey := string(kind) + "\x00" + string(payloadBytes)
		now := time.Now()
		if lastTime, ok := self.dedupTimes[dedupKey]; ok {
			if now.Sub(lastTime) < self.settings.DeduplicationWindow {
				self.stats.Deduplicated += 1
				self.stateLock.Unlock()
				glog.V(2).Infof("[opt]dedup %s\n", kind)
				return eventId, nil
			}
		}
		self.dedupTimes[dedupKey] = now
		if 1024 < len(self.dedupTimes) {
			self.pruneDedupTimes(now)
		}
	}

	self.sequenceNumber += 1
	event.sequenceNumber = self.sequenceNumber
	self.stateLock.Unlock()

	if priority == PriorityCritical {
		// skip the queue
		self.sendEvent(event)
		return eventId, nil
	}

	self.enqueue(event)
	return eventId, nil
}

func (self *EventOptimizer) pruneDedupTimes(now time.Time) {
	for dedupKey, lastTime := range self.dedupTimes {
		if self.settings.DeduplicationWindow <= now.Sub(lastTime) {
			delete(self.dedupTimes, dedupKey)
		}
	}
}

func (self *EventOptimizer) enqueue(event *OutboundEvent) {
	for {
		size, _ := self.queue.QueueSize()
		if size < self.settings.MaxEventQueueSize {
			break
		}
		// evict the lowest-priority entry, oldest first among equals
		if evicted := self.queue.RemoveLowest(); evicted != nil {
			self.stateLock.Lock()
			self.stats.Evicted += 1
			self.stateLock.Unlock()
			glog.V(1).Infof("[opt]evict %s %s\n", evicted.Kind, evicted.Priority)
		} else {
			break
		}
	}
	self.queue.Add(event)
}

// sliding 1-second counter of events sent
func (self *EventOptimizer) sendBudget(now time.Time) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	windowStart := now.Add(-1 * time.Second)
	i := 0
	for i < len(self.sendTimes) && self.sendTimes[i].Before(windowStart) {
		i += 1
	}
	self.sendTimes = self.sendTimes[i:]
	return self.settings.MaxEventsPerSecond - len(self.sendTimes)
}

func (self *EventOptimizer) recordSend(now time.Time, count int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for i := 0; i < count; i += 1 {
		self.sendTimes = append(self.sendTimes, now)
	}
}

func (self *EventOptimizer) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.EventThrottle):
		}
		self.drain(false)
	}
}

// pulls a bounded number of queued events, groups them by (kind, priority),
// and sends each group as one unit. When `force` is set the rate ceiling is
// ignored, which is the flush-before-exit path.
func (self *EventOptimizer) drain(force bool) {
	now := time.Now()

	count := self.settings.MaxDrainCount
	if force {
		size, _ := self.queue.QueueSize()
		count = size
	} else {
		budget := self.sendBudget(now)
		if budget <= 0 {
			size, _ := self.queue.QueueSize()
			if 0 < size {
				self.stateLock.Lock()
				self.stats.Throttled += 1
				self.stateLock.Unlock()
			}
			return
		}
		if budget < count {
			count = budget
		}
	}

	events := []*OutboundEvent{}
	for i := 0; i < count; i += 1 {
		event := self.queue.RemoveFirst()
		if event == nil {
			break
		}
		events = append(events, event)
	}
	if len(events) == 0 {
		return
	}

	// group consecutive events by (kind, priority).
	// drain order already respects priority with FIFO among equals.
	groupStart := 0
	for i := 1; i <= len(events); i += 1 {
		if i == len(events) ||
			events[i].Kind != events[groupStart].Kind ||
			events[i].Priority != events[groupStart].Priority {
			self.sendGroup(events[groupStart:i])
			groupStart = i
		}
	}
}

func (self *EventOptimizer) sendGroup(group []*OutboundEvent) {
	if len(group) == 1 || !self.settings.BatchSimilarEvents {
		for _, event := range group {
			self.sendEvent(event)
		}
		return
	}

	payloads := make([]json.RawMessage, 0, len(group))
	for _, event := range group {
		payloads = append(payloads, json.RawMessage(event.Payload))
	}

	batch := &EventBatchArgs{
		Kind:     group[0].Kind,
		Priority: group[0].Priority.String(),
		Payloads: payloads,
	}

	payloadsBytes, err := json.Marshal(payloads)
	if err == nil &&
		self.settings.EnableCompression &&
		self.settings.CompressionThreshold < ByteCount(len(payloadsBytes)) {
		if compressed, err := self.settings.Compressor(payloadsBytes); err == nil {
			batch.Payloads = nil
			batch.ContentEncoding = "gzip"
			batch.CompressedPayloads = compressed
			self.stateLock.Lock()
			self.stats.Compressed += 1
			self.stateLock.Unlock()
		}
	}

	batchBytes, err := json.Marshal(batch)
	if err != nil {
		for _, event := range group {
			self.handleSendError(event, err)
		}
		return
	}

	err = self.sender.SendRaw(MessageEventBatch, batchBytes)
	now := time.Now()
	self.recordSend(now, len(group))
	if err != nil {
		for _, event := range group {
			self.handleSendError(event, err)
		}
		return
	}

	self.stateLock.Lock()
	self.stats.Sent += uint64(len(group))
	self.stats.Batched += uint64(len(group))
	self.stateLock.Unlock()
	glog.V(2).Infof("[opt]batch %s x%d->\n", group[0].Kind, len(group))
}

func (self *EventOptimizer) sendEvent(event *OutboundEvent) {
	err := self.sender.SendRaw(event.Kind, event.Payload)
	self.recordSend(time.Now(), 1)
	if err != nil {
		self.handleSendError(event, err)
		return
	}
	self.stateLock.Lock()
	self.stats.Sent += 1
	self.stateLock.Unlock()
}

func (self *EventOptimizer) handleSendError(event *OutboundEvent, err error) {
	event.RetryCount += 1
	if event.RetryCount < event.MaxRetries {
		glog.V(1).Infof("[opt]retry %s %d/%d = %s\n", event.Kind, event.RetryCount, event.MaxRetries, err)
		self.enqueue(event)
		return
	}

	self.stateLock.Lock()
	self.stats.Failed += 1
	self.stateLock.Unlock()
	glog.Infof("[opt]drop %s after %d retries = %s\n", event.Kind, event.RetryCount, err)

	for _, callback := range self.failureCallbacks.Get() {
		handleCallback(func() {
			callback(event, err)
		})
	}
}

// forces all queued events out now, ignoring the rate ceiling.
// required before any exit path that must guarantee delivery.
func (self *EventOptimizer) Flush() {
	for {
		size, _ := self.queue.QueueSize()
		if size == 0 {
			return
		}
		self.drain(true)
	}
}

func (self *EventOptimizer) QueueSize() (int, ByteCount) {
	return self.queue.QueueSize()
}

// read-only snapshot of the running counters
func (self *EventOptimizer) Stats() EventOptimizerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stats
}

func (self *EventOptimizer) Close() {
	self.cancel()
}
