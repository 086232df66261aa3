package realtime

import (
	"container/heap"
	"sync"
	"time"
)

// an outbound event owned by the optimizer queue until sent or dropped.
// the payload is immutable; `retryCount` is mutable.
type OutboundEvent struct {
	EventId    Id
	Kind       MessageKind
	Payload    []byte
	CreatedAt  time.Time
	Priority   Priority
	RetryCount int
	MaxRetries int

	sequenceNumber uint64

	// the index of the event in the drain heap
	heapIndex int
	// the index of the event in the eviction heap
	evictHeapIndex int
}

// priority ordered queue with stable FIFO within a priority.
// two heaps are kept over the same items: the drain heap yields the
// highest-priority oldest event, the eviction heap yields the
// lowest-priority oldest event to drop when the queue is at capacity.
type eventQueue struct {
	drainHeap *eventDrainHeap
	evictHeap *eventEvictHeap
	// event_id -> event
	eventIdEvents map[Id]*OutboundEvent
	byteCount     ByteCount
	stateLock     sync.Mutex
}

func newEventQueue() *eventQueue {
	queue := &eventQueue{
		drainHeap:     &eventDrainHeap{},
		evictHeap:     &eventEvictHeap{},
		eventIdEvents: map[Id]*OutboundEvent{},
	}
	heap.Init(queue.drainHeap)
	heap.Init(queue.evictHeap)
	return queue
}

func (self *eventQueue) QueueSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.drainHeap.orderedEvents), self.byteCount
}

func (self *eventQueue) Add(event *OutboundEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.eventIdEvents[event.EventId] = event
	heap.Push(self.drainHeap, event)
	heap.Push(self.evictHeap, event)
	self.byteCount += ByteCount(len(event.Payload))
}

// the highest-priority event, oldest first among equals
func (self *eventQueue) RemoveFirst() *OutboundEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.drainHeap.orderedEvents) == 0 {
		return nil
	}
	event := heap.Remove(self.drainHeap, 0).(*OutboundEvent)
	heap.Remove(self.evictHeap, event.evictHeapIndex)
	delete(self.eventIdEvents, event.EventId)
	self.byteCount -= ByteCount(len(event.Payload))
	return event
}

// the lowest-priority event, oldest first among equals
func (self *eventQueue) RemoveLowest() *OutboundEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.evictHeap.orderedEvents) == 0 {
		return nil
	}
	event := heap.Remove(self.evictHeap, 0).(*OutboundEvent)
	heap.Remove(self.drainHeap, event.heapIndex)
	delete(self.eventIdEvents, event.EventId)
	self.byteCount -= ByteCount(len(event.Payload))
	return event
}

func (self *eventQueue) RemoveByEventId(eventId Id) *OutboundEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	event, ok := self.eventIdEvents[eventId]
	if !ok {
		return nil
	}
	heap.Remove(self.drainHeap, event.heapIndex)
	heap.Remove(self.evictHeap, event.evictHeapIndex)
	delete(self.eventIdEvents, eventId)
	self.byteCount -= ByteCount(len(event.Payload))
	return event
}

func (self *eventQueue) ContainsEventId(eventId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.eventIdEvents[eventId]
	return ok
}

// ordered by (priority desc, sequence asc)
type eventDrainHeap struct {
	orderedEvents []*OutboundEvent
}

// heap.Interface

func (self *eventDrainHeap) Push(x any) {
	event := x.(*OutboundEvent)
	event.heapIndex = len(self.orderedEvents)
	self.orderedEvents = append(self.orderedEvents, event)
}

func (self *eventDrainHeap) Pop() any {
	n := len(self.orderedEvents)
	i := n - 1
	event := self.orderedEvents[i]
	self.orderedEvents[i] = nil
	self.orderedEvents = self.orderedEvents[:i]
	return event
}

// sort.Interface

func (self *eventDrainHeap) Len() int {
	return len(self.orderedEvents)
}

func (self *eventDrainHeap) Less(i int, j int) bool {
	a := self.orderedEvents[i]
	b := self.orderedEvents[j]
	if a.Priority != b.Priority {
		return b.Priority < a.Priority
	}
	return a.sequenceNumber < b.sequenceNumber
}

func (self *eventDrainHeap) Swap(i int, j int) {
	a := self.orderedEvents[i]
	b := self.orderedEvents[j]
	b.heapIndex = i
	self.orderedEvents[i] = b
	a.heapIndex = j
	self.orderedEvents[j] = a
}

// ordered by (priority asc, sequence asc)
type eventEvictHeap struct {
	orderedEvents []*OutboundEvent
}

// heap.Interface

func (self *eventEvictHeap) Push(x any) {
	event := x.(*OutboundEvent)
	event.evictHeapIndex = len(self.orderedEvents)
	self.orderedEvents = append(self.orderedEvents, event)
}

func (self *eventEvictHeap) Pop() any {
	n := len(self.orderedEvents)
	i := n - 1
	event := self.orderedEvents[i]
	self.orderedEvents[i] = nil
	self.orderedEvents = self.orderedEvents[:i]
	return event
}

// sort.Interface

func (self *eventEvictHeap) Len() int {
	return len(self.orderedEvents)
}

func (self *eventEvictHeap) Less(i int, j int) bool {
	a := self.orderedEvents[i]
	b := self.orderedEvents[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.sequenceNumber < b.sequenceNumber
}

func (self *eventEvictHeap) Swap(i int, j int) {
	a := self.orderedEvents[i]
	b := self.orderedEvents[j]
	b.evictHeapIndex = i
	self.orderedEvents[i] = b
	a.evictHeapIndex = j
	self.orderedEvents[j] = a
}
