package realtime

import (
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEventQueueDrainOrder(t *testing.T) {
	queue := newEventQueue()

	n := 100
	priorities := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

	events := []*OutboundEvent{}
	for i := 0; i < n; i += 1 {
		event := &OutboundEvent{
			EventId:        NewId(),
			Kind:           MessageObjectUpdated,
			Payload:        []byte{byte(i)},
			CreatedAt:      time.Now(),
			Priority:       priorities[i%len(priorities)],
			sequenceNumber: uint64(i),
		}
		events = append(events, event)
	}

	shuffled := make([]*OutboundEvent, n)
	copy(shuffled, events)
	mathrand.Shuffle(n, func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, event := range shuffled {
		queue.Add(event)
	}

	size, byteCount := queue.QueueSize()
	assert.Equal(t, size, n)
	assert.Equal(t, byteCount, ByteCount(n))

	// drain order respects priority, FIFO among equal priorities
	var previous *OutboundEvent
	for i := 0; i < n; i += 1 {
		event := queue.RemoveFirst()
		assert.NotEqual(t, event, nil)
		if previous != nil {
			if previous.Priority == event.Priority {
				assert.Equal(t, previous.sequenceNumber < event.sequenceNumber, true)
			} else {
				assert.Equal(t, event.Priority < previous.Priority, true)
			}
		}
		previous = event
	}
	assert.Equal(t, queue.RemoveFirst(), nil)
}

func TestEventQueueEvictOrder(t *testing.T) {
	queue := newEventQueue()

	add := func(sequenceNumber uint64, priority Priority) *OutboundEvent {
		event := &OutboundEvent{
			EventId:        NewId(),
			Kind:           MessageCursorMove,
			Priority:       priority,
			sequenceNumber: sequenceNumber,
		}
		queue.Add(event)
		return event
	}

	low1 := add(1, PriorityLow)
	add(2, PriorityHigh)
	low2 := add(3, PriorityLow)
	add(4, PriorityNormal)

	// the eviction victim is the lowest priority, oldest first among equals
	assert.Equal(t, queue.RemoveLowest().EventId, low1.EventId)
	assert.Equal(t, queue.RemoveLowest().EventId, low2.EventId)

	victim := queue.RemoveLowest()
	assert.Equal(t, victim.Priority, PriorityNormal)
	victim = queue.RemoveLowest()
	assert.Equal(t, victim.Priority, PriorityHigh)
	assert.Equal(t, queue.RemoveLowest(), nil)
}

func TestEventQueueRemoveByEventId(t *testing.T) {
	queue := newEventQueue()

	events := []*OutboundEvent{}
	for i := 0; i < 10; i += 1 {
		event := &OutboundEvent{
			EventId:        NewId(),
			Kind:           MessageObjectCreated,
			Payload:        []byte{0, 1, 2},
			Priority:       PriorityNormal,
			sequenceNumber: uint64(i),
		}
		events = append(events, event)
		queue.Add(event)
	}

	assert.Equal(t, queue.ContainsEventId(events[4].EventId), true)
	removed := queue.RemoveByEventId(events[4].EventId)
	assert.Equal(t, removed.EventId, events[4].EventId)
	assert.Equal(t, queue.ContainsEventId(events[4].EventId), false)
	assert.Equal(t, queue.RemoveByEventId(events[4].EventId), nil)

	size, byteCount := queue.QueueSize()
	assert.Equal(t, size, 9)
	assert.Equal(t, byteCount, ByteCount(27))

	// remaining events still drain in order
	for i := 0; i < 9; i += 1 {
		event := queue.RemoveFirst()
		assert.NotEqual(t, event.EventId, events[4].EventId)
	}
}
