package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testBatcherSettings() *BatchUpdateManagerSettings {
	settings := DefaultBatchUpdateManagerSettings()
	settings.HighWait = 30 * time.Millisecond
	settings.NormalWait = 80 * time.Millisecond
	settings.LowWait = 150 * time.Millisecond
	settings.MaxWaitTime = 1 * time.Second
	settings.RetryDelay = 20 * time.Millisecond
	return settings
}

func TestBatcherCoalesce(t *testing.T) {
	sender := &testSender{}
	batcher := NewBatchUpdateManager(context.Background(), sender, testBatcherSettings())
	defer batcher.Close()

	// a burst of updates to the same key quiesces into exactly one network
	// call carrying the last payload
	_, err := batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 10, "y": 10}, PriorityNormal)
	assert.Equal(t, err, nil)
	time.Sleep(30 * time.Millisecond)
	_, err = batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 20, "y": 20}, PriorityNormal)
	assert.Equal(t, err, nil)

	time.Sleep(200 * time.Millisecond)

	sends := sender.Sends()
	assert.Equal(t, len(sends), 1)
	assert.Equal(t, sends[0].kind, MessageObjectUpdated)

	payload := map[string]int{}
	json.Unmarshal(sends[0].payload, &payload)
	assert.Equal(t, payload["x"], 20)
	assert.Equal(t, payload["y"], 20)

	stats := batcher.Stats()
	assert.Equal(t, stats.TotalBatches, uint64(1))
	assert.Equal(t, stats.SuccessCount, uint64(1))
	assert.Equal(t, stats.AverageBatchSize, float64(2))
	assert.Equal(t, stats.NetworkCallsAvoided, uint64(1))
}

func TestBatcherIndependentKeys(t *testing.T) {
	sender := &testSender{}
	batcher := NewBatchUpdateManager(context.Background(), sender, testBatcherSettings())
	defer batcher.Close()

	// different operations on the same object do not supersede each other
	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 1}, PriorityNormal)
	batcher.AddUpdate("o1", BatchOpProperties, map[string]any{"color": "red"}, PriorityNormal)
	batcher.AddUpdate("o2", BatchOpPosition, map[string]any{"x": 2}, PriorityNormal)

	batcher.Flush()

	assert.Equal(t, len(sender.Sends()), 3)
}

func TestBatcherCriticalBypass(t *testing.T) {
	sender := &testSender{}
	batcher := NewBatchUpdateManager(context.Background(), sender, testBatcherSettings())
	defer batcher.Close()

	_, err := batcher.AddUpdate("o1", BatchOpDelete, map[string]any{"object_id": "o1"}, PriorityCritical)
	assert.Equal(t, err, nil)

	// critical skips the wait entirely
	time.Sleep(20 * time.Millisecond)
	sends := sender.Sends()
	assert.Equal(t, len(sends), 1)
	assert.Equal(t, sends[0].kind, MessageObjectDeleted)
}

func TestBatcherCancel(t *testing.T) {
	sender := &testSender{}
	batcher := NewBatchUpdateManager(context.Background(), sender, testBatcherSettings())
	defer batcher.Close()

	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 1}, PriorityLow)
	batcher.AddUpdate("o1", BatchOpProperties, map[string]any{"color": "red"}, PriorityLow)
	assert.Equal(t, batcher.PendingCount(), 2)

	batcher.Cancel("o1")
	assert.Equal(t, batcher.PendingCount(), 0)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, len(sender.Sends()), 0)
}

func TestBatcherFlush(t *testing.T) {
	sender := &testSender{}
	batcher := NewBatchUpdateManager(context.Background(), sender, testBatcherSettings())
	defer batcher.Close()

	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 1}, PriorityLow)
	batcher.AddUpdate("o2", BatchOpPosition, map[string]any{"x": 2}, PriorityLow)

	// flush returns only after the pending sends complete
	batcher.Flush("o1")
	assert.Equal(t, len(sender.Sends()), 1)

	batcher.Flush()
	assert.Equal(t, len(sender.Sends()), 2)
	assert.Equal(t, batcher.PendingCount(), 0)
}

func TestBatcherMaxBatchSize(t *testing.T) {
	sender := &testSender{}
	settings := testBatcherSettings()
	settings.MaxBatchSize = 3
	batcher := NewBatchUpdateManager(context.Background(), sender, settings)
	defer batcher.Close()

	// the third submission to the key forces an immediate send
	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 1}, PriorityLow)
	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 2}, PriorityLow)
	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 3}, PriorityLow)

	time.Sleep(30 * time.Millisecond)
	sends := sender.Sends()
	assert.Equal(t, len(sends), 1)

	payload := map[string]int{}
	json.Unmarshal(sends[0].payload, &payload)
	assert.Equal(t, payload["x"], 3)
}

func TestBatcherRetryExhaustion(t *testing.T) {
	sender := &testSender{}
	sender.SetError(errors.New("send failed"))

	settings := testBatcherSettings()
	settings.MaxRetries = 2
	batcher := NewBatchUpdateManager(context.Background(), sender, settings)
	defer batcher.Close()

	abandoned := make(chan *BatchUpdate, 1)
	unsub := batcher.MonitorFailures(func(update *BatchUpdate, err error) {
		select {
		case abandoned <- update:
		default:
		}
	})
	defer unsub()

	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 1}, PriorityHigh)

	select {
	case update := <-abandoned:
		assert.Equal(t, update.ObjectId, "o1")
		assert.Equal(t, update.RetryCount, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the update to be abandoned")
	}
	assert.Equal(t, batcher.Stats().FailureCount, uint64(1))
}

func TestBatcherDisabled(t *testing.T) {
	sender := &testSender{}
	settings := testBatcherSettings()
	settings.EnableBatching = false
	batcher := NewBatchUpdateManager(context.Background(), sender, settings)
	defer batcher.Close()

	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 1}, PriorityLow)
	batcher.AddUpdate("o1", BatchOpPosition, map[string]any{"x": 2}, PriorityLow)

	time.Sleep(30 * time.Millisecond)
	// every submission goes straight out
	assert.Equal(t, len(sender.Sends()), 2)
}
