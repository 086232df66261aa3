package realtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSchedulerRuns(t *testing.T) {
	scheduler := NewTaskScheduler(context.Background())
	defer scheduler.Close()

	var runCount atomic.Int32
	scheduler.Schedule("a", 10*time.Millisecond, func() {
		runCount.Add(1)
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, runCount.Load(), int32(1))
	assert.Equal(t, scheduler.PendingCount(), 0)
}

func TestSchedulerCancelIdempotent(t *testing.T) {
	scheduler := NewTaskScheduler(context.Background())
	defer scheduler.Close()

	var runCount atomic.Int32
	task := scheduler.Schedule("a", 20*time.Millisecond, func() {
		runCount.Add(1)
	})

	task.Cancel()
	// cancelling twice is a no-op
	task.Cancel()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, runCount.Load(), int32(0))

	// cancelling after the task ran is a no-op
	task2 := scheduler.Schedule("b", 1*time.Millisecond, func() {
		runCount.Add(1)
	})
	time.Sleep(60 * time.Millisecond)
	task2.Cancel()
	assert.Equal(t, runCount.Load(), int32(1))
}

func TestSchedulerFlush(t *testing.T) {
	scheduler := NewTaskScheduler(context.Background())
	defer scheduler.Close()

	var runCount atomic.Int32
	scheduler.Schedule("a", 1*time.Hour, func() {
		runCount.Add(1)
	})
	scheduler.Schedule("a", 1*time.Hour, func() {
		runCount.Add(1)
	})
	scheduler.Schedule("b", 1*time.Hour, func() {
		runCount.Add(1)
	})

	// flush runs the pending work for the key immediately
	scheduler.Flush("a")
	assert.Equal(t, runCount.Load(), int32(2))

	scheduler.FlushAll()
	assert.Equal(t, runCount.Load(), int32(3))
	assert.Equal(t, scheduler.PendingCount(), 0)
}

func TestSchedulerClose(t *testing.T) {
	scheduler := NewTaskScheduler(context.Background())

	var runCount atomic.Int32
	scheduler.Schedule("a", 1*time.Hour, func() {
		runCount.Add(1)
	})
	scheduler.Close()
	assert.Equal(t, scheduler.PendingCount(), 0)

	// schedule after close never runs
	task := scheduler.Schedule("b", 1*time.Millisecond, func() {
		runCount.Add(1)
	})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runCount.Load(), int32(0))
	assert.Equal(t, task.Pending(), false)
}

func TestReconnectAfter(t *testing.T) {
	start := time.Now()
	reconnect := NewReconnect(30 * time.Millisecond)
	<-reconnect.After()
	elapsed := time.Since(start)
	assert.Equal(t, 30*time.Millisecond <= elapsed, true)

	// time already spent counts toward the delay
	reconnect2 := NewReconnect(30 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	start2 := time.Now()
	<-reconnect2.After()
	assert.Equal(t, time.Since(start2) < 20*time.Millisecond, true)
}
