package realtime

import (
	"sync"

	"golang.org/x/exp/maps"
)

// makes a copy of the list on update.
// all callback invocations are wrapped to recover from errors,
// so one bad subscriber cannot take down the dispatch path.
type CallbackList[T any] struct {
	stateLock   sync.Mutex
	callbackIds []Id
	callbacks   map[Id]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []Id{},
		callbacks:   map[Id]T{},
	}
}

// in add order
func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.callbacks[callbackId]
	if !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackIds := make([]Id, 0, len(self.callbackIds)-1)
	for _, existingId := range self.callbackIds {
		if existingId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingId)
		}
	}
	self.callbackIds = nextCallbackIds
}

func (self *CallbackList[T]) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	maps.Clear(self.callbacks)
	self.callbackIds = self.callbackIds[:0]
}

func handleCallback(fn func()) {
	defer func() {
		recover()
	}()
	fn()
}
