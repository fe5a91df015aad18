package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the callback list on update, so that `Get` can be iterated
// without holding the lock. Callbacks are invoked outside of component locks
// and must never block a state transition.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		nextCallbackId: 0,
		callbackIds:    []int{},
		callbacks:      []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = append(nextCallbackIds, callbackId)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks

	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = slices.Delete(nextCallbackIds, i, i+1)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}
