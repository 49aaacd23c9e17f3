package cloud

import (
	"sync"
)

// makes a copy of the list on update so that callers can iterate without the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// Add returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1

	nextIds := make([]int, len(self.ids), len(self.ids)+1)
	copy(nextIds, self.ids)
	nextCallbacks := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)

	self.ids = append(nextIds, id)
	self.callbacks = append(nextCallbacks, callback)

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, callbackId := range self.ids {
		if callbackId == id {
			nextIds := make([]int, 0, len(self.ids)-1)
			nextIds = append(nextIds, self.ids[:i]...)
			nextIds = append(nextIds, self.ids[i+1:]...)
			nextCallbacks := make([]T, 0, len(self.callbacks)-1)
			nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
			nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
			self.ids = nextIds
			self.callbacks = nextCallbacks
			return
		}
	}
}

// each callback runs inside `HandleError` so a panic does not escape the caller
func (self *CallbackList[T]) Each(call func(T)) {
	for _, callback := range self.Get() {
		HandleError(func() {
			call(callback)
		})
	}
}
