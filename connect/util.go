package connect

import (
	"math"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

// in order of add
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = append(nextCallbackIds, callbackId)
	self.callbackIds = nextCallbackIds
	nextCallbacks := maps.Clone(self.callbacks)
	nextCallbacks[callbackId] = callback
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
	self.callbackIds = nextCallbackIds
	nextCallbacks := maps.Clone(self.callbacks)
	delete(nextCallbacks, callbackId)
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbackIds)
}

// schedules delayed work. all timers in the package go through a scheduler
// so that tests can drive time explicitly.
type Scheduler interface {
	// returns a stop function. stop returns false if the work already ran or was stopped.
	AfterFunc(delay time.Duration, do func()) (stop func() bool)
	Now() time.Time
}

type timeScheduler struct {
}

func NewTimeScheduler() Scheduler {
	return &timeScheduler{}
}

func (self *timeScheduler) AfterFunc(delay time.Duration, do func()) func() bool {
	timer := time.AfterFunc(delay, do)
	return timer.Stop
}

func (self *timeScheduler) Now() time.Time {
	return time.Now()
}

// delay before reconnect attempt `attempt` (1-based):
// `reconnectDelay * multiplier^(attempt - 1)`
func BackoffDelay(reconnectDelay time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(reconnectDelay) * math.Pow(multiplier, float64(attempt-1))
	if math.MaxInt64 <= delay {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// bounded, append only. the oldest item is evicted on overflow.
type ringBuffer[T any] struct {
	items    []T
	start    int
	size     int
	capacity int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// returns the evicted item, if any
func (self *ringBuffer[T]) Push(item T) (evicted T, ok bool) {
	if self.size < self.capacity {
		self.items[(self.start+self.size)%self.capacity] = item
		self.size += 1
		return
	}
	evicted = self.items[self.start]
	ok = true
	self.items[self.start] = item
	self.start = (self.start + 1) % self.capacity
	return
}

func (self *ringBuffer[T]) Len() int {
	return self.size
}

// oldest first
func (self *ringBuffer[T]) Items() []T {
	items := make([]T, 0, self.size)
	for i := 0; i < self.size; i += 1 {
		items = append(items, self.items[(self.start+i)%self.capacity])
	}
	return items
}
