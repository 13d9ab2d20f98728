package connect

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultMaxQueueSize = 1000
const DefaultMaxQueueAge = 5 * time.Minute

// bounded fifo of messages that could not be sent immediately.
// overflow evicts the oldest message. messages older than `maxAge` are not replayed.
type OutboundQueue struct {
	maxSize int
	maxAge  time.Duration

	stateLock sync.Mutex
	// ordered by queue time, oldest first
	messages []*Message

	evictedCount int64
	expiredCount int64
}

func NewOutboundQueue(maxSize int, maxAge time.Duration) *OutboundQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &OutboundQueue{
		maxSize:  maxSize,
		maxAge:   maxAge,
		messages: []*Message{},
	}
}

// appends at the tail. returns the evicted message, or nil.
func (self *OutboundQueue) Add(message *Message, now time.Time) (evicted *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if message.QueuedAt == 0 {
		message.QueuedAt = now.UnixMilli()
	}
	if self.maxSize <= len(self.messages) {
		evicted = self.messages[0]
		self.messages[0] = nil
		self.messages = self.messages[1:]
		self.evictedCount += 1
		glog.Warningf("[q]overflow (%d) evict %s queued at %d\n", self.maxSize, evicted.Type, evicted.QueuedAt)
	}
	self.messages = append(self.messages, message)
	return
}

// re-queues a message at the head after a failed transmit.
// if the queue filled in the meantime the message is the oldest and is the one evicted.
func (self *OutboundQueue) AddFirst(message *Message) (evicted *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.maxSize <= len(self.messages) {
		self.evictedCount += 1
		glog.Warningf("[q]overflow (%d) evict requeued %s\n", self.maxSize, message.Type)
		return message
	}
	self.messages = append([]*Message{message}, self.messages...)
	return nil
}

func (self *OutboundQueue) RemoveFirst() *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.messages) == 0 {
		return nil
	}
	message := self.messages[0]
	self.messages[0] = nil
	self.messages = self.messages[1:]
	return message
}

// removes the next message that has not expired.
// expired messages ahead of it are removed and returned in queue order.
func (self *OutboundQueue) RemoveFirstLive(now time.Time) (message *Message, expired []*Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for 0 < len(self.messages) {
		next := self.messages[0]
		self.messages[0] = nil
		self.messages = self.messages[1:]
		if self.expired(next, now) {
			self.expiredCount += 1
			glog.Warningf("[q]expired %s queued at %d\n", next.Type, next.QueuedAt)
			expired = append(expired, next)
			continue
		}
		return next, expired
	}
	return nil, expired
}

func (self *OutboundQueue) expired(message *Message, now time.Time) bool {
	if self.maxAge <= 0 {
		return false
	}
	return self.maxAge < now.Sub(time.UnixMilli(message.QueuedAt))
}

func (self *OutboundQueue) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.messages)
}

// oldest first
func (self *OutboundQueue) Messages() []*Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	messages := make([]*Message, len(self.messages))
	copy(messages, self.messages)
	return messages
}

func (self *OutboundQueue) Clear() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := len(self.messages)
	self.messages = []*Message{}
	return n
}

// (evicted, expired)
func (self *OutboundQueue) Losses() (int64, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.evictedCount, self.expiredCount
}
