package connect

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slices"
)

// drives timers explicitly. work runs on the goroutine that calls `Advance`.
type manualScheduler struct {
	mutex  sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at    time.Time
	delay time.Duration
	do    func()
	done  bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{
		now: time.UnixMilli(1700000000000),
	}
}

func (self *manualScheduler) AfterFunc(delay time.Duration, do func()) func() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	timer := &manualTimer{
		at:    self.now.Add(delay),
		delay: delay,
		do:    do,
	}
	self.timers = append(self.timers, timer)
	return func() bool {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		if timer.done {
			return false
		}
		timer.done = true
		return true
	}
}

func (self *manualScheduler) Now() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.now
}

// moves time forward, running due timers in order
func (self *manualScheduler) Advance(d time.Duration) {
	self.mutex.Lock()
	end := self.now.Add(d)
	self.mutex.Unlock()

	for {
		var next *manualTimer
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()

			for _, timer := range self.timers {
				if timer.done || end.Before(timer.at) {
					continue
				}
				if next == nil || timer.at.Before(next.at) {
					next = timer
				}
			}
			if next == nil {
				self.now = end
				return
			}
			next.done = true
			if self.now.Before(next.at) {
				self.now = next.at
			}
		}()
		if next == nil {
			return
		}
		next.do()
	}
}

// delays of timers that have not run or been stopped, in schedule order
func (self *manualScheduler) PendingDelays() []time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delays := []time.Duration{}
	for _, timer := range self.timers {
		if !timer.done {
			delays = append(delays, timer.delay)
		}
	}
	return delays
}

var errMemoryTransportClosed = errors.New("memory transport closed")
var errMemoryTransportWrite = errors.New("memory transport write failed")

type memoryTransport struct {
	mutex   sync.Mutex
	written []*Message
	// writes fail once this many messages have been written. negative never fails.
	failAfter int

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		failAfter: -1,
		inbound:   make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

func (self *memoryTransport) Write(b []byte) error {
	select {
	case <-self.closed:
		return errMemoryTransportClosed
	default:
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if 0 <= self.failAfter && self.failAfter <= len(self.written) {
		return errMemoryTransportWrite
	}
	message, err := DecodeMessage(b)
	if err != nil {
		return err
	}
	self.written = append(self.written, message)
	return nil
}

func (self *memoryTransport) Read() ([]byte, error) {
	select {
	case b := <-self.inbound:
		return b, nil
	case <-self.closed:
		return nil, errMemoryTransportClosed
	}
}

func (self *memoryTransport) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

func (self *memoryTransport) IsClosed() bool {
	select {
	case <-self.closed:
		return true
	default:
		return false
	}
}

func (self *memoryTransport) SetFailAfter(failAfter int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.failAfter = failAfter
}

// messages written by the client, in order
func (self *memoryTransport) Written() []*Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return slices.Clone(self.written)
}

// written messages of the given types
func (self *memoryTransport) WrittenTypes(messageTypes ...MessageType) []*Message {
	messages := []*Message{}
	for _, message := range self.Written() {
		if slices.Contains(messageTypes, message.Type) {
			messages = append(messages, message)
		}
	}
	return messages
}

// queues a server message for the client read loop
func (self *memoryTransport) Deliver(message *Message) {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	self.inbound <- b
}

func (self *memoryTransport) DeliverRaw(b []byte) {
	self.inbound <- b
}

type memoryDialer struct {
	mutex      sync.Mutex
	transports []*memoryTransport
	// the next dials fail with these errors, in order
	failures []error
	// the next dials block until the context is done
	hang  int
	dials int
	// applied to the next transport
	nextFailAfter *int
}

func newMemoryDialer() *memoryDialer {
	return &memoryDialer{}
}

func (self *memoryDialer) Dial(ctx context.Context, address string, header http.Header) (Transport, error) {
	var err error
	hang := false
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		self.dials += 1
		if 0 < self.hang {
			self.hang -= 1
			hang = true
		} else if 0 < len(self.failures) {
			err = self.failures[0]
			self.failures = self.failures[1:]
		}
	}()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	transport := newMemoryTransport()
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		if self.nextFailAfter != nil {
			transport.failAfter = *self.nextFailAfter
			self.nextFailAfter = nil
		}
		self.transports = append(self.transports, transport)
	}()
	return transport, nil
}

func (self *memoryDialer) Fail(errs ...error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.failures = append(self.failures, errs...)
}

// writes on the next transport fail once `failAfter` messages have been written
func (self *memoryDialer) FailWritesAfter(failAfter int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextFailAfter = &failAfter
}

func (self *memoryDialer) Hang(n int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.hang += n
}

func (self *memoryDialer) Dials() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.dials
}

func (self *memoryDialer) Transports() []*memoryTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return slices.Clone(self.transports)
}

func (self *memoryDialer) Last() *memoryTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.transports) == 0 {
		return nil
	}
	return self.transports[len(self.transports)-1]
}

// polls `condition` until true or the timeout
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for !condition() {
		if endTime.Before(time.Now()) {
			t.Fatalf("Timeout after %s.", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
