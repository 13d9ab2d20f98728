package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
)

// connection state machine is:
// ConnectionStateDisconnected
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateConnected
//	    -> ConnectionStateReconnecting (unexpected close)
//	      -> ConnectionStateConnected
//	      -> ConnectionStateDisconnected (exhausted)
//	  -> ConnectionStateDisconnected (connect error)
//
// `Disconnect` moves any state to ConnectionStateDisconnected
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

func (self ConnectionState) IsOnline() bool {
	return self == ConnectionStateConnected
}

type MessageFunction = func(message *Message)
type ConnectionStateFunction = func(state ConnectionState)
type ReconnectExhaustedFunction = func(err *ReconnectExhaustedError)

type MessageLossReason string

const (
	MessageLossEvicted MessageLossReason = "evicted"
	MessageLossExpired MessageLossReason = "expired"
)

// a queued message that will never be transmitted
type MessageLossFunction = func(message *Message, reason MessageLossReason)

// called each time a drain stops, with the number of messages still queued
type QueueDrainedFunction = func(remaining int)

func DefaultSupervisorSettings() *SupervisorSettings {
	return &SupervisorSettings{
		MaxReconnectAttempts:       10,
		ReconnectDelay:             1 * time.Second,
		ReconnectBackoffMultiplier: 1.5,
		HeartbeatInterval:          30 * time.Second,
		MaxQueueSize:               DefaultMaxQueueSize,
		MaxQueueAge:                DefaultMaxQueueAge,
		ConnectionTimeout:          10 * time.Second,
	}
}

type SupervisorSettings struct {
	MaxReconnectAttempts       int
	ReconnectDelay             time.Duration
	ReconnectBackoffMultiplier float64
	// zero disables the heartbeat
	HeartbeatInterval time.Duration
	MaxQueueSize      int
	MaxQueueAge       time.Duration
	// used when `ConnectOptions.ConnectionTimeout` is not set
	ConnectionTimeout time.Duration
}

type ConnectOptions struct {
	ConnectionTimeout time.Duration
	Header            http.Header
	// forwarded in `CLIENT_IDENTIFICATION`
	Jwt string
}

// owns one logical connection to the collaboration server.
// reconnection is hidden from callers. messages that cannot be sent are queued
// and replayed in order on the next connection.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	identity  ClientIdentity
	dial      DialFunction
	scheduler Scheduler
	settings  *SupervisorSettings
	metrics   *Metrics

	queue *OutboundQueue

	stateLock sync.Mutex
	state     ConnectionState
	address   string
	options   ConnectOptions
	transport Transport
	// incremented on every open and every disconnect. read loops and timers from an older
	// connection compare against this and exit
	connectionId      uint64
	explicitClose     bool
	draining          bool
	reconnectAttempts int
	stopReconnect     func() bool
	stopHeartbeat     func() bool
	lastErr           error

	typeMessageCallbacks map[MessageType]*CallbackList[MessageFunction]
	messageCallbacks     *CallbackList[MessageFunction]
	stateCallbacks       *CallbackList[ConnectionStateFunction]
	exhaustedCallbacks   *CallbackList[ReconnectExhaustedFunction]
	lossCallbacks        *CallbackList[MessageLossFunction]
	drainedCallbacks     *CallbackList[QueueDrainedFunction]
}

func NewSupervisorWithDefaults(ctx context.Context, identity ClientIdentity) *Supervisor {
	return NewSupervisor(
		ctx,
		identity,
		NewWsDialerWithDefaults(),
		NewTimeScheduler(),
		NewUnregisteredMetrics(),
		DefaultSupervisorSettings(),
	)
}

func NewSupervisor(
	ctx context.Context,
	identity ClientIdentity,
	dial DialFunction,
	scheduler Scheduler,
	metrics *Metrics,
	settings *SupervisorSettings,
) *Supervisor {
	cancelCtx, cancel := context.WithCancel(ctx)
	typeMessageCallbacks := map[MessageType]*CallbackList[MessageFunction]{}
	for _, messageType := range inboundMessageTypes {
		typeMessageCallbacks[messageType] = NewCallbackList[MessageFunction]()
	}
	return &Supervisor{
		ctx:                  cancelCtx,
		cancel:               cancel,
		identity:             identity,
		dial:                 dial,
		scheduler:            scheduler,
		settings:             settings,
		metrics:              metrics,
		queue:                NewOutboundQueue(settings.MaxQueueSize, settings.MaxQueueAge),
		state:                ConnectionStateDisconnected,
		typeMessageCallbacks: typeMessageCallbacks,
		messageCallbacks:     NewCallbackList[MessageFunction](),
		stateCallbacks:       NewCallbackList[ConnectionStateFunction](),
		exhaustedCallbacks:   NewCallbackList[ReconnectExhaustedFunction](),
		lossCallbacks:        NewCallbackList[MessageLossFunction](),
		drainedCallbacks:     NewCallbackList[QueueDrainedFunction](),
	}
}

var inboundMessageTypes = []MessageType{
	MessageTypeSyncUpdate,
	MessageTypeSyncResponse,
	MessageTypeConflictDetected,
	MessageTypeConflictResolved,
	MessageTypeUserConnected,
	MessageTypeUserDisconnected,
	MessageTypeHeartbeat,
	MessageTypeHeartbeatResponse,
	MessageTypeError,
	MessageTypePresenceUpdate,
	MessageTypeCollaborationEvent,
}

func (self *Supervisor) Identity() ClientIdentity {
	return self.identity
}

func (self *Supervisor) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Supervisor) ReconnectAttempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.reconnectAttempts
}

func (self *Supervisor) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastErr
}

func (self *Supervisor) Queue() *OutboundQueue {
	return self.queue
}

func (self *Supervisor) Metrics() *Metrics {
	return self.metrics
}

// returns an unsubscribe function
func (self *Supervisor) AddMessageCallback(messageType MessageType, messageCallback MessageFunction) func() {
	callbacks, ok := self.typeMessageCallbacks[messageType]
	if !ok {
		panic(fmt.Errorf("Not an inbound message type: %s", messageType))
	}
	callbackId := callbacks.Add(messageCallback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// called for every routed inbound message, after the type callbacks
func (self *Supervisor) AddAnyMessageCallback(messageCallback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *Supervisor) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Supervisor) AddReconnectExhaustedCallback(exhaustedCallback ReconnectExhaustedFunction) func() {
	callbackId := self.exhaustedCallbacks.Add(exhaustedCallback)
	return func() {
		self.exhaustedCallbacks.Remove(callbackId)
	}
}

func (self *Supervisor) AddMessageLossCallback(lossCallback MessageLossFunction) func() {
	callbackId := self.lossCallbacks.Add(lossCallback)
	return func() {
		self.lossCallbacks.Remove(callbackId)
	}
}

func (self *Supervisor) AddQueueDrainedCallback(drainedCallback QueueDrainedFunction) func() {
	callbackId := self.drainedCallbacks.Add(drainedCallback)
	return func() {
		self.drainedCallbacks.Remove(callbackId)
	}
}

// blocks until the transport is open or the connection timeout elapses.
// calling connect while connected is a no-op.
func (self *Supervisor) Connect(ctx context.Context, address string, options ConnectOptions) error {
	var stopReconnect func() bool
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.state {
		case ConnectionStateConnected:
			glog.V(LogLevelLifecycle).Infof("[s]already connected to %s\n", self.address)
			return errAlreadyConnected
		case ConnectionStateConnecting:
			return fmt.Errorf("Connect to %s already in progress.", self.address)
		}

		stopReconnect = self.stopReconnect
		self.stopReconnect = nil
		self.address = address
		self.options = options
		self.explicitClose = false
		self.reconnectAttempts = 0
		self.lastErr = nil
		self.state = ConnectionStateConnecting
		return nil
	}()
	if errors.Is(err, errAlreadyConnected) {
		return nil
	} else if err != nil {
		return err
	}
	if stopReconnect != nil {
		stopReconnect()
	}
	self.notifyState(ConnectionStateConnecting)

	var transport Transport
	if glog.V(LogLevelTrace) {
		transport, err = TraceWithReturnError(fmt.Sprintf("[s]connect %s", address), func() (Transport, error) {
			return self.open(ctx, address, options)
		})
	} else {
		transport, err = self.open(ctx, address, options)
	}
	if err != nil {
		changed := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.lastErr = err
			if self.state == ConnectionStateConnecting {
				self.state = ConnectionStateDisconnected
				changed = true
			}
		}()
		glog.Infof("[s]connect %s error = %s\n", address, err)
		if changed {
			self.notifyState(ConnectionStateDisconnected)
		}
		return err
	}
	return self.opened(transport)
}

var errAlreadyConnected = errors.New("already connected")

// dials with the connection timeout
func (self *Supervisor) open(ctx context.Context, address string, options ConnectOptions) (Transport, error) {
	timeout := options.ConnectionTimeout
	if timeout <= 0 {
		timeout = self.settings.ConnectionTimeout
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()

	type dialResult struct {
		transport Transport
		err       error
	}
	dialResults := make(chan dialResult, 1)
	go HandleError(func() {
		transport, err := self.dial(dialCtx, address, options.Header)
		dialResults <- dialResult{transport: transport, err: err}
	}, func(err error) {
		dialResults <- dialResult{err: err}
	})

	select {
	case result := <-dialResults:
		if result.err != nil {
			if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
				return nil, &ConnectionTimeoutError{Address: address, Timeout: timeout}
			}
			return nil, &TransportError{Address: address, Err: result.err}
		}
		return result.transport, nil
	case <-dialCtx.Done():
		// the dial may still complete after the deadline
		go func() {
			if result := <-dialResults; result.transport != nil {
				result.transport.Close()
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &ConnectionTimeoutError{Address: address, Timeout: timeout}
	}
}

func (self *Supervisor) opened(transport Transport) error {
	var connectionId uint64
	var address string
	var jwt string
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.state {
		case ConnectionStateConnecting, ConnectionStateReconnecting:
		case ConnectionStateConnected:
			// a concurrent connect won
			return errAlreadyConnected
		default:
			return fmt.Errorf("Disconnected while connecting to %s.", self.address)
		}

		self.connectionId += 1
		connectionId = self.connectionId
		address = self.address
		jwt = self.options.Jwt
		self.transport = transport
		self.state = ConnectionStateConnected
		self.reconnectAttempts = 0
		self.lastErr = nil
		return nil
	}()
	if errors.Is(err, errAlreadyConnected) {
		transport.Close()
		return nil
	} else if err != nil {
		transport.Close()
		return err
	}

	glog.V(LogLevelLifecycle).Infof("[s]connected %s (%s)\n", address, self.identity)
	self.notifyState(ConnectionStateConnected)

	identification := RequireNewMessage(MessageTypeClientIdentification, &ClientIdentificationPayload{
		ClientId:  self.identity.ClientId.String(),
		SessionId: self.identity.SessionId,
		Jwt:       jwt,
	})
	identification.stamp(self.identity, self.scheduler.Now())
	if err := self.write(transport, identification); err != nil {
		// the read loop sees the broken transport and reconnects
		glog.Infof("[s]identification error = %s\n", err)
		transport.Close()
	}

	self.scheduleHeartbeat(connectionId)
	go HandleError(func() {
		self.readLoop(connectionId, transport)
	})
	self.drain()
	return nil
}

// cancels the heartbeat and any pending reconnect, then closes the transport.
// pending user interventions are not affected.
func (self *Supervisor) Disconnect() {
	var transport Transport
	var stopReconnect func() bool
	var stopHeartbeat func() bool
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.explicitClose = true
		self.connectionId += 1
		transport = self.transport
		self.transport = nil
		stopReconnect = self.stopReconnect
		self.stopReconnect = nil
		stopHeartbeat = self.stopHeartbeat
		self.stopHeartbeat = nil
		if self.state != ConnectionStateDisconnected {
			self.state = ConnectionStateDisconnected
			changed = true
		}
	}()

	if stopReconnect != nil {
		stopReconnect()
	}
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if transport != nil {
		transport.Close()
	}
	if changed {
		glog.V(LogLevelLifecycle).Infof("[s]disconnected\n")
		self.notifyState(ConnectionStateDisconnected)
	}
}

// disconnects and releases the supervisor
func (self *Supervisor) Close() {
	self.Disconnect()
	self.cancel()
}

// stamps and transmits the message. if the message cannot be sent now it is queued.
// returns true only if the message was written immediately.
func (self *Supervisor) Send(messageType MessageType, payload any) bool {
	message, err := NewMessage(messageType, payload)
	if err != nil {
		glog.Errorf("[s]drop %s = %s\n", messageType, err)
		return false
	}
	return self.SendMessage(message)
}

func (self *Supervisor) SendMessage(message *Message) bool {
	message.stamp(self.identity, self.scheduler.Now())

	var transport Transport
	var evicted *Message
	queued := false
	kickDrain := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == ConnectionStateConnected && !self.draining && self.queue.Len() == 0 {
			transport = self.transport
			return
		}
		// queued messages go first to preserve order
		evicted = self.queue.Add(message, self.scheduler.Now())
		queued = true
		kickDrain = self.state == ConnectionStateConnected && !self.draining
	}()

	if queued {
		self.metrics.MessageQueued()
		if evicted != nil {
			self.lost(evicted, MessageLossEvicted)
		}
		glog.V(LogLevelTrace).Infof("[s]queue %s (%d)\n", message.Type, self.queue.Len())
		if kickDrain {
			go self.drain()
		}
		return false
	}

	if err := self.write(transport, message); err != nil {
		glog.Infof("[s]send %s error = %s\n", message.Type, err)
		// a failed write leaves the websocket unusable. closing it lets the read loop reconnect.
		transport.Close()
		evicted := self.queue.Add(message, self.scheduler.Now())
		self.metrics.MessageQueued()
		if evicted != nil {
			self.lost(evicted, MessageLossEvicted)
		}
		return false
	}
	self.metrics.MessageSent()
	return true
}

func (self *Supervisor) write(transport Transport, message *Message) error {
	if transport == nil {
		return ErrNotConnected
	}
	b, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	if err := transport.Write(b); err != nil {
		return err
	}
	glog.V(LogLevelTrace).Infof("[s]%s->\n", message.Type)
	return nil
}

// writes a control message without queueing it. control messages are only meaningful on the current connection.
func (self *Supervisor) sendControl(connectionId uint64, message *Message) error {
	var transport Transport
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if connectionId == self.connectionId && self.state == ConnectionStateConnected {
			transport = self.transport
		}
	}()
	if transport == nil {
		return ErrNotConnected
	}
	message.stamp(self.identity, self.scheduler.Now())
	if err := self.write(transport, message); err != nil {
		transport.Close()
		return err
	}
	self.metrics.MessageSent()
	return nil
}

// replays the queue in order. expired messages are dropped.
// a failed write puts the message back at the head and stops the drain until the next connection.
func (self *Supervisor) drain() {
	var transport Transport
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.draining || self.state != ConnectionStateConnected {
			return
		}
		self.draining = true
		transport = self.transport
	}()
	if transport == nil {
		return
	}

	sentCount := 0
	for {
		message, expired := self.queue.RemoveFirstLive(self.scheduler.Now())
		if 0 < len(expired) {
			self.metrics.QueueExpired(int64(len(expired)))
			for _, expiredMessage := range expired {
				self.lost(expiredMessage, MessageLossExpired)
			}
		}

		if message == nil {
			done := false
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				// a send may have queued while the last message was written
				if self.queue.Len() == 0 || self.state != ConnectionStateConnected {
					self.draining = false
					done = true
				}
			}()
			if done {
				if 0 < sentCount {
					glog.V(LogLevelLifecycle).Infof("[q]drained %d\n", sentCount)
				}
				self.drained()
				return
			}
			continue
		}

		if err := self.write(transport, message); err != nil {
			message.RetryCount += 1
			if evicted := self.queue.AddFirst(message); evicted != nil {
				self.lost(evicted, MessageLossEvicted)
			}
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				self.draining = false
			}()
			glog.Infof("[q]drain halted after %d, %d remain = %s\n", sentCount, self.queue.Len(), err)
			transport.Close()
			self.drained()
			return
		}
		self.metrics.MessageSent()
		sentCount += 1
	}
}

func (self *Supervisor) readLoop(connectionId uint64, transport Transport) {
	for {
		b, err := transport.Read()
		if err != nil {
			self.closed(connectionId, transport, err)
			return
		}
		message, err := DecodeMessage(b)
		if err != nil {
			glog.Infof("[s]drop undecodable frame = %s\n", err)
			continue
		}
		self.receive(connectionId, message)
	}
}

// inbound messages are handled in arrival order on the read goroutine
func (self *Supervisor) receive(connectionId uint64, message *Message) {
	if !message.Type.IsInbound() {
		glog.Infof("[s]drop unknown message type %s\n", message.Type)
		return
	}
	self.metrics.MessageReceived(message.Type)
	glog.V(LogLevelTrace).Infof("[s]%s<-\n", message.Type)

	switch message.Type {
	case MessageTypeHeartbeat:
		response := RequireNewMessage(MessageTypeHeartbeatResponse, &HeartbeatPayload{
			ProbeTimestamp: message.Timestamp,
		})
		if err := self.sendControl(connectionId, response); err != nil {
			glog.Infof("[s]heartbeat response error = %s\n", err)
		}
	case MessageTypeHeartbeatResponse:
		var heartbeat HeartbeatPayload
		if err := message.DecodePayload(&heartbeat); err == nil && 0 < heartbeat.ProbeTimestamp {
			self.metrics.MessageLatency(self.scheduler.Now().Sub(time.UnixMilli(heartbeat.ProbeTimestamp)))
		}
	}

	for _, messageCallback := range self.typeMessageCallbacks[message.Type].Get() {
		HandleError(func() {
			messageCallback(message)
		})
	}
	for _, messageCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageCallback(message)
		})
	}
}

func (self *Supervisor) closed(connectionId uint64, transport Transport, err error) {
	var stopHeartbeat func() bool
	stale := false
	explicit := false
	var address string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if connectionId != self.connectionId || self.transport != transport {
			stale = true
			return
		}
		address = self.address
		self.transport = nil
		stopHeartbeat = self.stopHeartbeat
		self.stopHeartbeat = nil
		if self.explicitClose {
			explicit = true
			self.state = ConnectionStateDisconnected
			return
		}
		self.state = ConnectionStateReconnecting
		self.lastErr = &TransportError{Address: address, Err: err}
	}()
	transport.Close()
	if stale {
		return
	}
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if explicit {
		self.notifyState(ConnectionStateDisconnected)
		return
	}

	if IsCleanClose(err) {
		glog.Infof("[s]closed by peer %s\n", address)
	} else {
		glog.Infof("[s]unexpected close %s = %s\n", address, err)
	}
	self.notifyState(ConnectionStateReconnecting)
	self.scheduleReconnect()
}

func (self *Supervisor) scheduleReconnect() {
	var exhaustedErr *ReconnectExhaustedError
	var attempt int
	var delay time.Duration
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.explicitClose || self.state != ConnectionStateReconnecting {
			return
		}
		if self.settings.MaxReconnectAttempts <= self.reconnectAttempts {
			exhaustedErr = &ReconnectExhaustedError{
				Address:  self.address,
				Attempts: self.reconnectAttempts,
				LastErr:  self.lastErr,
			}
			self.lastErr = exhaustedErr
			self.state = ConnectionStateDisconnected
			return
		}
		self.reconnectAttempts += 1
		attempt = self.reconnectAttempts
		delay = BackoffDelay(self.settings.ReconnectDelay, self.settings.ReconnectBackoffMultiplier, attempt)
		self.stopReconnect = self.scheduler.AfterFunc(delay, func() {
			HandleError(func() {
				self.reconnect(attempt)
			})
		})
	}()

	if exhaustedErr != nil {
		glog.Infof("[s]%s\n", exhaustedErr)
		self.notifyState(ConnectionStateDisconnected)
		for _, exhaustedCallback := range self.exhaustedCallbacks.Get() {
			HandleError(func() {
				exhaustedCallback(exhaustedErr)
			})
		}
		return
	}
	if 0 < attempt {
		self.metrics.ReconnectAttempt()
		glog.Infof("[s]reconnect attempt %d/%d in %s\n", attempt, self.settings.MaxReconnectAttempts, delay)
	}
}

func (self *Supervisor) reconnect(attempt int) {
	var address string
	var options ConnectOptions
	active := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.explicitClose || self.state != ConnectionStateReconnecting || attempt != self.reconnectAttempts {
			return
		}
		self.stopReconnect = nil
		address = self.address
		options = self.options
		active = true
	}()
	if !active {
		return
	}

	transport, err := self.open(self.ctx, address, options)
	if err != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.lastErr = err
		}()
		glog.Infof("[s]reconnect attempt %d error = %s\n", attempt, err)
		if self.ctx.Err() != nil {
			return
		}
		self.scheduleReconnect()
		return
	}
	if err := self.opened(transport); err != nil {
		glog.V(LogLevelLifecycle).Infof("[s]reconnect attempt %d = %s\n", attempt, err)
	}
}

func (self *Supervisor) scheduleHeartbeat(connectionId uint64) {
	if self.settings.HeartbeatInterval <= 0 {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if connectionId != self.connectionId || self.state != ConnectionStateConnected {
		return
	}
	self.stopHeartbeat = self.scheduler.AfterFunc(self.settings.HeartbeatInterval, func() {
		HandleError(func() {
			self.heartbeat(connectionId)
		})
	})
}

func (self *Supervisor) heartbeat(connectionId uint64) {
	probe := RequireNewMessage(MessageTypeHeartbeat, &HeartbeatPayload{})
	if err := self.sendControl(connectionId, probe); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			glog.Infof("[s]heartbeat error = %s\n", err)
		}
		return
	}
	self.scheduleHeartbeat(connectionId)
}

func (self *Supervisor) notifyState(state ConnectionState) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state)
		})
	}
}

func (self *Supervisor) lost(message *Message, reason MessageLossReason) {
	if reason == MessageLossEvicted {
		self.metrics.QueueEvicted()
	}
	for _, lossCallback := range self.lossCallbacks.Get() {
		HandleError(func() {
			lossCallback(message, reason)
		})
	}
}

func (self *Supervisor) drained() {
	remaining := self.queue.Len()
	for _, drainedCallback := range self.drainedCallbacks.Get() {
		HandleError(func() {
			drainedCallback(remaining)
		})
	}
}
