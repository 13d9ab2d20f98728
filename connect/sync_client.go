package connect

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		SupervisorSettings:     *DefaultSupervisorSettings(),
		ConflictEngineSettings: *DefaultConflictEngineSettings(),
		AutoResolve:            true,
		EchoResolutions:        true,
		MaxStatusErrors:        DefaultMaxStatusErrors,
		ConflictBufferSize:     64,
	}
}

type SyncClientSettings struct {
	SupervisorSettings     SupervisorSettings
	ConflictEngineSettings ConflictEngineSettings
	// when false every detected conflict waits for a user decision
	AutoResolve bool
	// send `CONFLICT_RESOLUTION` after a conflict is resolved
	EchoResolutions bool
	MaxStatusErrors int
	// detected conflicts waiting for the resolver. a full buffer blocks the read loop.
	ConflictBufferSize int
}

type Presence struct {
	UserId    string
	Status    string
	Data      map[string]any
	UpdatedAt time.Time
}

// keeps a state store in sync with the collaboration server.
// inbound updates are checked against the store, divergent updates are resolved by the
// conflict engine, and the outcome is dispatched to the store.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	store          StateStore
	supervisor     *Supervisor
	conflictEngine *ConflictEngine
	scheduler      Scheduler
	settings       *SyncClientSettings

	// resolved in detection order by a single goroutine
	conflicts chan *Conflict

	stateLock sync.Mutex
	status    SyncStatus
	// key -> unacknowledged local updates
	pendingKeys map[string]int
	presence    map[string]*Presence

	statusCallbacks *CallbackList[SyncStatusFunction]
	unsubscribes    []func()
}

func NewSyncClientWithDefaults(ctx context.Context, identity ClientIdentity, store StateStore) *SyncClient {
	return NewSyncClient(
		ctx,
		identity,
		store,
		NewWsDialerWithDefaults(),
		NewTimeScheduler(),
		NewUnregisteredMetrics(),
		DefaultSyncClientSettings(),
	)
}

func NewSyncClient(
	ctx context.Context,
	identity ClientIdentity,
	store StateStore,
	dial DialFunction,
	scheduler Scheduler,
	metrics *Metrics,
	settings *SyncClientSettings,
) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	supervisorSettings := settings.SupervisorSettings
	conflictEngineSettings := settings.ConflictEngineSettings

	syncClient := &SyncClient{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		supervisor:      NewSupervisor(cancelCtx, identity, dial, scheduler, metrics, &supervisorSettings),
		conflictEngine:  NewConflictEngine(scheduler, metrics, &conflictEngineSettings),
		scheduler:       scheduler,
		settings:        settings,
		conflicts:       make(chan *Conflict, max(settings.ConflictBufferSize, 1)),
		status:          SyncStatus{ConnectionState: ConnectionStateDisconnected},
		pendingKeys:     map[string]int{},
		presence:        map[string]*Presence{},
		statusCallbacks: NewCallbackList[SyncStatusFunction](),
	}

	syncClient.unsubscribes = []func(){
		syncClient.supervisor.AddMessageCallback(MessageTypeSyncUpdate, syncClient.syncUpdate),
		syncClient.supervisor.AddMessageCallback(MessageTypeSyncResponse, syncClient.syncResponse),
		syncClient.supervisor.AddMessageCallback(MessageTypeConflictDetected, syncClient.conflictDetected),
		syncClient.supervisor.AddMessageCallback(MessageTypeConflictResolved, syncClient.conflictResolved),
		syncClient.supervisor.AddMessageCallback(MessageTypeUserConnected, syncClient.presenceUpdate),
		syncClient.supervisor.AddMessageCallback(MessageTypeUserDisconnected, syncClient.presenceUpdate),
		syncClient.supervisor.AddMessageCallback(MessageTypePresenceUpdate, syncClient.presenceUpdate),
		syncClient.supervisor.AddMessageCallback(MessageTypeError, syncClient.serverError),
		syncClient.supervisor.AddStateCallback(func(state ConnectionState) {
			syncClient.updateStatus(nil)
		}),
		syncClient.supervisor.AddMessageLossCallback(syncClient.messageLost),
		syncClient.supervisor.AddQueueDrainedCallback(func(remaining int) {
			syncClient.updateStatus(nil)
		}),
		syncClient.supervisor.AddReconnectExhaustedCallback(func(err *ReconnectExhaustedError) {
			syncClient.addError(err.Error())
		}),
		syncClient.conflictEngine.AddConflictCallback(func(conflict Conflict) {
			if conflict.Status == ConflictStatusFailed && conflict.Err != nil {
				syncClient.addError(conflict.Err.Error())
			} else {
				syncClient.updateStatus(nil)
			}
		}),
	}

	go HandleError(syncClient.resolveConflicts)

	return syncClient
}

func (self *SyncClient) Supervisor() *Supervisor {
	return self.supervisor
}

func (self *SyncClient) ConflictEngine() *ConflictEngine {
	return self.conflictEngine
}

func (self *SyncClient) Store() StateStore {
	return self.store
}

func (self *SyncClient) Connect(ctx context.Context, address string, options ConnectOptions) error {
	return self.supervisor.Connect(ctx, address, options)
}

func (self *SyncClient) Disconnect() {
	self.supervisor.Disconnect()
}

func (self *SyncClient) Close() {
	self.cancel()
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.supervisor.Close()
}

func (self *SyncClient) Status() SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status.Clone()
}

// called with a copy of the status on every change
func (self *SyncClient) AddStatusCallback(statusCallback SyncStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) Presence() map[string]Presence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	presence := map[string]Presence{}
	for userId, p := range self.presence {
		presence[userId] = *p
	}
	return presence
}

// applies a local change and sends it to the server.
// returns true if the update was sent immediately, false if it was queued.
func (self *SyncClient) Update(key string, value any) (bool, error) {
	now := self.scheduler.Now()
	entityState := NewEntityState(value, now.UnixMilli())
	change := Change{
		Type: ChangeTypeSyncUpdate,
		Payload: ChangePayload{
			Key:    key,
			Value:  entityState,
			Source: ChangeSourceLocal,
		},
	}
	if err := self.store.Dispatch(change); err != nil {
		return false, err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.pendingKeys[key] += 1
	}()

	sent := self.supervisor.Send(MessageTypeSyncUpdate, &SyncUpdatePayload{
		Key:       key,
		Value:     value,
		Timestamp: now.UnixMilli(),
		Source:    ChangeSourceLocal,
	})
	self.updateStatus(nil)
	return sent, nil
}

func (self *SyncClient) syncUpdate(message *Message) {
	if message.ClientId == self.supervisor.Identity().ClientId.String() {
		// own update echoed back
		return
	}
	var update SyncUpdatePayload
	if err := message.DecodePayload(&update); err != nil || update.Key == "" {
		glog.Infof("[sc]drop bad %s = %v\n", message.Type, err)
		return
	}

	remote := EntityState{
		EntityStateValue:     update.Value,
		EntityStateTimestamp: update.Timestamp,
	}
	if update.Priority != nil {
		remote[EntityStatePriority] = *update.Priority
	}

	local, ok := self.store.GetState()[update.Key]
	if ok && self.divergent(update.Key, local, remote) {
		conflict := NewConflict(update.Key, local, remote)
		conflict.DetectedAt = self.scheduler.Now()
		self.enqueueConflict(conflict)
		return
	}

	if err := self.store.Dispatch(RemoteChange(update.Key, remote)); err != nil {
		self.addError(fmt.Sprintf("apply %s: %s", update.Key, err))
		return
	}
	self.synced()
}

// local state diverges when its value differs and it changed after the last sync
func (self *SyncClient) divergent(key string, local EntityState, remote EntityState) bool {
	if reflect.DeepEqual(local.Value(), remote.Value()) {
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.pendingKeys[key] {
		return true
	}
	return self.status.LastSync.UnixMilli() < local.Timestamp()
}

func (self *SyncClient) syncResponse(message *Message) {
	var response SyncResponsePayload
	if err := message.DecodePayload(&response); err != nil {
		// an empty response acknowledges everything
		response = SyncResponsePayload{Success: true}
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if len(response.Keys) == 0 {
			self.pendingKeys = map[string]int{}
		}
		for _, key := range response.Keys {
			self.releasePendingKey(key)
		}
	}()
	self.synced()
}

// a local update that was dropped from the outbound queue will never be acknowledged
func (self *SyncClient) messageLost(message *Message, reason MessageLossReason) {
	if message.Type != MessageTypeSyncUpdate {
		self.updateStatus(nil)
		return
	}
	var update SyncUpdatePayload
	if err := message.DecodePayload(&update); err != nil || update.Key == "" {
		self.updateStatus(nil)
		return
	}
	glog.Infof("[sc]update %s %s before it was sent\n", update.Key, reason)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.releasePendingKey(update.Key)
	}()
	self.addError(fmt.Sprintf("update %s %s before it was sent", update.Key, reason))
}

// must be called with the state lock
func (self *SyncClient) releasePendingKey(key string) {
	if n := self.pendingKeys[key]; n <= 1 {
		delete(self.pendingKeys, key)
	} else {
		self.pendingKeys[key] = n - 1
	}
}

func (self *SyncClient) synced() {
	now := self.scheduler.Now()
	self.updateStatus(func(status *SyncStatus) {
		status.LastSync = now
	})
}

func (self *SyncClient) conflictDetected(message *Message) {
	var detected ConflictDetectedPayload
	if err := message.DecodePayload(&detected); err != nil || detected.Key == "" {
		glog.Infof("[sc]drop bad %s = %v\n", message.Type, err)
		return
	}
	conflict := NewConflict(detected.Key, detected.LocalState, detected.RemoteUpdate)
	if detected.ConflictId != "" {
		conflict.Id = detected.ConflictId
	}
	if detected.Type != "" {
		conflict.Type = detected.Type
	}
	conflict.Strategy = detected.Strategy
	conflict.DetectedAt = self.scheduler.Now()
	self.enqueueConflict(conflict)
}

// a peer resolved a conflict. a pending user decision for it is completed, otherwise the state is applied.
func (self *SyncClient) conflictResolved(message *Message) {
	var resolved ConflictResolutionPayload
	if err := message.DecodePayload(&resolved); err != nil {
		glog.Infof("[sc]drop bad %s = %s\n", message.Type, err)
		return
	}
	resolution := &Resolution{
		Action:     resolved.Action,
		Reason:     resolved.Reason,
		Resolution: resolved.Resolution,
	}
	if resolved.ConflictId != "" && slices.Contains(self.conflictEngine.PendingInterventions(), resolved.ConflictId) {
		self.conflictEngine.ProvideUserResolution(resolved.ConflictId, resolution)
		return
	}
	if resolved.Key == "" || resolved.Resolution == nil {
		return
	}
	if err := self.store.Dispatch(RemoteChange(resolved.Key, resolved.Resolution)); err != nil {
		self.addError(fmt.Sprintf("apply %s: %s", resolved.Key, err))
		return
	}
	self.synced()
}

func (self *SyncClient) presenceUpdate(message *Message) {
	var presencePayload PresencePayload
	if err := message.DecodePayload(&presencePayload); err != nil || presencePayload.UserId == "" {
		glog.Infof("[sc]drop bad %s = %v\n", message.Type, err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch message.Type {
	case MessageTypeUserDisconnected:
		delete(self.presence, presencePayload.UserId)
	default:
		status := presencePayload.Status
		if status == "" && message.Type == MessageTypeUserConnected {
			status = "online"
		}
		self.presence[presencePayload.UserId] = &Presence{
			UserId:    presencePayload.UserId,
			Status:    status,
			Data:      maps.Clone(presencePayload.Data),
			UpdatedAt: self.scheduler.Now(),
		}
	}
}

func (self *SyncClient) serverError(message *Message) {
	var errorPayload ErrorPayload
	if err := message.DecodePayload(&errorPayload); err != nil {
		self.addError("server error")
		return
	}
	if errorPayload.Code != "" {
		self.addError(fmt.Sprintf("%s: %s", errorPayload.Code, errorPayload.Message))
	} else {
		self.addError(errorPayload.Message)
	}
}

func (self *SyncClient) enqueueConflict(conflict *Conflict) {
	if !self.settings.AutoResolve {
		conflict.Strategy = string(StrategyUserChoice)
	}
	select {
	case <-self.ctx.Done():
	case self.conflicts <- conflict:
	}
}

func (self *SyncClient) resolveConflicts() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case conflict := <-self.conflicts:
			HandleError(func() {
				self.resolveConflict(conflict)
			})
		}
	}
}

func (self *SyncClient) resolveConflict(conflict *Conflict) {
	resolution, err := self.conflictEngine.Resolve(self.ctx, conflict)
	if err != nil {
		// the engine reports the failure through the conflict callback
		return
	}

	if resolution.Action != ResolutionActionAcceptLocal && resolution.Resolution != nil {
		if err := self.store.Dispatch(RemoteChange(conflict.Key, resolution.Resolution)); err != nil {
			self.addError(fmt.Sprintf("apply %s: %s", conflict.Key, err))
			return
		}
	}
	if self.settings.EchoResolutions {
		self.supervisor.Send(MessageTypeConflictResolution, &ConflictResolutionPayload{
			ConflictId: conflict.Id,
			Key:        conflict.Key,
			Action:     resolution.Action,
			Reason:     resolution.Reason,
			Resolution: resolution.Resolution,
		})
	}
	self.synced()
}

func (self *SyncClient) addError(err string) {
	self.updateStatus(func(status *SyncStatus) {
		status.Errors = appendStatusError(status.Errors, err, self.settings.MaxStatusErrors)
	})
}

// recomputes the derived fields, applies `update`, and notifies if anything changed
func (self *SyncClient) updateStatus(update func(status *SyncStatus)) {
	state := self.supervisor.State()
	queueLen := self.supervisor.Queue().Len()
	conflictIds := []string{}
	for _, conflict := range self.conflictEngine.ActiveConflicts() {
		conflictIds = append(conflictIds, conflict.Id)
	}

	var status SyncStatus
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		next := self.status.Clone()
		if update != nil {
			update(&next)
		}
		pendingCount := 0
		for _, n := range self.pendingKeys {
			pendingCount += n
		}
		next.ConnectionState = state
		next.IsOnline = state.IsOnline()
		next.IsSyncing = next.IsOnline && (0 < pendingCount || 0 < queueLen || 0 < len(conflictIds))
		next.PendingOperations = max(pendingCount, queueLen)
		next.Conflicts = conflictIds

		if !next.Equal(self.status) {
			self.status = next
			status = next.Clone()
			changed = true
		}
	}()

	if changed {
		for _, statusCallback := range self.statusCallbacks.Get() {
			HandleError(func() {
				statusCallback(status)
			})
		}
	}
}
