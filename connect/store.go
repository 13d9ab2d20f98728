package connect

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// key -> entity state
type State map[string]EntityState

type ChangeType string

const (
	ChangeTypeSyncUpdate ChangeType = "SYNC_UPDATE"
)

const (
	ChangeSourceRemote = "remote"
	ChangeSourceLocal  = "local"
)

type ChangePayload struct {
	Key    string      `json:"key"`
	Value  EntityState `json:"value"`
	Source string      `json:"source"`
}

type Change struct {
	Type    ChangeType    `json:"type"`
	Payload ChangePayload `json:"payload"`
}

func RemoteChange(key string, value EntityState) Change {
	return Change{
		Type: ChangeTypeSyncUpdate,
		Payload: ChangePayload{
			Key:    key,
			Value:  value,
			Source: ChangeSourceRemote,
		},
	}
}

// the application state container. the sync client only reads state and dispatches changes.
type StateStore interface {
	GetState() State
	Dispatch(change Change) error
}

type ChangeFunction = func(change Change)

// an in memory store for hosts without their own container
type MapStateStore struct {
	stateLock sync.Mutex
	state     State

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewMapStateStore() *MapStateStore {
	return &MapStateStore{
		state:           State{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

// a copy of the current state
func (self *MapStateStore) GetState() State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := make(State, len(self.state))
	for key, entityState := range self.state {
		state[key] = entityState.Clone()
	}
	return state
}

func (self *MapStateStore) Get(key string) (EntityState, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entityState, ok := self.state[key]
	return entityState.Clone(), ok
}

func (self *MapStateStore) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(self.state)
	slices.Sort(keys)
	return keys
}

func (self *MapStateStore) Dispatch(change Change) error {
	if change.Type != ChangeTypeSyncUpdate {
		return fmt.Errorf("Unknown change type: %s", change.Type)
	}
	if change.Payload.Key == "" {
		return errors.New("Change is missing a key.")
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if change.Payload.Value == nil {
			delete(self.state, change.Payload.Key)
		} else {
			self.state[change.Payload.Key] = change.Payload.Value.Clone()
		}
	}()

	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(change)
		})
	}
	return nil
}

func (self *MapStateStore) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}
