package connect

import (
	"encoding/json"
	"math"
	"time"
)

// the state of one entity on one side of a conflict.
// by convention it carries `value`, `timestamp` (epoch millis) and optionally `priority`.
type EntityState map[string]any

const (
	EntityStateValue     = "value"
	EntityStateTimestamp = "timestamp"
	EntityStatePriority  = "priority"
)

func NewEntityState(value any, timestamp int64) EntityState {
	return EntityState{
		EntityStateValue:     value,
		EntityStateTimestamp: timestamp,
	}
}

func (self EntityState) Value() any {
	return self[EntityStateValue]
}

// zero if missing or not numeric
func (self EntityState) Timestamp() int64 {
	return int64(self.preciseTimestamp())
}

// decoded json timestamps may carry fractional millis
func (self EntityState) preciseTimestamp() float64 {
	timestamp, _ := numberValue(self[EntityStateTimestamp])
	return timestamp
}

func (self EntityState) HasTimestamp() bool {
	_, ok := numberValue(self[EntityStateTimestamp])
	return ok
}

// zero if missing
func (self EntityState) Priority() float64 {
	priority, _ := numberValue(self[EntityStatePriority])
	return priority
}

func (self EntityState) Clone() EntityState {
	if self == nil {
		return nil
	}
	return EntityState(deepCopyObject(self))
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// conflict state machine is:
// ConflictStatusResolving
//
//	-> ConflictStatusResolved (terminal)
//	-> ConflictStatusFailed (terminal)
type ConflictStatus string

const (
	ConflictStatusResolving ConflictStatus = "resolving"
	ConflictStatusResolved  ConflictStatus = "resolved"
	ConflictStatusFailed    ConflictStatus = "failed"
)

func (self ConflictStatus) IsTerminal() bool {
	switch self {
	case ConflictStatusResolved, ConflictStatusFailed:
		return true
	default:
		return false
	}
}

const ConflictTypeConcurrentUpdate = "concurrent_update"

type Conflict struct {
	Id           string         `json:"id"`
	Type         string         `json:"type"`
	Key          string         `json:"key"`
	LocalState   EntityState    `json:"localState"`
	RemoteUpdate EntityState    `json:"remoteUpdate"`
	DetectedAt   time.Time      `json:"detectedAt"`
	Status       ConflictStatus `json:"status"`
	// overrides the engine default when set
	Strategy   string      `json:"strategy,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Err        error       `json:"-"`
	ResolvedAt time.Time   `json:"resolvedAt,omitempty"`
}

func NewConflict(key string, localState EntityState, remoteUpdate EntityState) *Conflict {
	return &Conflict{
		Id:           NewId().String(),
		Type:         ConflictTypeConcurrentUpdate,
		Key:          key,
		LocalState:   localState,
		RemoteUpdate: remoteUpdate,
	}
}

// a copy that shares no state with the original
func (self *Conflict) Clone() Conflict {
	c := *self
	c.LocalState = self.LocalState.Clone()
	c.RemoteUpdate = self.RemoteUpdate.Clone()
	c.Resolution = self.Resolution.Clone()
	return c
}

func (self *Conflict) ResolutionTime() time.Duration {
	if self.ResolvedAt.IsZero() || self.DetectedAt.IsZero() {
		return 0
	}
	return self.ResolvedAt.Sub(self.DetectedAt)
}

type ResolutionAction string

const (
	ResolutionActionAcceptRemote     ResolutionAction = "accept_remote"
	ResolutionActionAcceptLocal      ResolutionAction = "accept_local"
	ResolutionActionMerge            ResolutionAction = "merge"
	ResolutionActionUserIntervention ResolutionAction = "user_intervention"
	// a value supplied by the user that is neither side
	ResolutionActionUserChoice ResolutionAction = "user_choice"
)

type Resolution struct {
	Action ResolutionAction `json:"action"`
	Reason string           `json:"reason,omitempty"`
	// the resolved state of the entity. nil for `user_intervention`
	Resolution EntityState `json:"resolution,omitempty"`
	// the strategy that produced the resolution
	Strategy string `json:"strategy,omitempty"`
	// true if a person decided
	User bool `json:"user,omitempty"`
}

func (self *Resolution) Clone() *Resolution {
	if self == nil {
		return nil
	}
	c := *self
	c.Resolution = self.Resolution.Clone()
	return &c
}

func (self *Resolution) RequiresUser() bool {
	return self.Action == ResolutionActionUserIntervention
}

func AcceptRemote(conflict *Conflict, reason string) *Resolution {
	return &Resolution{
		Action:     ResolutionActionAcceptRemote,
		Reason:     reason,
		Resolution: conflict.RemoteUpdate.Clone(),
	}
}

func AcceptLocal(conflict *Conflict, reason string) *Resolution {
	return &Resolution{
		Action:     ResolutionActionAcceptLocal,
		Reason:     reason,
		Resolution: conflict.LocalState.Clone(),
	}
}

func UserChoice(state EntityState, reason string) *Resolution {
	return &Resolution{
		Action:     ResolutionActionUserChoice,
		Reason:     reason,
		Resolution: state.Clone(),
	}
}

func requireUser(reason string) *Resolution {
	return &Resolution{
		Action: ResolutionActionUserIntervention,
		Reason: reason,
	}
}

func deepCopyObject(object map[string]any) map[string]any {
	c := make(map[string]any, len(object))
	for k, v := range object {
		c[k] = deepCopyValue(v)
	}
	return c
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyObject(t)
	case EntityState:
		return EntityState(deepCopyObject(t))
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = deepCopyValue(e)
		}
		return c
	default:
		return v
	}
}
