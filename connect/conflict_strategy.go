package connect

import (
	"errors"
	"fmt"
)

// built-in strategies are a fixed dispatch table. extensions are registered as `Strategy` values.
type StrategyName string

const (
	StrategyLastWriteWins  StrategyName = "last-write-wins"
	StrategyFirstWriteWins StrategyName = "first-write-wins"
	StrategyMerge          StrategyName = "merge"
	StrategyPriority       StrategyName = "priority"
	StrategyUserChoice     StrategyName = "user-choice"
	StrategyCustom         StrategyName = "custom"
)

var BuiltinStrategies = []StrategyName{
	StrategyLastWriteWins,
	StrategyFirstWriteWins,
	StrategyMerge,
	StrategyPriority,
	StrategyUserChoice,
	StrategyCustom,
}

func (self StrategyName) IsBuiltin() bool {
	switch self {
	case StrategyLastWriteWins,
		StrategyFirstWriteWins,
		StrategyMerge,
		StrategyPriority,
		StrategyUserChoice,
		StrategyCustom:
		return true
	default:
		return false
	}
}

// decides a conflict. implementations must not mutate the conflict.
type Strategy interface {
	Resolve(conflict *Conflict) (*Resolution, error)
}

type StrategyFunc func(conflict *Conflict) (*Resolution, error)

func (self StrategyFunc) Resolve(conflict *Conflict) (*Resolution, error) {
	return self(conflict)
}

var errNoViableState = errors.New("neither side has a state")

// remote wins iff its timestamp is strictly newer. ties keep local.
func LastWriteWins(conflict *Conflict) (*Resolution, error) {
	remoteTimestamp := conflict.RemoteUpdate.preciseTimestamp()
	localTimestamp := conflict.LocalState.preciseTimestamp()
	if localTimestamp < remoteTimestamp {
		if conflict.RemoteUpdate == nil {
			return nil, errNoViableState
		}
		return AcceptRemote(conflict, fmt.Sprintf("remote is newer (%v > %v)", remoteTimestamp, localTimestamp)), nil
	}
	if conflict.LocalState == nil {
		if conflict.RemoteUpdate == nil {
			return nil, errNoViableState
		}
		return AcceptRemote(conflict, "no local state"), nil
	}
	return AcceptLocal(conflict, fmt.Sprintf("local is not older (%v >= %v)", localTimestamp, remoteTimestamp)), nil
}

// local wins unless remote is strictly older
func FirstWriteWins(conflict *Conflict) (*Resolution, error) {
	remoteTimestamp := conflict.RemoteUpdate.preciseTimestamp()
	localTimestamp := conflict.LocalState.preciseTimestamp()
	if remoteTimestamp < localTimestamp {
		if conflict.RemoteUpdate == nil {
			return nil, errNoViableState
		}
		return AcceptRemote(conflict, fmt.Sprintf("remote is older (%v < %v)", remoteTimestamp, localTimestamp)), nil
	}
	if conflict.LocalState == nil {
		if conflict.RemoteUpdate == nil {
			return nil, errNoViableState
		}
		return AcceptRemote(conflict, "no local state"), nil
	}
	return AcceptLocal(conflict, fmt.Sprintf("local is not newer (%v <= %v)", localTimestamp, remoteTimestamp)), nil
}

// deep merges remote into local. falls back to last write wins if the states cannot be merged.
func MergeStrategy(conflict *Conflict) (*Resolution, error) {
	merged, err := MergeStates(conflict.LocalState, conflict.RemoteUpdate)
	if err != nil {
		resolution, fallbackErr := LastWriteWins(conflict)
		if fallbackErr != nil {
			return nil, fmt.Errorf("merge failed (%s) and last write wins is not viable: %w", err, fallbackErr)
		}
		resolution.Reason = fmt.Sprintf("merge failed (%s), %s", err, resolution.Reason)
		return resolution, nil
	}
	return &Resolution{
		Action:     ResolutionActionMerge,
		Reason:     "merged remote changes into local",
		Resolution: merged,
	}, nil
}

// the higher `priority` wins. equal priority falls back to last write wins.
func PriorityStrategy(conflict *Conflict) (*Resolution, error) {
	localPriority := conflict.LocalState.Priority()
	remotePriority := conflict.RemoteUpdate.Priority()
	switch {
	case localPriority < remotePriority && conflict.RemoteUpdate != nil:
		return AcceptRemote(conflict, fmt.Sprintf("remote priority is higher (%v > %v)", remotePriority, localPriority)), nil
	case remotePriority < localPriority && conflict.LocalState != nil:
		return AcceptLocal(conflict, fmt.Sprintf("local priority is higher (%v > %v)", localPriority, remotePriority)), nil
	}
	resolution, err := LastWriteWins(conflict)
	if err != nil {
		return nil, err
	}
	resolution.Reason = fmt.Sprintf("equal priority (%v), %s", localPriority, resolution.Reason)
	return resolution, nil
}

func UserChoiceStrategy(conflict *Conflict) (*Resolution, error) {
	return requireUser("resolution requires a user decision"), nil
}

const maxMergeDepth = 64

var errMergeDepth = fmt.Errorf("merge exceeds max depth %d", maxMergeDepth)

// recursively merges remote fields into local.
// keys that are objects on both sides are merged. everything else, including arrays, is replaced by remote.
// the merged timestamp is the newer of the two. merging a state with itself returns an equal state.
func MergeStates(local EntityState, remote EntityState) (EntityState, error) {
	if local == nil || remote == nil {
		return nil, errors.New("cannot merge a missing state")
	}
	merged, err := mergeObjects(local, remote, 0)
	if err != nil {
		return nil, err
	}
	if remote.preciseTimestamp() < local.preciseTimestamp() {
		merged[EntityStateTimestamp] = deepCopyValue(local[EntityStateTimestamp])
	}
	return EntityState(merged), nil
}

func mergeObjects(local map[string]any, remote map[string]any, depth int) (map[string]any, error) {
	if maxMergeDepth < depth {
		return nil, errMergeDepth
	}
	merged := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		merged[k] = deepCopyValue(v)
	}
	for k, remoteValue := range remote {
		localObject, localOk := asObject(merged[k])
		remoteObject, remoteOk := asObject(remoteValue)
		if localOk && remoteOk {
			mergedObject, err := mergeObjects(localObject, remoteObject, depth+1)
			if err != nil {
				return nil, err
			}
			merged[k] = mergedObject
		} else {
			merged[k] = deepCopyValue(remoteValue)
		}
	}
	return merged, nil
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case EntityState:
		return map[string]any(t), true
	default:
		return nil, false
	}
}
