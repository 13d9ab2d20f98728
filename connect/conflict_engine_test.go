package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestConflictEngine(settings *ConflictEngineSettings) (*ConflictEngine, *manualScheduler) {
	scheduler := newManualScheduler()
	return NewConflictEngine(scheduler, NewUnregisteredMetrics(), settings), scheduler
}

type resolveResult struct {
	resolution *Resolution
	err        error
}

func resolveAsync(ctx context.Context, conflictEngine *ConflictEngine, conflict *Conflict) chan resolveResult {
	results := make(chan resolveResult, 1)
	go func() {
		resolution, err := conflictEngine.Resolve(ctx, conflict)
		results <- resolveResult{resolution: resolution, err: err}
	}()
	return results
}

func awaitResult(t *testing.T, results chan resolveResult) resolveResult {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a resolve result.")
		return resolveResult{}
	}
}

func TestConflictEngineDefaultStrategy(t *testing.T) {
	conflictEngine, _ := newTestConflictEngine(DefaultConflictEngineSettings())

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	resolution, err := conflictEngine.Resolve(context.Background(), conflict)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolution.Action, ResolutionActionAcceptRemote)
	assert.Equal(t, resolution.Resolution.Value(), "y")
	assert.Equal(t, resolution.Strategy, string(StrategyLastWriteWins))
	assert.Equal(t, resolution.User, false)

	assert.Equal(t, len(conflictEngine.ActiveConflicts()), 0)
	history := conflictEngine.History()
	assert.Equal(t, len(history), 1)
	assert.Equal(t, history[0].Id, conflict.Id)
	assert.Equal(t, history[0].Status, ConflictStatusResolved)
	assert.Equal(t, history[0].Resolution.Action, ResolutionActionAcceptRemote)
	// the caller's conflict is not modified
	assert.Equal(t, conflict.Status, ConflictStatus(""))

	metrics := conflictEngine.Metrics().Snapshot()
	assert.Equal(t, metrics.ConflictsDetected, int64(1))
	assert.Equal(t, metrics.ConflictsResolved, int64(1))
	assert.Equal(t, metrics.ConflictsAutoResolved, int64(1))
}

func TestConflictEngineUserResolution(t *testing.T) {
	conflictEngine, scheduler := newTestConflictEngine(DefaultConflictEngineSettings())

	var mutex sync.Mutex
	statuses := []ConflictStatus{}
	conflictEngine.AddConflictCallback(func(conflict Conflict) {
		mutex.Lock()
		defer mutex.Unlock()
		statuses = append(statuses, conflict.Status)
	})

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	conflict.Strategy = string(StrategyUserChoice)
	results := resolveAsync(context.Background(), conflictEngine, conflict)

	waitFor(t, time.Second, func() bool {
		return len(conflictEngine.PendingInterventions()) == 1
	})
	assert.Equal(t, conflictEngine.PendingInterventions(), []string{conflict.Id})
	active, ok := conflictEngine.ActiveConflict(conflict.Id)
	assert.Equal(t, ok, true)
	assert.Equal(t, active.Status, ConflictStatusResolving)

	scheduler.Advance(5 * time.Second)
	ok = conflictEngine.ProvideUserResolution(conflict.Id, UserChoice(NewEntityState("z", 3000), "picked"))
	assert.Equal(t, ok, true)

	result := awaitResult(t, results)
	assert.Equal(t, result.err, nil)
	assert.Equal(t, result.resolution.Action, ResolutionActionUserChoice)
	assert.Equal(t, result.resolution.Resolution.Value(), "z")
	assert.Equal(t, result.resolution.User, true)

	// a second decision has nothing to complete
	ok = conflictEngine.ProvideUserResolution(conflict.Id, UserChoice(NewEntityState("w", 4000), "late"))
	assert.Equal(t, ok, false)

	assert.Equal(t, len(conflictEngine.ActiveConflicts()), 0)
	assert.Equal(t, len(conflictEngine.PendingInterventions()), 0)
	history := conflictEngine.History()
	assert.Equal(t, len(history), 1)
	assert.Equal(t, history[0].ResolutionTime(), 5*time.Second)

	metrics := conflictEngine.Metrics().Snapshot()
	assert.Equal(t, metrics.ConflictsUserResolved, int64(1))
	assert.Equal(t, metrics.AverageResolutionTime, 5*time.Second)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, statuses, []ConflictStatus{ConflictStatusResolving, ConflictStatusResolved})
}

func TestConflictEngineUserTimeout(t *testing.T) {
	settings := DefaultConflictEngineSettings()
	settings.ConflictTimeout = 30 * time.Second
	conflictEngine, scheduler := newTestConflictEngine(settings)

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	conflict.Strategy = string(StrategyUserChoice)
	results := resolveAsync(context.Background(), conflictEngine, conflict)

	waitFor(t, time.Second, func() bool {
		return len(conflictEngine.PendingInterventions()) == 1
	})
	scheduler.Advance(29 * time.Second)
	select {
	case <-results:
		t.Fatal("Resolved before the timeout.")
	default:
	}
	scheduler.Advance(1 * time.Second)

	result := awaitResult(t, results)
	assert.Equal(t, result.resolution, nil)
	assert.Equal(t, errors.Is(result.err, ErrUserInterventionTimeout), true)

	history := conflictEngine.History()
	assert.Equal(t, len(history), 1)
	assert.Equal(t, history[0].Status, ConflictStatusFailed)
	assert.Equal(t, errors.Is(history[0].Err, ErrUserInterventionTimeout), true)
	assert.Equal(t, len(conflictEngine.ActiveConflicts()), 0)
	assert.Equal(t, conflictEngine.Metrics().Snapshot().ConflictsFailed, int64(1))

	assert.Equal(t, conflictEngine.ProvideUserResolution(conflict.Id, UserChoice(NewEntityState("z", 1), "late")), false)
}

func TestConflictEngineUserDecisionAtTimeout(t *testing.T) {
	settings := DefaultConflictEngineSettings()
	settings.ConflictTimeout = 30 * time.Second
	conflictEngine, scheduler := newTestConflictEngine(settings)

	for i := 0; i < 32; i += 1 {
		conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
		conflict.Strategy = string(StrategyUserChoice)
		results := resolveAsync(context.Background(), conflictEngine, conflict)

		waitFor(t, time.Second, func() bool {
			return len(conflictEngine.PendingInterventions()) == 1
		})
		// the decision and the timeout are both ready when the waiter wakes
		ok := conflictEngine.ProvideUserResolution(conflict.Id, UserChoice(NewEntityState("z", 3000), "picked"))
		assert.Equal(t, ok, true)
		scheduler.Advance(30 * time.Second)

		// an accepted decision is never lost to the timeout
		result := awaitResult(t, results)
		assert.Equal(t, result.err, nil)
		assert.Equal(t, result.resolution.Resolution.Value(), "z")
	}
	assert.Equal(t, conflictEngine.Metrics().Snapshot().ConflictsFailed, int64(0))
	assert.Equal(t, len(conflictEngine.PendingInterventions()), 0)
}

func TestConflictEngineHistoryIsolation(t *testing.T) {
	conflictEngine, _ := newTestConflictEngine(DefaultConflictEngineSettings())

	callbackConflicts := []Conflict{}
	conflictEngine.AddConflictCallback(func(conflict Conflict) {
		callbackConflicts = append(callbackConflicts, conflict)
	})

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	resolution, err := conflictEngine.Resolve(context.Background(), conflict)
	assert.Equal(t, err, nil)

	conflict.LocalState[EntityStateValue] = "changed by caller"
	conflict.RemoteUpdate[EntityStateValue] = "changed by caller"
	resolution.Resolution[EntityStateValue] = "changed by caller"

	history := conflictEngine.History()
	history[0].LocalState[EntityStateValue] = "changed by reader"
	history[0].RemoteUpdate[EntityStateValue] = "changed by reader"
	history[0].Resolution.Resolution[EntityStateValue] = "changed by reader"
	history[0].Resolution.Action = ResolutionActionAcceptLocal

	for _, callbackConflict := range callbackConflicts {
		callbackConflict.LocalState[EntityStateValue] = "changed by callback"
	}

	history = conflictEngine.History()
	assert.Equal(t, len(history), 1)
	assert.Equal(t, history[0].LocalState.Value(), "x")
	assert.Equal(t, history[0].RemoteUpdate.Value(), "y")
	assert.Equal(t, history[0].Resolution.Resolution.Value(), "y")
	assert.Equal(t, history[0].Resolution.Action, ResolutionActionAcceptRemote)
}

func TestConflictEngineActiveIsolation(t *testing.T) {
	conflictEngine, _ := newTestConflictEngine(DefaultConflictEngineSettings())

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	conflict.Strategy = string(StrategyUserChoice)
	results := resolveAsync(context.Background(), conflictEngine, conflict)

	waitFor(t, time.Second, func() bool {
		return len(conflictEngine.PendingInterventions()) == 1
	})
	conflict.LocalState[EntityStateValue] = "changed by caller"
	active, ok := conflictEngine.ActiveConflict(conflict.Id)
	assert.Equal(t, ok, true)
	active.RemoteUpdate[EntityStateValue] = "changed by reader"
	conflictEngine.ActiveConflicts()[0].RemoteUpdate[EntityStateValue] = "changed by reader"

	active, _ = conflictEngine.ActiveConflict(conflict.Id)
	assert.Equal(t, active.LocalState.Value(), "x")
	assert.Equal(t, active.RemoteUpdate.Value(), "y")

	conflictEngine.CancelUserIntervention(conflict.Id, nil)
	result := awaitResult(t, results)
	assert.Equal(t, errors.Is(result.err, ErrUserInterventionCancelled), true)
}

func TestConflictEngineUserCancel(t *testing.T) {
	conflictEngine, _ := newTestConflictEngine(DefaultConflictEngineSettings())

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	conflict.Strategy = string(StrategyUserChoice)
	results := resolveAsync(context.Background(), conflictEngine, conflict)
	waitFor(t, time.Second, func() bool {
		return len(conflictEngine.PendingInterventions()) == 1
	})

	assert.Equal(t, conflictEngine.CancelUserIntervention(conflict.Id, errors.New("dialog closed")), true)
	result := awaitResult(t, results)
	assert.Equal(t, errors.Is(result.err, ErrUserInterventionCancelled), true)
	assert.Equal(t, conflictEngine.CancelUserIntervention(conflict.Id, nil), false)

	// a cancelled context also ends the wait
	ctx, cancel := context.WithCancel(context.Background())
	conflict = NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	conflict.Strategy = string(StrategyUserChoice)
	results = resolveAsync(ctx, conflictEngine, conflict)
	waitFor(t, time.Second, func() bool {
		return len(conflictEngine.PendingInterventions()) == 1
	})
	cancel()
	result = awaitResult(t, results)
	assert.Equal(t, errors.Is(result.err, ErrUserInterventionCancelled), true)
	assert.Equal(t, errors.Is(result.err, context.Canceled), true)
}

func TestConflictEngineUserInterventionDisabled(t *testing.T) {
	settings := DefaultConflictEngineSettings()
	settings.EnableUserIntervention = false
	conflictEngine, _ := newTestConflictEngine(settings)

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	conflict.Strategy = string(StrategyUserChoice)
	resolution, err := conflictEngine.Resolve(context.Background(), conflict)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolution.Action, ResolutionActionAcceptRemote)
	assert.Equal(t, resolution.Strategy, string(StrategyLastWriteWins))
}

func TestConflictEngineDuplicateActive(t *testing.T) {
	conflictEngine, _ := newTestConflictEngine(DefaultConflictEngineSettings())

	conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
	conflict.Strategy = string(StrategyUserChoice)
	results := resolveAsync(context.Background(), conflictEngine, conflict)
	waitFor(t, time.Second, func() bool {
		return len(conflictEngine.PendingInterventions()) == 1
	})

	_, err := conflictEngine.Resolve(context.Background(), conflict)
	assert.Equal(t, errors.Is(err, ErrConflictResolution), true)

	conflictEngine.ProvideUserResolution(conflict.Id, &Resolution{Resolution: NewEntityState("z", 1)})
	result := awaitResult(t, results)
	assert.Equal(t, result.err, nil)
	assert.Equal(t, result.resolution.Action, ResolutionActionUserChoice)
}

func TestConflictEngineRegistry(t *testing.T) {
	conflictEngine, _ := newTestConflictEngine(DefaultConflictEngineSettings())

	remoteWins := StrategyFunc(func(conflict *Conflict) (*Resolution, error) {
		return AcceptRemote(conflict, "always"), nil
	})

	assert.Equal(t, conflictEngine.RegisterStrategy("remote-wins", remoteWins), nil)
	assert.Equal(t, errors.Is(conflictEngine.RegisterStrategy(string(StrategyMerge), remoteWins), ErrBuiltinStrategy), true)
	assert.NotEqual(t, conflictEngine.RegisterStrategy("", remoteWins), nil)

	assert.Equal(t, conflictEngine.SetDefaultStrategy("remote-wins"), nil)
	assert.Equal(t, errors.Is(conflictEngine.SetDefaultStrategy("nope"), ErrUnknownStrategy), true)
	assert.Equal(t, conflictEngine.DefaultStrategy(), "remote-wins")

	strategies := conflictEngine.Strategies()
	err := conflictEngine.UnregisterStrategy("remote-wins")
	assert.Equal(t, errors.Is(err, ErrDefaultStrategy), true)
	assert.Equal(t, conflictEngine.Strategies(), strategies)
	assert.Equal(t, conflictEngine.DefaultStrategy(), "remote-wins")

	conflict := NewConflict("doc", NewEntityState("x", 3000), NewEntityState("y", 2000))
	resolution, err := conflictEngine.Resolve(context.Background(), conflict)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolution.Action, ResolutionActionAcceptRemote)
	assert.Equal(t, resolution.Strategy, "remote-wins")

	assert.Equal(t, errors.Is(conflictEngine.UnregisterStrategy(string(StrategyMerge)), ErrBuiltinStrategy), true)
	assert.Equal(t, errors.Is(conflictEngine.UnregisterStrategy("nope"), ErrUnknownStrategy), true)

	assert.Equal(t, conflictEngine.SetDefaultStrategy(string(StrategyMerge)), nil)
	assert.Equal(t, conflictEngine.UnregisterStrategy("remote-wins"), nil)

	conflict = NewConflict("doc", NewEntityState("x", 3000), NewEntityState("y", 2000))
	conflict.Strategy = "remote-wins"
	_, err = conflictEngine.Resolve(context.Background(), conflict)
	assert.Equal(t, errors.Is(err, ErrConflictResolution), true)
	assert.Equal(t, errors.Is(err, ErrUnknownStrategy), true)
}

func TestConflictEngineStrategyFailure(t *testing.T) {
	conflictEngine, _ := newTestConflictEngine(DefaultConflictEngineSettings())

	conflictEngine.RegisterStrategy("panics", StrategyFunc(func(conflict *Conflict) (*Resolution, error) {
		panic("bad strategy")
	}))
	conflictEngine.RegisterStrategy("empty", StrategyFunc(func(conflict *Conflict) (*Resolution, error) {
		return nil, nil
	}))

	for _, strategyName := range []string{"panics", "empty"} {
		conflict := NewConflict("doc", NewEntityState("x", 1000), NewEntityState("y", 2000))
		conflict.Strategy = strategyName
		_, err := conflictEngine.Resolve(context.Background(), conflict)
		var resolutionErr *ConflictResolutionError
		assert.Equal(t, errors.As(err, &resolutionErr), true)
		assert.Equal(t, resolutionErr.ConflictId, conflict.Id)
	}
	assert.Equal(t, conflictEngine.Metrics().Snapshot().ConflictsFailed, int64(2))
}

func TestConflictEngineCustomStrategy(t *testing.T) {
	exprStrategy, err := NewExprStrategy("remote.priority > local.priority")
	assert.Equal(t, err, nil)

	settings := DefaultConflictEngineSettings()
	settings.DefaultStrategy = string(StrategyCustom)
	settings.CustomStrategy = exprStrategy
	conflictEngine, _ := newTestConflictEngine(settings)

	local := NewEntityState("x", 3000)
	local[EntityStatePriority] = 1
	remote := NewEntityState("y", 2000)
	remote[EntityStatePriority] = 2
	resolution, err := conflictEngine.Resolve(context.Background(), NewConflict("doc", local, remote))
	assert.Equal(t, err, nil)
	assert.Equal(t, resolution.Action, ResolutionActionAcceptRemote)
	assert.Equal(t, resolution.Strategy, string(StrategyCustom))

	// without a custom strategy, custom falls back to last write wins
	conflictEngine, _ = newTestConflictEngine(DefaultConflictEngineSettings())
	conflict := NewConflict("doc", local, remote)
	conflict.Strategy = string(StrategyCustom)
	resolution, err = conflictEngine.Resolve(context.Background(), conflict)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolution.Action, ResolutionActionAcceptLocal)
	assert.Equal(t, resolution.Strategy, string(StrategyLastWriteWins))
}

func TestConflictEngineHistoryBound(t *testing.T) {
	settings := DefaultConflictEngineSettings()
	settings.MaxConflictHistory = 3
	conflictEngine, _ := newTestConflictEngine(settings)

	conflictIds := []string{}
	for i := 0; i < 5; i += 1 {
		conflict := NewConflict(fmt.Sprintf("k%d", i), NewEntityState("x", 1000), NewEntityState("y", 2000))
		conflictIds = append(conflictIds, conflict.Id)
		_, err := conflictEngine.Resolve(context.Background(), conflict)
		assert.Equal(t, err, nil)
	}

	history := conflictEngine.History()
	assert.Equal(t, len(history), 3)
	historyIds := []string{}
	for _, conflict := range history {
		historyIds = append(historyIds, conflict.Id)
	}
	assert.Equal(t, historyIds, conflictIds[2:])
}
