package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ConflictFunction = func(conflict Conflict)

func DefaultConflictEngineSettings() *ConflictEngineSettings {
	return &ConflictEngineSettings{
		ConflictTimeout:        30 * time.Second,
		MaxConflictHistory:     100,
		DefaultStrategy:        string(StrategyLastWriteWins),
		EnableUserIntervention: true,
	}
}

type ConflictEngineSettings struct {
	// bounds the wait for a user decision
	ConflictTimeout    time.Duration
	MaxConflictHistory int
	DefaultStrategy    string
	// when false, strategies that escalate fall back to last write wins
	EnableUserIntervention bool
	// backs the `custom` strategy
	CustomStrategy Strategy
}

type userDecision struct {
	resolution *Resolution
	cancelled  bool
	err        error
}

// resolves divergences between local and remote entity state.
// conflicts are active while resolving and are archived to a bounded history when terminal.
type ConflictEngine struct {
	scheduler Scheduler
	settings  *ConflictEngineSettings
	metrics   *Metrics

	stateLock       sync.Mutex
	defaultStrategy string
	strategies      map[string]Strategy
	activeConflicts map[string]*Conflict
	history         *ringBuffer[Conflict]
	// conflict id -> single shot decision
	pendingDecisions map[string]chan userDecision

	conflictCallbacks *CallbackList[ConflictFunction]
}

func NewConflictEngineWithDefaults() *ConflictEngine {
	return NewConflictEngine(NewTimeScheduler(), NewUnregisteredMetrics(), DefaultConflictEngineSettings())
}

func NewConflictEngine(scheduler Scheduler, metrics *Metrics, settings *ConflictEngineSettings) *ConflictEngine {
	defaultStrategy := settings.DefaultStrategy
	if defaultStrategy == "" {
		defaultStrategy = string(StrategyLastWriteWins)
	}
	return &ConflictEngine{
		scheduler:         scheduler,
		settings:          settings,
		metrics:           metrics,
		defaultStrategy:   defaultStrategy,
		strategies:        map[string]Strategy{},
		activeConflicts:   map[string]*Conflict{},
		history:           newRingBuffer[Conflict](settings.MaxConflictHistory),
		pendingDecisions:  map[string]chan userDecision{},
		conflictCallbacks: NewCallbackList[ConflictFunction](),
	}
}

// called when a conflict becomes active and again when it reaches a terminal status
func (self *ConflictEngine) AddConflictCallback(conflictCallback ConflictFunction) func() {
	callbackId := self.conflictCallbacks.Add(conflictCallback)
	return func() {
		self.conflictCallbacks.Remove(callbackId)
	}
}

func (self *ConflictEngine) DefaultStrategy() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.defaultStrategy
}

func (self *ConflictEngine) SetDefaultStrategy(name string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.hasStrategy(name) {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	self.defaultStrategy = name
	return nil
}

func (self *ConflictEngine) RegisterStrategy(name string, strategy Strategy) error {
	if StrategyName(name).IsBuiltin() {
		return fmt.Errorf("%w: %s", ErrBuiltinStrategy, name)
	}
	if name == "" || strategy == nil {
		return errors.New("A strategy needs a name and an implementation.")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.strategies[name] = strategy
	return nil
}

func (self *ConflictEngine) UnregisterStrategy(name string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if name == self.defaultStrategy {
		return fmt.Errorf("%w: %s", ErrDefaultStrategy, name)
	}
	if StrategyName(name).IsBuiltin() {
		return fmt.Errorf("%w: %s", ErrBuiltinStrategy, name)
	}
	if _, ok := self.strategies[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	delete(self.strategies, name)
	return nil
}

// built-in and registered names, sorted
func (self *ConflictEngine) Strategies() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	names := maps.Keys(self.strategies)
	for _, name := range BuiltinStrategies {
		names = append(names, string(name))
	}
	slices.Sort(names)
	return names
}

// must be called with `stateLock`
func (self *ConflictEngine) hasStrategy(name string) bool {
	if StrategyName(name).IsBuiltin() {
		return true
	}
	_, ok := self.strategies[name]
	return ok
}

// active conflicts ordered by detection time
func (self *ConflictEngine) ActiveConflicts() []Conflict {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conflicts := make([]Conflict, 0, len(self.activeConflicts))
	for _, conflict := range self.activeConflicts {
		conflicts = append(conflicts, conflict.Clone())
	}
	slices.SortFunc(conflicts, func(a Conflict, b Conflict) int {
		return a.DetectedAt.Compare(b.DetectedAt)
	})
	return conflicts
}

func (self *ConflictEngine) ActiveConflict(conflictId string) (Conflict, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conflict, ok := self.activeConflicts[conflictId]
	if !ok {
		return Conflict{}, false
	}
	return conflict.Clone(), true
}

// terminal conflicts, oldest first
func (self *ConflictEngine) History() []Conflict {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	history := self.history.Items()
	for i := range history {
		history[i] = history[i].Clone()
	}
	return history
}

// ids of conflicts waiting on a user decision
func (self *ConflictEngine) PendingInterventions() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conflictIds := maps.Keys(self.pendingDecisions)
	slices.Sort(conflictIds)
	return conflictIds
}

func (self *ConflictEngine) Metrics() *Metrics {
	return self.metrics
}

// decides the conflict with its own strategy, or the default strategy.
// blocks while a user decision is pending, up to the conflict timeout.
// the conflict is archived with a terminal status before this returns.
func (self *ConflictEngine) Resolve(ctx context.Context, conflict *Conflict) (*Resolution, error) {
	if conflict == nil {
		return nil, errors.New("Missing conflict.")
	}

	// the engine owns its record. later changes to `conflict` are not seen.
	record := conflict.Clone()
	if record.Id == "" {
		record.Id = NewId().String()
	}
	if record.Type == "" {
		record.Type = ConflictTypeConcurrentUpdate
	}
	if record.DetectedAt.IsZero() {
		record.DetectedAt = self.scheduler.Now()
	}
	record.Status = ConflictStatusResolving
	record.Resolution = nil
	record.Err = nil

	var strategyName string
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.activeConflicts[record.Id]; ok {
			return &ConflictResolutionError{
				ConflictId: record.Id,
				Reason:     "already resolving",
			}
		}
		strategyName = record.Strategy
		if strategyName == "" {
			strategyName = self.defaultStrategy
		}
		self.activeConflicts[record.Id] = &record
		return nil
	}()
	if err != nil {
		return nil, err
	}

	self.metrics.ConflictDetected()
	glog.V(LogLevelLifecycle).Infof("[c]%s detected (%s) key=%s\n", record.Id, strategyName, record.Key)
	self.notify(record.Clone())

	start := self.scheduler.Now()
	resolution, err := self.resolve(ctx, &record, strategyName)
	self.archive(&record, resolution, err, start)
	if err != nil {
		return nil, err
	}
	return resolution, nil
}

func (self *ConflictEngine) resolve(ctx context.Context, conflict *Conflict, strategyName string) (*Resolution, error) {
	resolution, err := self.evaluate(conflict, strategyName)
	if err != nil {
		return nil, err
	}
	if !resolution.RequiresUser() {
		return resolution, nil
	}

	if !self.settings.EnableUserIntervention {
		glog.Warningf("[c]%s user intervention disabled, falling back to %s\n", conflict.Id, StrategyLastWriteWins)
		return self.evaluate(conflict, string(StrategyLastWriteWins))
	}
	return self.waitForUser(ctx, conflict)
}

// runs one strategy without waiting. a `user_intervention` result is returned as is.
func (self *ConflictEngine) evaluate(conflict *Conflict, strategyName string) (resolution *Resolution, returnErr error) {
	var strategy Strategy
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		strategy = self.strategies[strategyName]
	}()

	apply := func() {
		switch StrategyName(strategyName) {
		case StrategyLastWriteWins:
			resolution, returnErr = LastWriteWins(conflict)
		case StrategyFirstWriteWins:
			resolution, returnErr = FirstWriteWins(conflict)
		case StrategyMerge:
			resolution, returnErr = MergeStrategy(conflict)
		case StrategyPriority:
			resolution, returnErr = PriorityStrategy(conflict)
		case StrategyUserChoice:
			resolution, returnErr = UserChoiceStrategy(conflict)
		case StrategyCustom:
			if self.settings.CustomStrategy == nil {
				glog.Warningf("[c]%s no custom strategy configured, falling back to %s\n", conflict.Id, StrategyLastWriteWins)
				resolution, returnErr = LastWriteWins(conflict)
				strategyName = string(StrategyLastWriteWins)
			} else {
				resolution, returnErr = self.settings.CustomStrategy.Resolve(conflict)
			}
		default:
			if strategy == nil {
				returnErr = fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyName)
				return
			}
			resolution, returnErr = strategy.Resolve(conflict)
		}
	}
	if r := HandleError(apply); r != nil {
		returnErr = fmt.Errorf("strategy %s panicked: %v", strategyName, r)
	}

	if returnErr == nil && resolution == nil {
		returnErr = fmt.Errorf("strategy %s returned no resolution", strategyName)
	}
	if returnErr != nil {
		var resolutionErr *ConflictResolutionError
		if errors.As(returnErr, &resolutionErr) {
			return nil, returnErr
		}
		return nil, &ConflictResolutionError{
			ConflictId: conflict.Id,
			Reason:     fmt.Sprintf("strategy %s", strategyName),
			Err:        returnErr,
		}
	}
	if resolution.Strategy == "" {
		resolution.Strategy = strategyName
	}
	return resolution, nil
}

func (self *ConflictEngine) waitForUser(ctx context.Context, conflict *Conflict) (*Resolution, error) {
	// the timeout starts before the conflict is visible as pending
	timeout := make(chan struct{})
	stopTimeout := self.scheduler.AfterFunc(self.settings.ConflictTimeout, func() {
		close(timeout)
	})
	defer stopTimeout()

	decisions := make(chan userDecision, 1)
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.pendingDecisions[conflict.Id]; ok {
			return ErrUserInterventionInProgress
		}
		self.pendingDecisions[conflict.Id] = decisions
		return nil
	}()
	if err != nil {
		return nil, &ConflictResolutionError{ConflictId: conflict.Id, Reason: "user intervention", Err: err}
	}
	glog.V(LogLevelLifecycle).Infof("[c]%s waiting for user (%s)\n", conflict.Id, self.settings.ConflictTimeout)

	var decision userDecision
	select {
	case decision = <-decisions:
	case <-timeout:
		if self.releasePending(conflict.Id, decisions) {
			glog.Infof("[c]%s user intervention timeout\n", conflict.Id)
			return nil, &UserInterventionTimeoutError{ConflictId: conflict.Id, Timeout: self.settings.ConflictTimeout}
		}
		// a decision was taken before the timeout could release the entry
		decision = <-decisions
	case <-ctx.Done():
		if self.releasePending(conflict.Id, decisions) {
			return nil, &UserInterventionCancelledError{ConflictId: conflict.Id, Err: ctx.Err()}
		}
		decision = <-decisions
	}

	if decision.cancelled {
		return nil, &UserInterventionCancelledError{ConflictId: conflict.Id, Err: decision.err}
	}
	resolution := decision.resolution
	resolution.User = true
	if resolution.Strategy == "" {
		resolution.Strategy = string(StrategyUserChoice)
	}
	return resolution, nil
}

// removes the waiter's own entry. false if a decision already took it.
func (self *ConflictEngine) releasePending(conflictId string, decisions chan userDecision) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pendingDecisions[conflictId] != decisions {
		return false
	}
	delete(self.pendingDecisions, conflictId)
	return true
}

// completes a pending user decision. returns false if nothing is waiting on the conflict.
func (self *ConflictEngine) ProvideUserResolution(conflictId string, resolution *Resolution) bool {
	if resolution == nil {
		glog.Infof("[c]%s ignore empty user resolution\n", conflictId)
		return false
	}
	decisions, ok := self.takePending(conflictId)
	if !ok {
		glog.Infof("[c]%s no pending user intervention\n", conflictId)
		return false
	}
	userResolution := *resolution
	if userResolution.Action == "" {
		userResolution.Action = ResolutionActionUserChoice
	}
	decisions <- userDecision{resolution: &userResolution}
	return true
}

// aborts a pending user decision. returns false if nothing is waiting on the conflict.
func (self *ConflictEngine) CancelUserIntervention(conflictId string, err error) bool {
	decisions, ok := self.takePending(conflictId)
	if !ok {
		glog.Infof("[c]%s no pending user intervention\n", conflictId)
		return false
	}
	decisions <- userDecision{cancelled: true, err: err}
	return true
}

func (self *ConflictEngine) takePending(conflictId string) (chan userDecision, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	decisions, ok := self.pendingDecisions[conflictId]
	if ok {
		delete(self.pendingDecisions, conflictId)
	}
	return decisions, ok
}

func (self *ConflictEngine) archive(conflict *Conflict, resolution *Resolution, err error, start time.Time) {
	now := self.scheduler.Now()
	resolutionTime := now.Sub(start)

	final := conflict.Clone()
	final.ResolvedAt = now
	if err != nil {
		final.Status = ConflictStatusFailed
		final.Err = err
	} else {
		final.Status = ConflictStatusResolved
		final.Resolution = resolution.Clone()
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		delete(self.activeConflicts, final.Id)
		self.history.Push(final)
	}()

	if err != nil {
		self.metrics.ConflictFailed(resolutionTime)
		glog.Infof("[c]%s failed = %s\n", final.Id, err)
	} else {
		self.metrics.ConflictResolved(resolution.User, resolutionTime)
		glog.V(LogLevelLifecycle).Infof("[c]%s resolved %s (%s)\n", final.Id, resolution.Action, resolution.Reason)
	}
	self.notify(final.Clone())
}

func (self *ConflictEngine) notify(conflict Conflict) {
	for _, conflictCallback := range self.conflictCallbacks.Get() {
		HandleError(func() {
			conflictCallback(conflict)
		})
	}
}
