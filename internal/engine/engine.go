package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"marketwatch/internal/clock"
	"marketwatch/internal/condition"
	"marketwatch/internal/domain"

	"github.com/google/uuid"
)

// ErrNotRunning is returned by evaluate calls while the engine is not RUNNING.
var ErrNotRunning = errors.New("condition engine is not running")

// ErrEvaluationTimeout is returned by EvaluateCondition when the skip policy
// drops a timed-out evaluation.
var ErrEvaluationTimeout = errors.New("condition evaluation timed out")

// State is the engine lifecycle state.
// Params: stopped/running/paused constants.
// Returns: typed lifecycle marker.
type State string

const (
	// StateStopped marks a stopped engine with released resources.
	StateStopped State = "stopped"
	// StateRunning marks an engine accepting evaluate calls.
	StateRunning State = "running"
	// StatePaused marks a temporarily suspended engine.
	StatePaused State = "paused"
)

// TriggerHandler consumes one trigger event after evaluation.
// Params: context and immutable trigger event.
// Returns: handler error (logged by the engine, never propagated).
type TriggerHandler func(ctx context.Context, event domain.TriggerEvent) error

const defaultConditionPriority = 5

// Config tunes engine defaults and strategy behavior.
// Params: parallelism bound, cache TTL, adaptive threshold, and context defaults.
// Returns: engine tuning snapshot applied at construction.
type Config struct {
	MaxParallel               int
	CacheTTL                  time.Duration
	AdaptiveParallelThreshold int
	DefaultStrategy           domain.EvaluationStrategy
	DefaultMaxExecutionTime   time.Duration
	DefaultTimeoutHandling    domain.TimeoutPolicy
	DefaultCacheEnabled       bool
}

// withDefaults fills zero config fields with engine defaults.
// Params: none.
// Returns: config copy with defaults applied.
func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 300 * time.Second
	}
	if c.AdaptiveParallelThreshold <= 0 {
		c.AdaptiveParallelThreshold = 10
	}
	if !domain.ValidStrategy(c.DefaultStrategy) {
		c.DefaultStrategy = domain.StrategySequential
	}
	if c.DefaultMaxExecutionTime <= 0 {
		c.DefaultMaxExecutionTime = 5 * time.Second
	}
	if c.DefaultTimeoutHandling != domain.TimeoutSkip && c.DefaultTimeoutHandling != domain.TimeoutMark {
		c.DefaultTimeoutHandling = domain.TimeoutMark
	}
	return c
}

// entry is one registry slot for a registered condition.
// Params: condition instance and registry-owned enabled/priority/stats fields.
// Returns: mutable registry state guarded by the engine lock.
type entry struct {
	cond           condition.Condition
	enabled        bool
	priority       int
	seq            uint64
	evaluations    uint64
	satisfied      uint64
	lastEvaluation time.Time
}

// Metrics is one engine metrics snapshot.
// Params: registry counters and evaluation totals.
// Returns: copy safe to read without the engine lock.
type Metrics struct {
	TotalConditions       int                          `json:"total_conditions"`
	ActiveConditions      int                          `json:"active_conditions"`
	TotalEvaluations      uint64                       `json:"total_evaluations"`
	SuccessfulEvaluations uint64                       `json:"successful_evaluations"`
	ConditionsByType      map[domain.ConditionType]int `json:"conditions_by_type"`
	LastEvaluation        time.Time                    `json:"last_evaluation"`
}

// Status is the engine status snapshot for API/ops surfaces.
// Params: lifecycle state, default strategy, and metrics.
// Returns: point-in-time engine view.
type Status struct {
	State           State                     `json:"state"`
	DefaultStrategy domain.EvaluationStrategy `json:"evaluation_strategy"`
	Metrics         Metrics                   `json:"metrics"`
}

// ConditionStatus is one per-condition status snapshot.
// Params: identity, stats, and registry flags.
// Returns: point-in-time condition view.
type ConditionStatus struct {
	Name            string               `json:"name"`
	Type            domain.ConditionType `json:"type"`
	Enabled         bool                 `json:"enabled"`
	Priority        int                  `json:"priority"`
	EvaluationCount uint64               `json:"evaluation_count"`
	SuccessRate     float64              `json:"success_rate"`
	LastEvaluation  time.Time            `json:"last_evaluation"`
}

// Engine owns the condition registry and orchestrates evaluation runs.
// Params: config, logger, clock, guarded registry/cache/handler maps.
// Returns: condition evaluation engine with trigger fan-out.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	state    State
	seq      uint64
	registry map[string]*entry
	handlers map[domain.ConditionCategory]TriggerHandler
	cache    *resultCache

	totalEvaluations      uint64
	successfulEvaluations uint64
	lastEvaluation        time.Time
}

// New constructs a stopped engine.
// Params: config, logger (slog default when nil), and clock (real clock when nil).
// Returns: initialized engine in STOPPED state.
func New(cfg Config, logger *slog.Logger, clk clock.Clock) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	normalized := cfg.withDefaults()
	return &Engine{
		cfg:      normalized,
		logger:   logger,
		clock:    clk,
		state:    StateStopped,
		registry: make(map[string]*entry),
		handlers: make(map[domain.ConditionCategory]TriggerHandler),
		cache:    newResultCache(normalized.CacheTTL, clk.Now),
	}
}

// Start moves the engine into RUNNING state.
// Params: none.
// Returns: nil; starting a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return nil
	}
	e.state = StateRunning
	e.logger.Info("condition engine started", "conditions", len(e.registry))
	return nil
}

// Pause suspends evaluation while keeping registry and cache intact.
// Params: none.
// Returns: error when the engine is not RUNNING.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return fmt.Errorf("cannot pause engine in state %q", e.state)
	}
	e.state = StatePaused
	e.logger.Info("condition engine paused")
	return nil
}

// Resume returns a paused engine to RUNNING state.
// Params: none.
// Returns: error when the engine is not PAUSED.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("cannot resume engine in state %q", e.state)
	}
	e.state = StateRunning
	e.logger.Info("condition engine resumed")
	return nil
}

// Stop moves the engine into STOPPED state and releases the result cache.
// Params: none.
// Returns: nil; in-flight evaluations complete, new calls are rejected.
func (e *Engine) Stop() error {
	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.cache.clear()
	e.logger.Info("condition engine stopped")
	return nil
}

// CurrentState returns the lifecycle state.
// Params: none.
// Returns: current state value.
func (e *Engine) CurrentState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Register adds one condition with default priority, enabled.
// Params: condition instance.
// Returns: fresh unique condition id.
func (e *Engine) Register(cond condition.Condition) string {
	return e.RegisterWith(cond, defaultConditionPriority, true)
}

// RegisterWith adds one condition with explicit priority and enabled flag.
// Params: condition instance, priority, and enabled flag.
// Returns: fresh unique condition id; every call creates a new entry.
func (e *Engine) RegisterWith(cond condition.Condition, priority int, enabled bool) string {
	id := uuid.NewString()
	e.mu.Lock()
	e.seq++
	e.registry[id] = &entry{
		cond:     cond,
		enabled:  enabled,
		priority: priority,
		seq:      e.seq,
	}
	e.mu.Unlock()
	e.logger.Debug("condition registered", "id", id, "name", cond.Name(), "type", string(cond.Type()))
	return id
}

// Unregister removes one condition by id.
// Params: condition id.
// Returns: false for unknown ids, never an error.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	slot, ok := e.registry[id]
	if ok {
		delete(e.registry, id)
	}
	e.mu.Unlock()
	if ok {
		e.logger.Debug("condition unregistered", "id", id, "name", slot.cond.Name())
	}
	return ok
}

// Enable turns one condition back on for evaluation.
// Params: condition id.
// Returns: false for unknown ids.
func (e *Engine) Enable(id string) bool {
	return e.setEnabled(id, true)
}

// Disable excludes one condition from evaluation without removing it.
// Params: condition id.
// Returns: false for unknown ids.
func (e *Engine) Disable(id string) bool {
	return e.setEnabled(id, false)
}

// setEnabled flips the enabled flag for one registry entry.
// Params: condition id and target flag.
// Returns: false for unknown ids.
func (e *Engine) setEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.registry[id]
	if !ok {
		return false
	}
	slot.enabled = enabled
	return true
}

// CreateAnd builds, registers, and returns an all-of combinator.
// Params: name, description, and child condition ids.
// Returns: new combinator id or configuration error.
func (e *Engine) CreateAnd(name, description string, childIDs []string) (string, error) {
	combinator, err := condition.NewAnd(name, description, childIDs)
	if err != nil {
		return "", err
	}
	return e.Register(combinator), nil
}

// CreateOr builds, registers, and returns an any-of combinator.
// Params: name, description, and child condition ids.
// Returns: new combinator id or configuration error.
func (e *Engine) CreateOr(name, description string, childIDs []string) (string, error) {
	combinator, err := condition.NewOr(name, description, childIDs)
	if err != nil {
		return "", err
	}
	return e.Register(combinator), nil
}

// CreateNot builds, registers, and returns a negating combinator.
// Params: name, description, and the child condition id.
// Returns: new combinator id or configuration error.
func (e *Engine) CreateNot(name, description, childID string) (string, error) {
	combinator, err := condition.NewNot(name, description, childID)
	if err != nil {
		return "", err
	}
	return e.Register(combinator), nil
}

// RegisterTriggerHandler binds one handler to a condition category.
// Params: category key and handler callback.
// Returns: previous handler replaced silently.
func (e *Engine) RegisterTriggerHandler(category domain.ConditionCategory, handler TriggerHandler) {
	e.mu.Lock()
	e.handlers[category] = handler
	e.mu.Unlock()
}

// NewContext builds a defaulted evaluation context with a fresh evaluation id.
// Params: none.
// Returns: context carrying the engine's configured defaults.
func (e *Engine) NewContext() domain.EvaluationContext {
	return domain.EvaluationContext{
		EvaluationID:     uuid.NewString(),
		Timestamp:        e.clock.Now(),
		Strategy:         e.cfg.DefaultStrategy,
		MaxExecutionTime: e.cfg.DefaultMaxExecutionTime,
		TimeoutHandling:  e.cfg.DefaultTimeoutHandling,
		EnableCache:      e.cfg.DefaultCacheEnabled,
	}
}

// normalizeContext fills zero context fields from engine defaults.
// Params: caller-supplied context.
// Returns: context copy ready for evaluation.
func (e *Engine) normalizeContext(evalCtx domain.EvaluationContext) domain.EvaluationContext {
	if evalCtx.EvaluationID == "" {
		evalCtx.EvaluationID = uuid.NewString()
	}
	if evalCtx.Timestamp.IsZero() {
		evalCtx.Timestamp = e.clock.Now()
	}
	if !domain.ValidStrategy(evalCtx.Strategy) {
		evalCtx.Strategy = e.cfg.DefaultStrategy
	}
	if evalCtx.MaxExecutionTime <= 0 {
		evalCtx.MaxExecutionTime = e.cfg.DefaultMaxExecutionTime
	}
	if evalCtx.TimeoutHandling != domain.TimeoutSkip && evalCtx.TimeoutHandling != domain.TimeoutMark {
		evalCtx.TimeoutHandling = e.cfg.DefaultTimeoutHandling
	}
	return evalCtx
}

// evalTask is one snapshot of a registry entry taken before evaluation.
// Params: id, condition reference, ordering fields, and snapshotted children.
// Returns: lock-free evaluation input.
type evalTask struct {
	id       string
	cond     condition.Condition
	priority int
	seq      uint64
	children []childNode
}

// EvaluateCondition evaluates one registered condition by id.
// Params: context, condition id, snapshot, and evaluation context.
// Returns: trigger event, nil event for unknown ids, ErrEvaluationTimeout when
// the skip policy drops a timed-out evaluation, or ErrNotRunning.
func (e *Engine) EvaluateCondition(ctx context.Context, id string, snapshot domain.MarketData, evalCtx domain.EvaluationContext) (*domain.TriggerEvent, error) {
	evalCtx = e.normalizeContext(evalCtx)

	e.mu.RLock()
	if e.state != StateRunning {
		e.mu.RUnlock()
		return nil, ErrNotRunning
	}
	slot, ok := e.registry[id]
	if !ok {
		e.mu.RUnlock()
		return nil, nil
	}
	task := evalTask{id: id, cond: slot.cond, priority: slot.priority, seq: slot.seq}
	task.children = e.snapshotChildrenLocked(slot.cond)
	e.mu.RUnlock()

	event, included := e.runTask(ctx, task, snapshot, evalCtx)
	if !included {
		return nil, ErrEvaluationTimeout
	}
	return &event, nil
}

// EvaluateAll evaluates every enabled condition under the context strategy.
// Params: context, snapshot, and evaluation context.
// Returns: one trigger event per evaluated condition, or ErrNotRunning.
func (e *Engine) EvaluateAll(ctx context.Context, snapshot domain.MarketData, evalCtx domain.EvaluationContext) ([]domain.TriggerEvent, error) {
	evalCtx = e.normalizeContext(evalCtx)

	e.mu.RLock()
	if e.state != StateRunning {
		e.mu.RUnlock()
		return nil, ErrNotRunning
	}
	tasks := make([]evalTask, 0, len(e.registry))
	for id, slot := range e.registry {
		if !slot.enabled {
			continue
		}
		task := evalTask{id: id, cond: slot.cond, priority: slot.priority, seq: slot.seq}
		task.children = e.snapshotChildrenLocked(slot.cond)
		tasks = append(tasks, task)
	}
	e.mu.RUnlock()

	strategy := evalCtx.Strategy
	if strategy == domain.StrategyAdaptive {
		strategy = e.adaptiveStrategy(len(tasks))
	}

	switch strategy {
	case domain.StrategyParallel:
		return e.runParallel(ctx, tasks, snapshot, evalCtx), nil
	case domain.StrategyPriority:
		sort.Slice(tasks, func(i, j int) bool {
			if tasks[i].priority == tasks[j].priority {
				return tasks[i].seq < tasks[j].seq
			}
			return tasks[i].priority > tasks[j].priority
		})
		return e.runSequential(ctx, tasks, snapshot, evalCtx), nil
	default:
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
		return e.runSequential(ctx, tasks, snapshot, evalCtx), nil
	}
}

// adaptiveStrategy picks parallel or sequential from the enabled count.
// Params: number of enabled conditions in this run.
// Returns: parallel above the configured threshold, sequential otherwise.
func (e *Engine) adaptiveStrategy(enabledCount int) domain.EvaluationStrategy {
	if enabledCount > e.cfg.AdaptiveParallelThreshold {
		return domain.StrategyParallel
	}
	return domain.StrategySequential
}

// runSequential evaluates tasks one at a time in the prepared order.
// Params: context, ordered tasks, snapshot, and evaluation context.
// Returns: trigger events in deterministic task order.
func (e *Engine) runSequential(ctx context.Context, tasks []evalTask, snapshot domain.MarketData, evalCtx domain.EvaluationContext) []domain.TriggerEvent {
	events := make([]domain.TriggerEvent, 0, len(tasks))
	for _, task := range tasks {
		if event, included := e.runTask(ctx, task, snapshot, evalCtx); included {
			events = append(events, event)
		}
	}
	return events
}

// runParallel evaluates tasks concurrently under the bounded gate.
// Params: context, tasks, snapshot, and evaluation context.
// Returns: trigger events in completion order.
func (e *Engine) runParallel(ctx context.Context, tasks []evalTask, snapshot domain.MarketData, evalCtx domain.EvaluationContext) []domain.TriggerEvent {
	gate := make(chan struct{}, e.cfg.MaxParallel)
	results := make(chan domain.TriggerEvent, len(tasks))
	var wg sync.WaitGroup

	for _, task := range tasks {
		wg.Add(1)
		go func(task evalTask) {
			defer wg.Done()
			gate <- struct{}{}
			defer func() { <-gate }()
			if event, included := e.runTask(ctx, task, snapshot, evalCtx); included {
				results <- event
			}
		}(task)
	}
	wg.Wait()
	close(results)

	events := make([]domain.TriggerEvent, 0, len(tasks))
	for event := range results {
		events = append(events, event)
	}
	return events
}

// runTask evaluates one task with caching and timeout policy, then fans out.
// Params: context, prepared task, snapshot, and evaluation context.
// Returns: trigger event and inclusion flag (false under timeout skip policy).
func (e *Engine) runTask(ctx context.Context, task evalTask, snapshot domain.MarketData, evalCtx domain.EvaluationContext) (domain.TriggerEvent, bool) {
	composite, isComposite := task.cond.(condition.Composite)

	var cacheKey string
	if evalCtx.EnableCache && !isComposite {
		cacheKey = task.id + ":" + snapshot.Fingerprint()
		if cached, hit := e.cache.get(cacheKey); hit {
			event := e.buildEvent(task, cached, evalCtx, nil)
			e.recordEvaluation(task.id, cached.Satisfied, true)
			e.dispatch(ctx, event)
			return event, true
		}
	}

	result, timedOut := e.evaluateWithBudget(task, composite, isComposite, snapshot, evalCtx.MaxExecutionTime)
	if timedOut {
		e.recordEvaluation(task.id, false, false)
		if evalCtx.TimeoutHandling == domain.TimeoutSkip {
			e.logger.Warn("condition evaluation timed out, skipped",
				"id", task.id, "name", task.cond.Name(), "budget", evalCtx.MaxExecutionTime.String())
			return domain.TriggerEvent{}, false
		}
		timeoutResult := domain.Unsatisfied("evaluation exceeded %s budget", evalCtx.MaxExecutionTime)
		event := e.buildEvent(task, timeoutResult, evalCtx, map[string]string{"timeout": "true"})
		e.dispatch(ctx, event)
		return event, true
	}

	if cacheKey != "" {
		e.cache.put(cacheKey, result)
	}
	e.recordEvaluation(task.id, result.Satisfied, true)
	event := e.buildEvent(task, result, evalCtx, nil)
	e.dispatch(ctx, event)
	return event, true
}

// evaluateWithBudget runs one evaluation under the per-condition time budget.
// Composite children are evaluated here so their cost counts against the budget.
// Params: task, composite view, snapshot, and max execution time.
// Returns: result and timeout flag; timed-out evaluations finish in background.
func (e *Engine) evaluateWithBudget(task evalTask, composite condition.Composite, isComposite bool, snapshot domain.MarketData, budget time.Duration) (domain.ConditionResult, bool) {
	done := make(chan domain.ConditionResult, 1)
	go func() {
		if isComposite {
			done <- composite.Combine(evaluateChildren(task.children, snapshot))
			return
		}
		done <- task.cond.Evaluate(snapshot)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case result := <-done:
		return result, false
	case <-timer.C:
		return domain.ConditionResult{}, true
	}
}

// childNode is one resolved child reference snapshotted under the registry lock.
// Evaluation happens later, outside the lock and inside the timeout budget.
// Params: child id, condition reference, and nested children.
// Returns: lock-free child evaluation input.
type childNode struct {
	id       string
	cond     condition.Condition
	missing  bool
	children []childNode
}

// snapshotChildrenLocked resolves child references for a composite condition.
// Params: candidate condition; caller holds the read lock.
// Returns: child reference tree, nil for non-composite conditions.
func (e *Engine) snapshotChildrenLocked(cond condition.Condition) []childNode {
	composite, ok := cond.(condition.Composite)
	if !ok {
		return nil
	}
	childIDs := composite.ChildIDs()
	nodes := make([]childNode, 0, len(childIDs))
	for _, childID := range childIDs {
		childSlot, present := e.registry[childID]
		if !present {
			e.logger.Warn("composite condition references missing child",
				"composite", composite.Name(), "child_id", childID)
			nodes = append(nodes, childNode{id: childID, missing: true})
			continue
		}
		nodes = append(nodes, childNode{
			id:       childID,
			cond:     childSlot.cond,
			children: e.snapshotChildrenLocked(childSlot.cond),
		})
	}
	return nodes
}

// evaluateChildren evaluates a snapshotted child tree against the market data.
// Params: child reference tree and market snapshot.
// Returns: child results in declaration order.
func evaluateChildren(nodes []childNode, snapshot domain.MarketData) []condition.ChildResult {
	results := make([]condition.ChildResult, 0, len(nodes))
	for _, node := range nodes {
		if node.missing {
			results = append(results, condition.ChildResult{ID: node.id, Missing: true})
			continue
		}
		results = append(results, condition.ChildResult{ID: node.id, Result: evaluateChildNode(node, snapshot)})
	}
	return results
}

// evaluateChildNode evaluates one child, recursing into nested composites.
// Params: child node and market snapshot.
// Returns: child evaluation result.
func evaluateChildNode(node childNode, snapshot domain.MarketData) domain.ConditionResult {
	if nested, ok := node.cond.(condition.Composite); ok {
		return nested.Combine(evaluateChildren(node.children, snapshot))
	}
	return node.cond.Evaluate(snapshot)
}

// buildEvent wraps one result into an immutable trigger event.
// Params: task, result, evaluation context, and extra metadata.
// Returns: trigger event with clamped priority and snapshot metadata.
func (e *Engine) buildEvent(task evalTask, result domain.ConditionResult, evalCtx domain.EvaluationContext, extra map[string]string) domain.TriggerEvent {
	metadata := map[string]string{
		"condition_type": string(task.cond.Type()),
		"strategy":       string(evalCtx.Strategy),
	}
	for key, value := range extra {
		metadata[key] = value
	}
	return domain.TriggerEvent{
		EventID:       uuid.NewString(),
		ConditionID:   task.id,
		ConditionName: task.cond.Name(),
		Category:      domain.CategoryForType(task.cond.Type()),
		Result:        result,
		Priority:      domain.ClampPriority(task.priority),
		EvaluationID:  evalCtx.EvaluationID,
		Timestamp:     e.clock.Now(),
		Metadata:      metadata,
	}
}

// dispatch invokes the category handler for one event, absorbing failures.
// Params: context and trigger event.
// Returns: none; handler errors and panics are logged, never propagated.
func (e *Engine) dispatch(ctx context.Context, event domain.TriggerEvent) {
	e.mu.RLock()
	handler := e.handlers[event.Category]
	e.mu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("trigger handler panicked",
				"category", string(event.Category), "condition", event.ConditionName, "panic", fmt.Sprint(recovered))
		}
	}()
	if err := handler(ctx, event); err != nil {
		e.logger.Error("trigger handler failed",
			"category", string(event.Category), "condition", event.ConditionName, "error", err.Error())
	}
}

// recordEvaluation updates per-condition stats and engine counters.
// Params: condition id, satisfied outcome, and completion flag.
// Returns: none.
func (e *Engine) recordEvaluation(id string, satisfied, completed bool) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalEvaluations++
	if completed {
		e.successfulEvaluations++
	}
	e.lastEvaluation = now
	slot, ok := e.registry[id]
	if !ok {
		return
	}
	slot.evaluations++
	if satisfied {
		slot.satisfied++
	}
	slot.lastEvaluation = now
}

// ClearCache empties the result cache unconditionally.
// Params: none.
// Returns: none.
func (e *Engine) ClearCache() {
	e.cache.clear()
}

// CacheSize returns the current cached entry count.
// Params: none.
// Returns: number of cache entries.
func (e *Engine) CacheSize() int {
	return e.cache.size()
}

// CurrentMetrics returns one metrics snapshot.
// Params: none.
// Returns: copy of registry counters and evaluation totals.
func (e *Engine) CurrentMetrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metricsLocked()
}

// metricsLocked assembles the metrics snapshot under the held lock.
// Params: none; caller holds at least the read lock.
// Returns: metrics copy.
func (e *Engine) metricsLocked() Metrics {
	byType := make(map[domain.ConditionType]int)
	active := 0
	for _, slot := range e.registry {
		byType[slot.cond.Type()]++
		if slot.enabled {
			active++
		}
	}
	return Metrics{
		TotalConditions:       len(e.registry),
		ActiveConditions:      active,
		TotalEvaluations:      e.totalEvaluations,
		SuccessfulEvaluations: e.successfulEvaluations,
		ConditionsByType:      byType,
		LastEvaluation:        e.lastEvaluation,
	}
}

// CurrentStatus returns the engine status snapshot.
// Params: none.
// Returns: state, default strategy, and metrics copy.
func (e *Engine) CurrentStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		State:           e.state,
		DefaultStrategy: e.cfg.DefaultStrategy,
		Metrics:         e.metricsLocked(),
	}
}

// ConditionStatus returns one per-condition status snapshot.
// Params: condition id.
// Returns: status copy and presence flag.
func (e *Engine) ConditionStatus(id string) (ConditionStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	slot, ok := e.registry[id]
	if !ok {
		return ConditionStatus{}, false
	}
	successRate := 0.0
	if slot.evaluations > 0 {
		successRate = float64(slot.satisfied) / float64(slot.evaluations)
	}
	return ConditionStatus{
		Name:            slot.cond.Name(),
		Type:            slot.cond.Type(),
		Enabled:         slot.enabled,
		Priority:        slot.priority,
		EvaluationCount: slot.evaluations,
		SuccessRate:     successRate,
		LastEvaluation:  slot.lastEvaluation,
	}, true
}
