package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"marketwatch/internal/clock"
	"marketwatch/internal/condition"
	"marketwatch/internal/domain"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSnapshot(price float64) domain.MarketData {
	return domain.MarketData{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromFloat(price),
		Volume24h: decimal.NewFromInt(1_000_000),
		Timestamp: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}
}

func newRunningEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng := New(cfg, testLogger(), &clock.FixedClock{Current: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)})
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	return eng
}

func mustPrice(t *testing.T, name string, operator condition.Operator, threshold float64) condition.Condition {
	t.Helper()
	cond, err := condition.NewPrice(name, "", "BTCUSDT", operator, condition.Scalar(decimal.NewFromFloat(threshold)))
	if err != nil {
		t.Fatalf("build price condition %s: %v", name, err)
	}
	return cond
}

// countingCondition counts Evaluate calls to observe cache behavior.
type countingCondition struct {
	calls     atomic.Int64
	satisfied bool
}

func (c *countingCondition) Name() string               { return "counting" }
func (c *countingCondition) Description() string        { return "" }
func (c *countingCondition) Type() domain.ConditionType { return domain.ConditionTypePrice }

func (c *countingCondition) Evaluate(domain.MarketData) domain.ConditionResult {
	c.calls.Add(1)
	return domain.ConditionResult{Satisfied: c.satisfied, Value: "counted"}
}

// slowCondition blocks long enough to exceed any small evaluation budget.
type slowCondition struct {
	delay time.Duration
}

func (c *slowCondition) Name() string               { return "slow" }
func (c *slowCondition) Description() string        { return "" }
func (c *slowCondition) Type() domain.ConditionType { return domain.ConditionTypePrice }

func (c *slowCondition) Evaluate(domain.MarketData) domain.ConditionResult {
	time.Sleep(c.delay)
	return domain.ConditionResult{Satisfied: true, Value: "slow"}
}

func TestEvaluateRejectedWhenNotRunning(t *testing.T) {
	t.Parallel()
	eng := New(Config{}, testLogger(), nil)
	id := eng.Register(mustPrice(t, "btc-high", condition.OpGT, 49000))

	if _, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	if _, err := eng.EvaluateAll(context.Background(), testSnapshot(50000), eng.NewContext()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for evaluate all, got %v", err)
	}

	if err := eng.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	id := eng.Register(mustPrice(t, "btc-high", condition.OpGT, 49000))

	if err := eng.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning while paused, got %v", err)
	}
	if err := eng.Pause(); err == nil {
		t.Fatal("expected error pausing a paused engine")
	}
	if err := eng.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := eng.Resume(); err == nil {
		t.Fatal("expected error resuming a running engine")
	}

	event, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("evaluate after resume: %v", err)
	}
	if event == nil || !event.Result.Satisfied {
		t.Fatalf("expected satisfied event after resume, got %+v", event)
	}
}

func TestPriceThresholdEvaluation(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	id := eng.Register(mustPrice(t, "btc-above-49k", condition.OpGT, 49000))

	event, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("evaluate at 50000: %v", err)
	}
	if event == nil || !event.Result.Satisfied {
		t.Fatalf("expected satisfied at 50000, got %+v", event)
	}
	if event.Category != domain.CategoryPrice {
		t.Fatalf("expected price category, got %s", event.Category)
	}
	if event.ConditionID != id {
		t.Fatalf("event condition id mismatch: %s != %s", event.ConditionID, id)
	}

	event, err = eng.EvaluateCondition(context.Background(), id, testSnapshot(48000), eng.NewContext())
	if err != nil {
		t.Fatalf("evaluate at 48000: %v", err)
	}
	if event == nil || event.Result.Satisfied {
		t.Fatalf("expected unsatisfied at 48000, got %+v", event)
	}
}

func TestEvaluateUnknownConditionID(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	event, err := eng.EvaluateCondition(context.Background(), "no-such-id", testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("unknown id must not error: %v", err)
	}
	if event != nil {
		t.Fatalf("expected nil event for unknown id, got %+v", event)
	}
}

func TestCombinatorTruthTables(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	// At price 50000: above49k satisfied, above60k unsatisfied.
	above49k := eng.Register(mustPrice(t, "above-49k", condition.OpGT, 49000))
	above60k := eng.Register(mustPrice(t, "above-60k", condition.OpGT, 60000))

	andID, err := eng.CreateAnd("both", "", []string{above49k, above60k})
	if err != nil {
		t.Fatalf("create and: %v", err)
	}
	orID, err := eng.CreateOr("either", "", []string{above49k, above60k})
	if err != nil {
		t.Fatalf("create or: %v", err)
	}
	notID, err := eng.CreateNot("not-above-60k", "", above60k)
	if err != nil {
		t.Fatalf("create not: %v", err)
	}

	snapshot := testSnapshot(50000)
	cases := []struct {
		name      string
		id        string
		satisfied bool
	}{
		{"and true+false", andID, false},
		{"or true+false", orID, true},
		{"not false", notID, true},
	}
	for _, tc := range cases {
		event, err := eng.EvaluateCondition(context.Background(), tc.id, snapshot, eng.NewContext())
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if event == nil || event.Result.Satisfied != tc.satisfied {
			t.Fatalf("%s: expected satisfied=%t, got %+v", tc.name, tc.satisfied, event)
		}
		if event.Category != domain.CategoryComposite {
			t.Fatalf("%s: expected composite category, got %s", tc.name, event.Category)
		}
	}

	// At 70000 both children hold.
	event, err := eng.EvaluateCondition(context.Background(), andID, testSnapshot(70000), eng.NewContext())
	if err != nil {
		t.Fatalf("and at 70000: %v", err)
	}
	if event == nil || !event.Result.Satisfied {
		t.Fatalf("expected and satisfied at 70000, got %+v", event)
	}
}

func TestCombinatorMissingChild(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	above49k := eng.Register(mustPrice(t, "above-49k", condition.OpGT, 49000))
	above60k := eng.Register(mustPrice(t, "above-60k", condition.OpGT, 60000))
	andID, err := eng.CreateAnd("both", "", []string{above49k, above60k})
	if err != nil {
		t.Fatalf("create and: %v", err)
	}

	if !eng.Unregister(above60k) {
		t.Fatal("unregister child failed")
	}

	event, err := eng.EvaluateCondition(context.Background(), andID, testSnapshot(70000), eng.NewContext())
	if err != nil {
		t.Fatalf("evaluate with missing child must not error: %v", err)
	}
	if event == nil || event.Result.Satisfied {
		t.Fatalf("expected unsatisfied with missing child, got %+v", event)
	}
	if event.Result.Details == "" {
		t.Fatal("expected missing-child detail in result")
	}
}

func TestNestedCompositeEvaluation(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	above49k := eng.Register(mustPrice(t, "above-49k", condition.OpGT, 49000))
	above60k := eng.Register(mustPrice(t, "above-60k", condition.OpGT, 60000))
	notID, err := eng.CreateNot("not-above-60k", "", above60k)
	if err != nil {
		t.Fatalf("create not: %v", err)
	}
	andID, err := eng.CreateAnd("range-band", "", []string{above49k, notID})
	if err != nil {
		t.Fatalf("create and: %v", err)
	}

	event, err := eng.EvaluateCondition(context.Background(), andID, testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("nested composite: %v", err)
	}
	if event == nil || !event.Result.Satisfied {
		t.Fatalf("expected 49k<price<60k band satisfied at 50000, got %+v", event)
	}
}

func TestRegistryEnableDisable(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	first := eng.Register(mustPrice(t, "first", condition.OpGT, 1))
	second := eng.Register(mustPrice(t, "second", condition.OpGT, 1))

	metrics := eng.CurrentMetrics()
	if metrics.TotalConditions != 2 || metrics.ActiveConditions != 2 {
		t.Fatalf("expected 2/2 conditions, got %+v", metrics)
	}

	if !eng.Disable(second) {
		t.Fatal("disable known id returned false")
	}
	if eng.Disable("no-such-id") {
		t.Fatal("disable unknown id returned true")
	}
	metrics = eng.CurrentMetrics()
	if metrics.TotalConditions != 2 || metrics.ActiveConditions != 1 {
		t.Fatalf("expected 2 total / 1 active after disable, got %+v", metrics)
	}

	events, err := eng.EvaluateAll(context.Background(), testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if len(events) != 1 || events[0].ConditionID != first {
		t.Fatalf("expected only enabled condition evaluated, got %d events", len(events))
	}

	if !eng.Enable(second) {
		t.Fatal("enable known id returned false")
	}
	events, err = eng.EvaluateAll(context.Background(), testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("evaluate all after enable: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both conditions evaluated, got %d", len(events))
	}
}

func TestRegisterSameConditionTwice(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	cond := mustPrice(t, "dup", condition.OpGT, 1)
	first := eng.Register(cond)
	second := eng.Register(cond)
	if first == second {
		t.Fatal("expected distinct ids for repeated registration")
	}
	if eng.CurrentMetrics().TotalConditions != 2 {
		t.Fatalf("expected two registry entries, got %d", eng.CurrentMetrics().TotalConditions)
	}
}

func TestCacheSuppressesReEvaluation(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{DefaultCacheEnabled: true})
	counter := &countingCondition{satisfied: true}
	id := eng.Register(counter)

	snapshot := testSnapshot(50000)
	evalCtx := eng.NewContext()
	for i := 0; i < 3; i++ {
		event, err := eng.EvaluateCondition(context.Background(), id, snapshot, evalCtx)
		if err != nil {
			t.Fatalf("evaluation %d: %v", i, err)
		}
		if event == nil || !event.Result.Satisfied {
			t.Fatalf("evaluation %d: expected satisfied event", i)
		}
	}
	if calls := counter.calls.Load(); calls != 1 {
		t.Fatalf("expected single evaluation with identical snapshot, got %d", calls)
	}

	// A different snapshot changes the fingerprint and misses the cache.
	if _, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(51000), evalCtx); err != nil {
		t.Fatalf("evaluate changed snapshot: %v", err)
	}
	if calls := counter.calls.Load(); calls != 2 {
		t.Fatalf("expected second evaluation after snapshot change, got %d", calls)
	}

	eng.ClearCache()
	if eng.CacheSize() != 0 {
		t.Fatalf("expected empty cache after clear, got %d", eng.CacheSize())
	}
	if _, err := eng.EvaluateCondition(context.Background(), id, snapshot, evalCtx); err != nil {
		t.Fatalf("evaluate after clear: %v", err)
	}
	if calls := counter.calls.Load(); calls != 3 {
		t.Fatalf("expected re-evaluation after cache clear, got %d", calls)
	}
}

func TestCacheDisabledAlwaysEvaluates(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	counter := &countingCondition{satisfied: true}
	id := eng.Register(counter)

	evalCtx := eng.NewContext()
	evalCtx.EnableCache = false
	for i := 0; i < 3; i++ {
		if _, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), evalCtx); err != nil {
			t.Fatalf("evaluation %d: %v", i, err)
		}
	}
	if calls := counter.calls.Load(); calls != 3 {
		t.Fatalf("expected three evaluations without cache, got %d", calls)
	}
}

func TestTimeoutSkipDropsResult(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	eng.Register(&slowCondition{delay: 200 * time.Millisecond})
	fast := eng.Register(mustPrice(t, "fast", condition.OpGT, 1))

	evalCtx := eng.NewContext()
	evalCtx.MaxExecutionTime = 20 * time.Millisecond
	evalCtx.TimeoutHandling = domain.TimeoutSkip

	events, err := eng.EvaluateAll(context.Background(), testSnapshot(50000), evalCtx)
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if len(events) != 1 || events[0].ConditionID != fast {
		t.Fatalf("expected only the fast condition in results, got %d events", len(events))
	}
}

func TestTimeoutMarkYieldsUnsatisfied(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	slow := eng.Register(&slowCondition{delay: 200 * time.Millisecond})

	evalCtx := eng.NewContext()
	evalCtx.MaxExecutionTime = 20 * time.Millisecond
	evalCtx.TimeoutHandling = domain.TimeoutMark

	event, err := eng.EvaluateCondition(context.Background(), slow, testSnapshot(50000), evalCtx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if event == nil || event.Result.Satisfied {
		t.Fatalf("expected unsatisfied timeout event, got %+v", event)
	}
	if event.Metadata["timeout"] != "true" {
		t.Fatalf("expected timeout metadata, got %v", event.Metadata)
	}
}

func TestTimeoutSkipSingleConditionReturnsError(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	slow := eng.Register(&slowCondition{delay: 200 * time.Millisecond})

	evalCtx := eng.NewContext()
	evalCtx.MaxExecutionTime = 20 * time.Millisecond
	evalCtx.TimeoutHandling = domain.TimeoutSkip

	event, err := eng.EvaluateCondition(context.Background(), slow, testSnapshot(50000), evalCtx)
	if !errors.Is(err, ErrEvaluationTimeout) {
		t.Fatalf("expected ErrEvaluationTimeout, got %v", err)
	}
	if event != nil {
		t.Fatalf("expected nil event for skipped evaluation, got %+v", event)
	}
}

func TestTimeoutBudgetCoversCompositeChildren(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	slow := eng.Register(&slowCondition{delay: 200 * time.Millisecond})
	notID, err := eng.CreateNot("not-slow", "", slow)
	if err != nil {
		t.Fatalf("create not: %v", err)
	}

	evalCtx := eng.NewContext()
	evalCtx.MaxExecutionTime = 20 * time.Millisecond
	evalCtx.TimeoutHandling = domain.TimeoutMark

	event, err := eng.EvaluateCondition(context.Background(), notID, testSnapshot(50000), evalCtx)
	if err != nil {
		t.Fatalf("evaluate composite: %v", err)
	}
	if event == nil || event.Metadata["timeout"] != "true" {
		t.Fatalf("expected slow child to exhaust the budget, got %+v", event)
	}
}

func TestStrategiesEvaluateSameConditionSet(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	want := make(map[string]bool)
	for i := 0; i < 6; i++ {
		want[eng.Register(mustPrice(t, "cond", condition.OpGT, float64(i)))] = true
	}

	for _, strategy := range []domain.EvaluationStrategy{
		domain.StrategySequential, domain.StrategyParallel, domain.StrategyPriority, domain.StrategyAdaptive,
	} {
		evalCtx := eng.NewContext()
		evalCtx.Strategy = strategy
		events, err := eng.EvaluateAll(context.Background(), testSnapshot(50000), evalCtx)
		if err != nil {
			t.Fatalf("%s: %v", strategy, err)
		}
		if len(events) != len(want) {
			t.Fatalf("%s: expected %d events, got %d", strategy, len(want), len(events))
		}
		seen := make(map[string]bool, len(events))
		for _, event := range events {
			if seen[event.ConditionID] {
				t.Fatalf("%s: duplicate event for %s", strategy, event.ConditionID)
			}
			seen[event.ConditionID] = true
			if !want[event.ConditionID] {
				t.Fatalf("%s: unexpected condition %s", strategy, event.ConditionID)
			}
		}
	}
}

func TestPriorityStrategyOrdersDescending(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	low := eng.RegisterWith(mustPrice(t, "low", condition.OpGT, 1), 2, true)
	high := eng.RegisterWith(mustPrice(t, "high", condition.OpGT, 1), 9, true)
	mid := eng.RegisterWith(mustPrice(t, "mid", condition.OpGT, 1), 5, true)

	evalCtx := eng.NewContext()
	evalCtx.Strategy = domain.StrategyPriority
	events, err := eng.EvaluateAll(context.Background(), testSnapshot(50000), evalCtx)
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantOrder := []string{high, mid, low}
	for i, id := range wantOrder {
		if events[i].ConditionID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, events[i].ConditionID)
		}
	}
}

func TestSequentialStrategyKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	var order []string
	for i := 0; i < 5; i++ {
		order = append(order, eng.Register(mustPrice(t, "cond", condition.OpGT, 1)))
	}

	evalCtx := eng.NewContext()
	evalCtx.Strategy = domain.StrategySequential
	events, err := eng.EvaluateAll(context.Background(), testSnapshot(50000), evalCtx)
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	for i, id := range order {
		if events[i].ConditionID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, events[i].ConditionID)
		}
	}
}

func TestTriggerHandlerDispatchAndIsolation(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	id := eng.Register(mustPrice(t, "btc-high", condition.OpGT, 49000))

	var received atomic.Int64
	eng.RegisterTriggerHandler(domain.CategoryPrice, func(_ context.Context, event domain.TriggerEvent) error {
		received.Add(1)
		if event.ConditionID != id {
			t.Errorf("handler got wrong condition id %s", event.ConditionID)
		}
		return errors.New("downstream unavailable")
	})

	event, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("handler error must not propagate: %v", err)
	}
	if event == nil || !event.Result.Satisfied {
		t.Fatalf("expected satisfied event despite handler error, got %+v", event)
	}
	if received.Load() != 1 {
		t.Fatalf("expected one handler invocation, got %d", received.Load())
	}
}

func TestTriggerHandlerPanicAbsorbed(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	id := eng.Register(mustPrice(t, "btc-high", condition.OpGT, 49000))
	eng.RegisterTriggerHandler(domain.CategoryPrice, func(context.Context, domain.TriggerEvent) error {
		panic("handler bug")
	})

	event, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext())
	if err != nil {
		t.Fatalf("handler panic must not propagate: %v", err)
	}
	if event == nil {
		t.Fatal("expected event despite handler panic")
	}
}

func TestMetricsAndConditionStatus(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t, Config{})
	id := eng.Register(mustPrice(t, "btc-high", condition.OpGT, 49000))

	if _, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(50000), eng.NewContext()); err != nil {
		t.Fatalf("evaluate satisfied: %v", err)
	}
	if _, err := eng.EvaluateCondition(context.Background(), id, testSnapshot(48000), eng.NewContext()); err != nil {
		t.Fatalf("evaluate unsatisfied: %v", err)
	}

	metrics := eng.CurrentMetrics()
	if metrics.TotalEvaluations != 2 || metrics.SuccessfulEvaluations != 2 {
		t.Fatalf("expected 2 completed evaluations, got %+v", metrics)
	}
	if metrics.ConditionsByType[domain.ConditionTypePrice] != 1 {
		t.Fatalf("expected one price condition in type counts, got %+v", metrics.ConditionsByType)
	}

	status, ok := eng.ConditionStatus(id)
	if !ok {
		t.Fatal("condition status missing for known id")
	}
	if status.EvaluationCount != 2 {
		t.Fatalf("expected 2 evaluations on condition, got %d", status.EvaluationCount)
	}
	if status.SuccessRate != 0.5 {
		t.Fatalf("expected 0.5 success rate, got %f", status.SuccessRate)
	}
	if _, ok := eng.ConditionStatus("no-such-id"); ok {
		t.Fatal("expected missing status for unknown id")
	}

	engineStatus := eng.CurrentStatus()
	if engineStatus.State != StateRunning {
		t.Fatalf("expected running state, got %s", engineStatus.State)
	}
}
