package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/internal/clock"
	"marketwatch/internal/condition"
	"marketwatch/internal/config"
	"marketwatch/internal/domain"
	"marketwatch/internal/engine"
	"marketwatch/internal/notify"
	"marketwatch/internal/notifyqueue"
	"marketwatch/internal/records"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func floatPtr(value float64) *float64 {
	return &value
}

// appTestConfig returns a single-mode config with the popup channel enabled
// and one price condition that fires above 100.
func appTestConfig() config.Config {
	cfg := config.Config{}
	cfg.Service.Mode = config.ServiceModeSingle
	cfg.Notify.Popup.Enabled = true
	cfg.Notify.Popup.FeedSize = 32
	cfg.Notify.Popup.MinPriority = 1
	cfg.Notify.Popup.Retry = config.NotifyRetry{Backoff: "fixed", InitialMS: 1, MaxMS: 1, MaxAttempts: 1}
	cfg.Condition = []condition.Descriptor{
		{
			ConditionType: "price",
			Name:          "btc-above-100",
			Symbol:        "BTCUSDT",
			Operator:      "gt",
			Threshold:     floatPtr(100),
			Enabled:       true,
			Priority:      7,
		},
	}
	return cfg
}

// newTestHarness builds a running engine, notifier, and app manager for one config.
func newTestHarness(t *testing.T, cfg config.Config) (*Manager, *notify.Manager, *engine.Engine) {
	t.Helper()
	logger := discardLogger()
	clk := &clock.FixedClock{Current: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}

	eng := engine.New(engine.Config{
		MaxParallel:               4,
		CacheTTL:                  time.Minute,
		AdaptiveParallelThreshold: 10,
		DefaultStrategy:           domain.StrategySequential,
		DefaultMaxExecutionTime:   time.Second,
		DefaultTimeoutHandling:    domain.TimeoutMark,
	}, logger, clk)

	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	notifier := notify.NewManager(cfg.Notify, dispatcher, records.NewMemoryStore(clk.Now), logger, clk)
	manager := NewManager(cfg, logger, eng, notifier, clk)

	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	if err := manager.RegisterConditions(); err != nil {
		t.Fatalf("register conditions: %v", err)
	}
	return manager, notifier, eng
}

func popupFeed(t *testing.T, notifier *notify.Manager) []domain.NotificationMessage {
	t.Helper()
	sender, ok := notifier.Dispatcher().Sender(config.NotifyChannelPopup)
	if !ok {
		t.Fatalf("popup sender not configured")
	}
	popup, ok := sender.(*notify.PopupSender)
	if !ok {
		t.Fatalf("unexpected popup sender type %T", sender)
	}
	return popup.Feed()
}

func testSnapshot(price int64) domain.MarketData {
	return domain.MarketData{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(price),
		Volume24h: decimal.NewFromInt(1_000_000),
		Timestamp: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}
}

func TestPushDeliversTriggeredNotification(t *testing.T) {
	t.Parallel()

	manager, notifier, _ := newTestHarness(t, appTestConfig())
	if err := manager.Push(testSnapshot(150)); err != nil {
		t.Fatalf("push: %v", err)
	}

	feed := popupFeed(t, notifier)
	if len(feed) != 1 {
		t.Fatalf("expected one popup notification, got %d", len(feed))
	}
	if feed[0].Title != "btc-above-100" {
		t.Fatalf("unexpected title %q", feed[0].Title)
	}
	if feed[0].Priority != 7 {
		t.Fatalf("expected condition priority carried over, got %d", feed[0].Priority)
	}
}

func TestPushBelowThresholdStaysQuiet(t *testing.T) {
	t.Parallel()

	manager, notifier, _ := newTestHarness(t, appTestConfig())
	if err := manager.Push(testSnapshot(90)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if feed := popupFeed(t, notifier); len(feed) != 0 {
		t.Fatalf("expected no notifications, got %d", len(feed))
	}
}

func TestPushBatchEvaluatesEverySnapshot(t *testing.T) {
	t.Parallel()

	manager, notifier, _ := newTestHarness(t, appTestConfig())
	batch := []domain.MarketData{testSnapshot(90), testSnapshot(150), testSnapshot(200)}
	if err := manager.PushBatch(batch); err != nil {
		t.Fatalf("push batch: %v", err)
	}
	if feed := popupFeed(t, notifier); len(feed) != 2 {
		t.Fatalf("expected two notifications, got %d", len(feed))
	}
}

func TestRegisterConditionsResolvesCompositeChildren(t *testing.T) {
	t.Parallel()

	cfg := appTestConfig()
	cfg.Condition = append(cfg.Condition,
		condition.Descriptor{
			ConditionType: "price",
			Name:          "btc-below-500",
			Symbol:        "BTCUSDT",
			Operator:      "lt",
			Threshold:     floatPtr(500),
			Enabled:       true,
			Priority:      5,
		},
		condition.Descriptor{
			ConditionType: "and",
			Name:          "btc-corridor",
			ChildIDs:      []string{"btc-above-100", "btc-below-500"},
			Enabled:       true,
			Priority:      9,
		},
	)

	manager, notifier, _ := newTestHarness(t, cfg)
	if _, ok := manager.ConditionID("btc-corridor"); !ok {
		t.Fatalf("expected composite registered")
	}
	if err := manager.Push(testSnapshot(150)); err != nil {
		t.Fatalf("push: %v", err)
	}

	titles := make(map[string]bool)
	for _, message := range popupFeed(t, notifier) {
		titles[message.Title] = true
	}
	if !titles["btc-corridor"] {
		t.Fatalf("expected composite trigger, got %v", titles)
	}
}

func TestRegisterConditionsOrdersNestedComposites(t *testing.T) {
	t.Parallel()

	cfg := appTestConfig()
	// Declared before its child composite to force dependency-order resolution.
	cfg.Condition = append([]condition.Descriptor{
		{
			ConditionType: "not",
			Name:          "outer",
			ChildIDs:      []string{"inner"},
			Enabled:       true,
			Priority:      3,
		},
		{
			ConditionType: "or",
			Name:          "inner",
			ChildIDs:      []string{"btc-above-100"},
			Enabled:       true,
			Priority:      3,
		},
	}, cfg.Condition...)

	manager, _, _ := newTestHarness(t, cfg)
	for _, name := range []string{"outer", "inner", "btc-above-100"} {
		if _, ok := manager.ConditionID(name); !ok {
			t.Fatalf("expected %q registered", name)
		}
	}
}

func TestRegisterConditionsRejectsUnknownChild(t *testing.T) {
	t.Parallel()

	cfg := appTestConfig()
	cfg.Condition = append(cfg.Condition, condition.Descriptor{
		ConditionType: "and",
		Name:          "broken",
		ChildIDs:      []string{"missing-child"},
		Enabled:       true,
		Priority:      5,
	})

	logger := discardLogger()
	clk := &clock.FixedClock{Current: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	eng := engine.New(engine.Config{
		MaxParallel:             4,
		DefaultStrategy:         domain.StrategySequential,
		DefaultMaxExecutionTime: time.Second,
		DefaultTimeoutHandling:  domain.TimeoutMark,
	}, logger, clk)
	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	notifier := notify.NewManager(cfg.Notify, dispatcher, records.NewMemoryStore(clk.Now), logger, clk)
	manager := NewManager(cfg, logger, eng, notifier, clk)

	err := manager.RegisterConditions()
	if err == nil || !strings.Contains(err.Error(), "missing-child") {
		t.Fatalf("expected unknown child error, got %v", err)
	}
}

func TestRegisterConditionsRejectsCompositeCycle(t *testing.T) {
	t.Parallel()

	cfg := appTestConfig()
	cfg.Condition = append(cfg.Condition,
		condition.Descriptor{ConditionType: "and", Name: "a", ChildIDs: []string{"b"}, Enabled: true, Priority: 5},
		condition.Descriptor{ConditionType: "and", Name: "b", ChildIDs: []string{"a"}, Enabled: true, Priority: 5},
	)

	logger := discardLogger()
	clk := &clock.FixedClock{Current: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	eng := engine.New(engine.Config{
		MaxParallel:             4,
		DefaultStrategy:         domain.StrategySequential,
		DefaultMaxExecutionTime: time.Second,
		DefaultTimeoutHandling:  domain.TimeoutMark,
	}, logger, clk)
	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	notifier := notify.NewManager(cfg.Notify, dispatcher, records.NewMemoryStore(clk.Now), logger, clk)
	manager := NewManager(cfg, logger, eng, notifier, clk)

	err := manager.RegisterConditions()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

type fakeQueueProducer struct {
	jobs       []notifyqueue.Job
	enqueueErr error
}

func (p *fakeQueueProducer) Enqueue(_ context.Context, job notifyqueue.Job) error {
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *fakeQueueProducer) Close() error { return nil }

func TestTriggerFansOutThroughQueueProducer(t *testing.T) {
	t.Parallel()

	manager, notifier, _ := newTestHarness(t, appTestConfig())
	producer := &fakeQueueProducer{}
	manager.SetQueueProducer(producer)

	if err := manager.Push(testSnapshot(150)); err != nil {
		t.Fatalf("push: %v", err)
	}

	if len(producer.jobs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(producer.jobs))
	}
	job := producer.jobs[0]
	if job.Channel != config.NotifyChannelPopup {
		t.Fatalf("unexpected channel %q", job.Channel)
	}
	if job.ID == "" || job.Message.Title != "btc-above-100" {
		t.Fatalf("unexpected job %+v", job)
	}
	// Queue mode must not deliver locally.
	if feed := popupFeed(t, notifier); len(feed) != 0 {
		t.Fatalf("expected empty local feed, got %d entries", len(feed))
	}
}

func TestProcessQueuedNotificationDelivers(t *testing.T) {
	t.Parallel()

	manager, notifier, _ := newTestHarness(t, appTestConfig())
	message := notifier.MessageFromEvent(domain.TriggerEvent{
		EventID:       "evt-1",
		ConditionID:   "cond-1",
		ConditionName: "btc-above-100",
		Category:      domain.CategoryPrice,
		Priority:      7,
		Timestamp:     time.Now().UTC(),
	})

	job := notifyqueue.Job{
		ID:      notifyqueue.BuildJobID(config.NotifyChannelPopup, message),
		Channel: config.NotifyChannelPopup,
		Message: message,
	}
	if err := manager.ProcessQueuedNotification(context.Background(), job); err != nil {
		t.Fatalf("process queued notification: %v", err)
	}
	if feed := popupFeed(t, notifier); len(feed) != 1 {
		t.Fatalf("expected one delivery, got %d", len(feed))
	}
}

func TestProcessQueuedNotificationMarksUnknownChannelPermanent(t *testing.T) {
	t.Parallel()

	manager, notifier, _ := newTestHarness(t, appTestConfig())
	message := notifier.MessageFromEvent(domain.TriggerEvent{
		EventID:       "evt-2",
		ConditionID:   "cond-1",
		ConditionName: "btc-above-100",
		Category:      domain.CategoryPrice,
		Priority:      7,
		Timestamp:     time.Now().UTC(),
	})

	job := notifyqueue.Job{Channel: "telegram", Message: message}
	err := manager.ProcessQueuedNotification(context.Background(), job)
	if err == nil {
		t.Fatalf("expected error for unconfigured channel")
	}
	if !notifyqueue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestProcessQueuedNotificationRejectsInvalidMessage(t *testing.T) {
	t.Parallel()

	manager, _, _ := newTestHarness(t, appTestConfig())
	job := notifyqueue.Job{Channel: config.NotifyChannelPopup}
	err := manager.ProcessQueuedNotification(context.Background(), job)
	if err == nil || !notifyqueue.IsPermanent(err) {
		t.Fatalf("expected permanent validation error, got %v", err)
	}
}

func TestTriggerEnqueueFailurePropagates(t *testing.T) {
	t.Parallel()

	manager, _, _ := newTestHarness(t, appTestConfig())
	manager.SetQueueProducer(&fakeQueueProducer{enqueueErr: errors.New("nats down")})

	// Handler errors are absorbed by the engine per handler, so the push itself
	// succeeds; exercise the handler directly to observe the failure.
	err := manager.handleTrigger(context.Background(), domain.TriggerEvent{
		EventID:       "evt-3",
		ConditionID:   "cond-1",
		ConditionName: "btc-above-100",
		Category:      domain.CategoryPrice,
		Priority:      7,
		Timestamp:     time.Now().UTC(),
	})
	if err == nil || !strings.Contains(err.Error(), "nats down") {
		t.Fatalf("expected enqueue error, got %v", err)
	}
}

func TestStatusSnapshotCombinesEngineAndNotify(t *testing.T) {
	t.Parallel()

	manager, _, _ := newTestHarness(t, appTestConfig())
	if err := manager.Push(testSnapshot(150)); err != nil {
		t.Fatalf("push: %v", err)
	}

	status := manager.StatusSnapshot()
	if status.Engine.State != engine.StateRunning {
		t.Fatalf("expected running engine, got %q", status.Engine.State)
	}
	if status.Engine.Metrics.TotalConditions != 1 {
		t.Fatalf("expected one registered condition, got %d", status.Engine.Metrics.TotalConditions)
	}
	if status.Notify.Delivered != 1 {
		t.Fatalf("expected one delivered notification, got %d", status.Notify.Delivered)
	}
}

func TestProcessQueuedNotificationRateLimitedIsRetryable(t *testing.T) {
	t.Parallel()

	cfg := appTestConfig()
	cfg.Notify.RateLimitWindowSec = 60
	cfg.Notify.Popup.RateLimitPerWin = 1
	manager, _, _ := newTestHarness(t, cfg)
	ctx := context.Background()

	job := func(id string) notifyqueue.Job {
		return notifyqueue.Job{
			ID:      id,
			Channel: config.NotifyChannelPopup,
			Message: domain.NotificationMessage{
				MessageID: id,
				Title:     "btc-above-100",
				Body:      "price 150 gt 100",
				Priority:  7,
				Category:  domain.CategoryPrice,
				CreatedAt: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
			},
		}
	}

	if err := manager.ProcessQueuedNotification(ctx, job("first")); err != nil {
		t.Fatalf("first queued delivery: %v", err)
	}
	err := manager.ProcessQueuedNotification(ctx, job("second"))
	if err == nil {
		t.Fatal("expected rate-limit error inside window")
	}
	if notifyqueue.IsPermanent(err) {
		t.Fatalf("rate-limited delivery must stay retryable, got permanent %v", err)
	}
}
