package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"marketwatch/internal/clock"
	"marketwatch/internal/condition"
	"marketwatch/internal/config"
	"marketwatch/internal/domain"
	"marketwatch/internal/engine"
	"marketwatch/internal/notify"
	"marketwatch/internal/notifyqueue"
)

// triggerCategories lists every category the manager subscribes to.
var triggerCategories = []domain.ConditionCategory{
	domain.CategoryPrice,
	domain.CategoryVolume,
	domain.CategoryTime,
	domain.CategoryIndicator,
	domain.CategoryMarketAlert,
	domain.CategoryComposite,
}

// Manager coordinates snapshot evaluation and notification routing.
// Params: runtime config, condition engine, notifier, optional queue producer, and clock.
// Returns: snapshot sink and trigger-event router.
type Manager struct {
	mu           sync.RWMutex
	cfg          config.Config
	logger       *slog.Logger
	engine       *engine.Engine
	notifier     *notify.Manager
	producer     notifyqueue.Producer
	clock        clock.Clock
	conditionIDs map[string]string
}

// NewManager creates manager and subscribes it to every trigger category.
// Params: config snapshot, logger, engine, notification manager, and clock.
// Returns: initialized manager without registered conditions.
func NewManager(cfg config.Config, logger *slog.Logger, eng *engine.Engine, notifier *notify.Manager, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	manager := &Manager{
		cfg:          cfg,
		logger:       logger,
		engine:       eng,
		notifier:     notifier,
		clock:        clk,
		conditionIDs: make(map[string]string),
	}
	for _, category := range triggerCategories {
		eng.RegisterTriggerHandler(category, manager.handleTrigger)
	}
	return manager
}

// SetQueueProducer switches notification routing to the distributed queue.
// Params: queue producer, nil reverts to in-process delivery.
// Returns: none.
func (m *Manager) SetQueueProducer(producer notifyqueue.Producer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producer = producer
}

// RegisterConditions registers every declared condition into the engine.
// Composite children reference sibling conditions by name, so scalars go first
// and composites follow in dependency order.
// Params: none; reads the condition list from config.
// Returns: registration error with the failing condition name.
func (m *Manager) RegisterConditions() error {
	scalars := make([]condition.Descriptor, 0, len(m.cfg.Condition))
	composites := make(map[string]condition.Descriptor)
	for _, descriptor := range m.cfg.Condition {
		if isCompositeType(descriptor.ConditionType) {
			composites[descriptor.Name] = descriptor
			continue
		}
		scalars = append(scalars, descriptor)
	}

	for _, descriptor := range scalars {
		if err := m.registerOne(descriptor, nil); err != nil {
			return err
		}
	}

	for len(composites) > 0 {
		progressed := false
		for name, descriptor := range composites {
			if !compositeDependenciesReady(descriptor, composites) {
				continue
			}
			if err := m.registerOne(descriptor, m.conditionIDs); err != nil {
				return err
			}
			delete(composites, name)
			progressed = true
		}
		if !progressed {
			names := make([]string, 0, len(composites))
			for name := range composites {
				names = append(names, name)
			}
			return fmt.Errorf("composite conditions form a reference cycle: %s", strings.Join(names, ", "))
		}
	}
	return nil
}

// registerOne builds and registers one declared condition.
// Params: descriptor and optional name-to-id map for composite children.
// Returns: build or child-resolution error.
func (m *Manager) registerOne(descriptor condition.Descriptor, idsByName map[string]string) error {
	resolved := descriptor
	if len(descriptor.ChildIDs) > 0 && idsByName != nil {
		children := make([]string, 0, len(descriptor.ChildIDs))
		for _, childName := range descriptor.ChildIDs {
			childID, ok := idsByName[childName]
			if !ok {
				return fmt.Errorf("condition %q references unknown child %q", descriptor.Name, childName)
			}
			children = append(children, childID)
		}
		resolved.ChildIDs = children
	}

	cond, err := condition.Create(resolved)
	if err != nil {
		return fmt.Errorf("condition %q: %w", descriptor.Name, err)
	}
	id := m.engine.RegisterWith(cond, descriptor.Priority, descriptor.Enabled)
	m.mu.Lock()
	m.conditionIDs[descriptor.Name] = id
	m.mu.Unlock()
	m.logger.Info("condition registered",
		"name", descriptor.Name,
		"type", descriptor.ConditionType,
		"priority", descriptor.Priority,
		"enabled", descriptor.Enabled,
	)
	return nil
}

// ConditionID resolves one declared condition name to its engine id.
// Params: condition name from config.
// Returns: engine id and presence flag.
func (m *Manager) ConditionID(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.conditionIDs[name]
	return id, ok
}

// Push evaluates one incoming snapshot against all registered conditions.
// Params: validated market snapshot.
// Returns: evaluation or notification pipeline error.
func (m *Manager) Push(snapshot domain.MarketData) error {
	return m.processSnapshot(context.Background(), snapshot)
}

// PushBatch evaluates a batch of snapshots in arrival order.
// Params: validated snapshot slice.
// Returns: first evaluation error.
func (m *Manager) PushBatch(snapshots []domain.MarketData) error {
	ctx := context.Background()
	for _, snapshot := range snapshots {
		if err := m.processSnapshot(ctx, snapshot); err != nil {
			return err
		}
	}
	return nil
}

// processSnapshot runs one evaluation cycle and drains local deliveries.
// Params: context and snapshot.
// Returns: evaluation error; trigger fan-out errors are absorbed by the engine.
func (m *Manager) processSnapshot(ctx context.Context, snapshot domain.MarketData) error {
	events, err := m.engine.EvaluateAll(ctx, snapshot, m.engine.NewContext())
	if err != nil {
		return err
	}
	if len(events) > 0 {
		m.logger.Debug("snapshot triggered conditions", "symbol", snapshot.Symbol, "events", len(events))
	}
	return m.drainNotifications(ctx)
}

// drainNotifications processes the local notification queue to completion.
// Params: context for channel transports.
// Returns: first record-store error.
func (m *Manager) drainNotifications(ctx context.Context) error {
	for {
		processed, err := m.notifier.ProcessQueue(ctx)
		if err != nil {
			return err
		}
		if processed == 0 {
			return nil
		}
	}
}

// handleTrigger routes one trigger event into the notification pipeline.
// Params: context and trigger event from the engine.
// Returns: routing error (logged by the engine).
func (m *Manager) handleTrigger(ctx context.Context, event domain.TriggerEvent) error {
	m.mu.RLock()
	producer := m.producer
	m.mu.RUnlock()

	if producer == nil {
		_, err := m.notifier.Send(ctx, event)
		return err
	}

	message := m.notifier.MessageFromEvent(event)
	for _, channel := range m.notifier.EligibleChannels(message.Priority) {
		job := notifyqueue.Job{
			ID:        notifyqueue.BuildJobID(channel, message),
			Channel:   channel,
			Message:   message,
			CreatedAt: m.clock.Now(),
		}
		if err := producer.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue notify job for %s: %w", channel, err)
		}
	}
	return nil
}

// ProcessQueuedNotification delivers one distributed queue job.
// Params: context and decoded queue job.
// Returns: permanent error for unroutable jobs, transport error for retryable ones.
func (m *Manager) ProcessQueuedNotification(ctx context.Context, job notifyqueue.Job) error {
	if err := job.Message.Validate(); err != nil {
		return notifyqueue.MarkPermanent(fmt.Errorf("queued notification invalid: %w", err))
	}
	err := m.notifier.DeliverDirect(ctx, job.Channel, job.Message)
	if err != nil && strings.Contains(err.Error(), "is not configured") {
		return notifyqueue.MarkPermanent(err)
	}
	return err
}

// StatusSnapshot combines engine and notification state for the status endpoint.
// Params: none.
// Returns: JSON-serializable runtime status.
func (m *Manager) StatusSnapshot() StatusSnapshot {
	return StatusSnapshot{
		Engine: m.engine.CurrentStatus(),
		Notify: m.notifier.CurrentStatistics(),
	}
}

// StatusSnapshot is the combined runtime status document.
// Params: engine status and notification statistics.
// Returns: payload for the HTTP status endpoint.
type StatusSnapshot struct {
	Engine engine.Status     `json:"engine"`
	Notify notify.Statistics `json:"notify"`
}

// compositeDependenciesReady reports whether all composite children are registered.
// Params: descriptor and the set of still-pending composites keyed by name.
// Returns: false while a child is itself pending.
func compositeDependenciesReady(descriptor condition.Descriptor, pending map[string]condition.Descriptor) bool {
	for _, childName := range descriptor.ChildIDs {
		if _, waiting := pending[childName]; waiting {
			return false
		}
	}
	return true
}

// isCompositeType reports whether the raw type token is a combinator.
// Params: raw condition_type token.
// Returns: true for and/or/not.
func isCompositeType(conditionType string) bool {
	switch strings.ToLower(strings.TrimSpace(conditionType)) {
	case "and", "or", "not":
		return true
	}
	return false
}
