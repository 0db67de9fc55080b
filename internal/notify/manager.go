package notify

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"marketwatch/internal/clock"
	"marketwatch/internal/config"
	"marketwatch/internal/domain"
	"marketwatch/internal/records"

	"github.com/google/uuid"
)

// ErrQueueFull indicates the bounded notification queue rejected an enqueue.
var ErrQueueFull = errors.New("notification queue is full")

// queueItem is one pending message/channel delivery in the priority queue.
type queueItem struct {
	message  domain.NotificationMessage
	channel  string
	seq      uint64
	priority int
}

// deliveryQueue orders pending deliveries by priority desc, then enqueue order.
type deliveryQueue []*queueItem

func (q deliveryQueue) Len() int { return len(q) }

func (q deliveryQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q deliveryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *deliveryQueue) Push(item any) {
	*q = append(*q, item.(*queueItem))
}

func (q *deliveryQueue) Pop() any {
	old := *q
	last := len(old) - 1
	item := old[last]
	old[last] = nil
	*q = old[:last]
	return item
}

// channelLimiter counts deliveries inside one rate-limit window.
// Params: per-window delivery budget (0 disables the limiter).
// Returns: allow/deny decisions per dispatch.
type channelLimiter struct {
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

// allow consumes one delivery slot from the current window.
// Params: current timestamp.
// Returns: false when the window budget is exhausted.
func (l *channelLimiter) allow(now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}

// Statistics summarizes manager throughput counters.
// Params: cumulative counters plus the current queue depth.
// Returns: point-in-time statistics snapshot.
type Statistics struct {
	Enqueued    uint64 `json:"enqueued"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rate_limited"`
	Filtered    uint64 `json:"filtered"`
	Pending     int    `json:"pending"`
}

// Manager routes trigger events to notification channels through a bounded priority queue.
// Params: dispatcher for transport, records store for audit, and channel filter settings.
// Returns: notification pipeline for the application layer.
type Manager struct {
	dispatcher *Dispatcher
	store      records.Store
	logger     *slog.Logger
	clk        clock.Clock

	maxQueueSize int
	batchSize    int
	minPriority  map[string]int

	mu       sync.Mutex
	queue    deliveryQueue
	limiters map[string]*channelLimiter
	seq      uint64
	stats    Statistics
}

// NewManager builds the notification manager from notify config.
// Params: notify config, dispatcher, delivery records store, logger, and clock.
// Returns: initialized manager with empty queue.
func NewManager(cfg config.NotifyConfig, dispatcher *Dispatcher, store records.Store, logger *slog.Logger, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	window := time.Duration(cfg.RateLimitWindowSec) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	minPriority := make(map[string]int)
	limiters := make(map[string]*channelLimiter)
	for _, channel := range dispatcher.Channels() {
		common, ok := config.ChannelSettings(cfg, channel)
		if !ok {
			continue
		}
		minPriority[channel] = common.MinPriority
		limiters[channel] = &channelLimiter{limit: common.RateLimitPerWin, window: window}
	}
	maxQueueSize := cfg.MaxQueueSize
	if maxQueueSize <= 0 {
		maxQueueSize = 1024
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Manager{
		dispatcher:   dispatcher,
		store:        store,
		logger:       logger,
		clk:          clk,
		maxQueueSize: maxQueueSize,
		batchSize:    batchSize,
		minPriority:  minPriority,
		limiters:     limiters,
	}
}

// Send builds one notification from a trigger event and queues it for every eligible channel.
// Params: context and trigger event from the evaluation engine.
// Returns: generated message id; an error only when record creation fails.
func (m *Manager) Send(ctx context.Context, event domain.TriggerEvent) (string, error) {
	message := m.MessageFromEvent(event)
	if err := m.enqueueAll(ctx, message); err != nil {
		return "", err
	}
	return message.MessageID, nil
}

// SendCustom queues one caller-built notification for every eligible channel.
// Params: context and notification fields (message id assigned when empty).
// Returns: message id or validation/enqueue error.
func (m *Manager) SendCustom(ctx context.Context, message domain.NotificationMessage) (string, error) {
	if strings.TrimSpace(message.MessageID) == "" {
		message.MessageID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = m.clk.Now()
	}
	if err := message.Validate(); err != nil {
		return "", err
	}
	if err := m.enqueueAll(ctx, message); err != nil {
		return "", err
	}
	return message.MessageID, nil
}

// MessageFromEvent converts a trigger event into a queueable notification.
// Params: trigger event.
// Returns: notification message with default title/body.
func (m *Manager) MessageFromEvent(event domain.TriggerEvent) domain.NotificationMessage {
	title := event.ConditionName
	if strings.TrimSpace(title) == "" {
		title = "condition triggered"
	}
	body := event.Result.Details
	if strings.TrimSpace(body) == "" {
		body = fmt.Sprintf("condition %q evaluated to %v", event.ConditionName, event.Result.Satisfied)
	}
	metadata := make(map[string]string, len(event.Metadata)+2)
	for key, value := range event.Metadata {
		metadata[key] = value
	}
	metadata["condition_id"] = event.ConditionID
	metadata["event_id"] = event.EventID
	return domain.NotificationMessage{
		MessageID: uuid.NewString(),
		Title:     title,
		Body:      body,
		Priority:  domain.ClampPriority(event.Priority),
		Category:  event.Category,
		CreatedAt: m.clk.Now(),
		Metadata:  metadata,
	}
}

// enqueueAll queues the message once per eligible channel.
// Params: context and validated notification message.
// Returns: first record-store error; queue-full surfaces per channel as failed records.
func (m *Manager) enqueueAll(ctx context.Context, message domain.NotificationMessage) error {
	for _, channel := range m.dispatcher.Channels() {
		if message.Priority < m.minPriority[channel] {
			m.mu.Lock()
			m.stats.Filtered++
			m.mu.Unlock()
			continue
		}
		if err := m.store.Create(ctx, domain.DeliveryRecord{
			MessageID:  message.MessageID,
			Channel:    channel,
			Status:     domain.DeliveryPending,
			EnqueuedAt: m.clk.Now(),
		}); err != nil {
			return fmt.Errorf("create delivery record: %w", err)
		}
		if err := m.enqueue(message, channel); err != nil {
			m.logger.Warn("notification dropped", "channel", channel, "message_id", message.MessageID, "error", err.Error())
			if recordErr := m.store.SetStatus(ctx, message.MessageID, channel, domain.DeliveryFailed); recordErr != nil {
				return fmt.Errorf("mark dropped delivery: %w", recordErr)
			}
		}
	}
	return nil
}

// enqueue pushes one message/channel pair into the bounded priority queue.
// Params: message and destination channel.
// Returns: ErrQueueFull when the queue is at capacity.
func (m *Manager) enqueue(message domain.NotificationMessage, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= m.maxQueueSize {
		return ErrQueueFull
	}
	m.seq++
	heap.Push(&m.queue, &queueItem{
		message:  message,
		channel:  channel,
		seq:      m.seq,
		priority: message.Priority,
	})
	m.stats.Enqueued++
	return nil
}

// ProcessQueue dispatches up to one batch of pending deliveries in priority order.
// Rate-limited items are deferred back onto the queue for a later tick, not dropped.
// Params: context propagated to channel transports.
// Returns: number of dispatched deliveries and the first record-store error.
func (m *Manager) ProcessQueue(ctx context.Context) (int, error) {
	processed := 0
	var deferred []*queueItem
	defer func() { m.requeue(deferred) }()
	for processed < m.batchSize {
		item, ok := m.popItem()
		if !ok {
			break
		}
		dispatched, err := m.deliver(ctx, item)
		if !dispatched {
			deferred = append(deferred, item)
		}
		if err != nil {
			return processed, err
		}
		if dispatched {
			processed++
		}
	}
	return processed, nil
}

// popItem removes the highest-priority pending item.
// Params: none.
// Returns: next queue item and presence flag.
func (m *Manager) popItem() (*queueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	return heap.Pop(&m.queue).(*queueItem), true
}

// requeue returns deferred items to the queue keeping their original ordering.
// Params: items popped during the current batch.
// Returns: none.
func (m *Manager) requeue(items []*queueItem) {
	if len(items) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		heap.Push(&m.queue, item)
	}
}

// admit consumes one rate-limit slot for the channel.
// Params: destination channel.
// Returns: false when the window budget is exhausted.
func (m *Manager) admit(channel string) bool {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	limiter := m.limiters[channel]
	if limiter != nil && !limiter.allow(now) {
		m.stats.RateLimited++
		return false
	}
	return true
}

// deliver applies the channel rate limit and dispatches one queued item.
// Params: context and queue item.
// Returns: dispatch flag (false when deferred by the limiter) and the first
// record-store error; transport failures are recorded, not returned.
func (m *Manager) deliver(ctx context.Context, item *queueItem) (bool, error) {
	if !m.admit(item.channel) {
		m.logger.Warn("notification rate limited, deferred", "channel", item.channel, "message_id", item.message.MessageID)
		if err := m.store.SetStatus(ctx, item.message.MessageID, item.channel, domain.DeliveryRateLimited); err != nil {
			return false, fmt.Errorf("mark rate limited delivery: %w", err)
		}
		return false, nil
	}
	_, storeErr := m.sendAndRecord(ctx, item.channel, item.message)
	return true, storeErr
}

// EligibleChannels lists channels whose minimum priority admits the message.
// Params: message priority.
// Returns: channel name list in dispatcher order.
func (m *Manager) EligibleChannels(priority int) []string {
	out := make([]string, 0, len(m.dispatcher.Channels()))
	for _, channel := range m.dispatcher.Channels() {
		if priority >= m.minPriority[channel] {
			out = append(out, channel)
		}
	}
	return out
}

// DeliverDirect dispatches one message to one channel bypassing the local queue.
// Used by distributed queue workers that carry their own retry policy; a
// rate-limited delivery surfaces as a retryable error for redelivery.
// Params: context, destination channel, and notification message.
// Returns: transport or rate-limit error so the caller can decide on redelivery.
func (m *Manager) DeliverDirect(ctx context.Context, channel string, message domain.NotificationMessage) error {
	if _, ok := m.dispatcher.Sender(channel); !ok {
		return fmt.Errorf("notify channel %q is not configured", channel)
	}
	if _, err := m.store.Get(ctx, message.MessageID, channel); errors.Is(err, records.ErrNotFound) {
		if createErr := m.store.Create(ctx, domain.DeliveryRecord{
			MessageID:  message.MessageID,
			Channel:    channel,
			Status:     domain.DeliveryPending,
			EnqueuedAt: m.clk.Now(),
		}); createErr != nil {
			return fmt.Errorf("create delivery record: %w", createErr)
		}
	}
	if !m.admit(channel) {
		m.logger.Warn("notification rate limited", "channel", channel, "message_id", message.MessageID)
		if err := m.store.SetStatus(ctx, message.MessageID, channel, domain.DeliveryRateLimited); err != nil {
			return fmt.Errorf("mark rate limited delivery: %w", err)
		}
		return fmt.Errorf("notify channel %q is rate limited", channel)
	}
	sendErr, storeErr := m.sendAndRecord(ctx, channel, message)
	if storeErr != nil {
		return storeErr
	}
	return sendErr
}

// sendAndRecord dispatches one delivery and records the outcome.
// Params: context, destination channel, and notification message.
// Returns: transport error and record-store error separately.
func (m *Manager) sendAndRecord(ctx context.Context, channel string, message domain.NotificationMessage) (error, error) {
	sendErr := m.dispatcher.Send(ctx, channel, message)
	attempt := domain.DeliveryAttempt{At: m.clk.Now()}
	status := domain.DeliveryDelivered
	if sendErr != nil {
		attempt.Error = sendErr.Error()
		status = domain.DeliveryFailed
		m.logger.Error("notification delivery failed", "channel", channel, "message_id", message.MessageID, "error", sendErr.Error())
	}
	if err := m.store.RecordAttempt(ctx, message.MessageID, channel, attempt); err != nil {
		return sendErr, fmt.Errorf("record delivery attempt: %w", err)
	}
	if err := m.store.SetStatus(ctx, message.MessageID, channel, status); err != nil {
		return sendErr, fmt.Errorf("set delivery status: %w", err)
	}

	m.mu.Lock()
	if sendErr != nil {
		m.stats.Failed++
	} else {
		m.stats.Delivered++
	}
	m.mu.Unlock()
	return sendErr, nil
}

// DeliveryStatus returns per-channel delivery records for one message.
// Params: context and message id.
// Returns: delivery records sorted by channel.
func (m *Manager) DeliveryStatus(ctx context.Context, messageID string) ([]domain.DeliveryRecord, error) {
	return m.store.ListByMessage(ctx, messageID)
}

// ClearQueue drops every pending delivery and marks its record failed.
// Params: context for record updates.
// Returns: number of dropped deliveries.
func (m *Manager) ClearQueue(ctx context.Context) int {
	m.mu.Lock()
	dropped := make([]*queueItem, len(m.queue))
	copy(dropped, m.queue)
	m.queue = m.queue[:0]
	m.mu.Unlock()

	for _, item := range dropped {
		if err := m.store.SetStatus(ctx, item.message.MessageID, item.channel, domain.DeliveryFailed); err != nil {
			m.logger.Warn("mark cleared delivery failed", "message_id", item.message.MessageID, "channel", item.channel, "error", err.Error())
		}
	}
	return len(dropped)
}

// PendingCount returns the current queue depth.
// Params: none.
// Returns: number of queued deliveries.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Dispatcher exposes the underlying channel dispatcher.
// Params: none.
// Returns: dispatcher used for outbound deliveries.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// CurrentStatistics returns cumulative throughput counters.
// Params: none.
// Returns: statistics snapshot including queue depth.
func (m *Manager) CurrentStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	stats.Pending = len(m.queue)
	return stats
}
