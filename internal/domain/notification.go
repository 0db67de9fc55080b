package domain

import (
	"errors"
	"strings"
	"time"
)

// DeliveryStatus tracks one notification delivery lifecycle state.
// Params: status constants recorded per message/channel pair.
// Returns: typed delivery state.
type DeliveryStatus string

const (
	// DeliveryPending marks a message queued but not yet dispatched.
	DeliveryPending DeliveryStatus = "pending"
	// DeliveryDelivered marks a confirmed channel delivery.
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryFailed marks a delivery that exhausted its retry budget.
	DeliveryFailed DeliveryStatus = "failed"
	// DeliveryRateLimited marks a delivery dropped by the channel rate limiter.
	DeliveryRateLimited DeliveryStatus = "rate_limited"
)

// NotificationMessage is one rendered notification awaiting channel delivery.
// Params: identity, rendered content, routing priority, and source metadata.
// Returns: immutable payload shared by every target channel.
type NotificationMessage struct {
	MessageID string            `json:"message_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  int               `json:"priority"`
	Category  ConditionCategory `json:"category"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate validates one notification message before queueing.
// Params: message fields built by the notification manager.
// Returns: validation error when the message is malformed.
func (m NotificationMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return errors.New("message_id is required")
	}
	if strings.TrimSpace(m.Body) == "" {
		return errors.New("body is required")
	}
	if m.Priority < 1 || m.Priority > 10 {
		return errors.New("priority must be in [1, 10]")
	}
	return nil
}

// DeliveryAttempt records one dispatch attempt outcome.
// Params: attempt timestamp and failure text (empty on success).
// Returns: audit entry appended to the delivery record.
type DeliveryAttempt struct {
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// DeliveryRecord tracks one message/channel delivery outcome.
// Params: message identity, target channel, status, and attempt history.
// Returns: queryable delivery audit entry.
type DeliveryRecord struct {
	MessageID   string            `json:"message_id"`
	Channel     string            `json:"channel"`
	Status      DeliveryStatus    `json:"status"`
	Attempts    []DeliveryAttempt `json:"attempts,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	DeliveredAt time.Time         `json:"delivered_at"`
	LastError   string            `json:"last_error,omitempty"`
}
