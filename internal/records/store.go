package records

import (
	"context"
	"errors"

	"marketwatch/internal/domain"
)

// ErrNotFound indicates an absent delivery record.
var ErrNotFound = errors.New("delivery record not found")

// Store provides delivery record persistence operations.
// Params: CRUD operations for message/channel delivery audit entries.
// Returns: backend persistence behavior.
type Store interface {
	Create(ctx context.Context, record domain.DeliveryRecord) error
	Get(ctx context.Context, messageID, channel string) (domain.DeliveryRecord, error)
	RecordAttempt(ctx context.Context, messageID, channel string, attempt domain.DeliveryAttempt) error
	SetStatus(ctx context.Context, messageID, channel string, status domain.DeliveryStatus) error
	ListByMessage(ctx context.Context, messageID string) ([]domain.DeliveryRecord, error)
	ListByStatus(ctx context.Context, status domain.DeliveryStatus) ([]domain.DeliveryRecord, error)
	Close() error
}
