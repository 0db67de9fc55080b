package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketwatch/internal/domain"
)

// MemoryStore keeps delivery records in process memory for single-instance mode.
// Params: guarded record map keyed by message/channel and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[recordKey]domain.DeliveryRecord
}

type recordKey struct {
	messageID string
	channel   string
}

// NewMemoryStore creates an in-memory delivery record store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		entries: make(map[recordKey]domain.DeliveryRecord),
	}
}

// Create writes one fresh delivery record.
// Params: record with message id, channel, and initial status.
// Returns: nil; a repeated create overwrites the previous record.
func (s *MemoryStore) Create(_ context.Context, record domain.DeliveryRecord) error {
	if record.Status == "" {
		record.Status = domain.DeliveryPending
	}
	if record.EnqueuedAt.IsZero() {
		record.EnqueuedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[recordKey{messageID: record.MessageID, channel: record.Channel}] = record
	return nil
}

// Get returns one delivery record.
// Params: message id and channel key pair.
// Returns: record copy or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, messageID, channel string) (domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.entries[recordKey{messageID: messageID, channel: channel}]
	if !ok {
		return domain.DeliveryRecord{}, ErrNotFound
	}
	return record, nil
}

// RecordAttempt appends one dispatch attempt to the record history.
// Params: message id, channel, and attempt entry.
// Returns: ErrNotFound for unknown records.
func (s *MemoryStore) RecordAttempt(_ context.Context, messageID, channel string, attempt domain.DeliveryAttempt) error {
	if attempt.At.IsZero() {
		attempt.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{messageID: messageID, channel: channel}
	record, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	record.Attempts = append(record.Attempts, attempt)
	record.LastError = attempt.Error
	s.entries[key] = record
	return nil
}

// SetStatus transitions one record to a terminal or pending status.
// Params: message id, channel, and target status.
// Returns: ErrNotFound for unknown records.
func (s *MemoryStore) SetStatus(_ context.Context, messageID, channel string, status domain.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{messageID: messageID, channel: channel}
	record, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	record.Status = status
	if status == domain.DeliveryDelivered {
		record.DeliveredAt = s.now()
		record.LastError = ""
	}
	s.entries[key] = record
	return nil
}

// ListByMessage lists per-channel records for one message.
// Params: message id.
// Returns: records sorted by channel name.
func (s *MemoryStore) ListByMessage(_ context.Context, messageID string) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeliveryRecord, 0, 4)
	for key, record := range s.entries {
		if key.messageID == messageID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// ListByStatus lists records currently in one status.
// Params: delivery status filter.
// Returns: records sorted by enqueue time then channel.
func (s *MemoryStore) ListByStatus(_ context.Context, status domain.DeliveryStatus) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeliveryRecord, 0)
	for _, record := range s.entries {
		if record.Status == status {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].Channel < out[j].Channel
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
