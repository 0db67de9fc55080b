package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"marketwatch/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	deliveryRecordsBucket = "MARKETWATCH_DELIVERY_RECORDS"
	deliveryRecordsTTL    = 7 * 24 * time.Hour

	casAttempts = 5
)

// ErrConflict indicates a concurrent record update lost the CAS race.
var ErrConflict = errors.New("delivery record update conflict")

// NATSStore persists delivery records in a JetStream KV bucket so every
// instance in a deployment observes the same audit trail.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed store implementation.
type NATSStore struct {
	nc  *nats.Conn
	kv  nats.KeyValue
	now func() time.Time
}

// NewNATSStore connects to NATS and ensures the delivery records bucket exists.
// Params: NATS URL list and now function (defaults to time.Now when nil).
// Returns: initialized store or setup error.
func NewNATSStore(urls []string, now func() time.Time) (*NATSStore, error) {
	if now == nil {
		now = time.Now
	}
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect records nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for records: %w", err)
	}
	kv, err := js.KeyValue(deliveryRecordsBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: deliveryRecordsBucket,
			TTL:    deliveryRecordsTTL,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create records bucket %q: %w", deliveryRecordsBucket, err)
		}
	}
	return &NATSStore{nc: nc, kv: kv, now: now}, nil
}

// natsRecordKey builds the KV key for one message/channel pair.
// Params: message id and channel name.
// Returns: dot-joined KV key.
func natsRecordKey(messageID, channel string) string {
	return messageID + "." + channel
}

// Create writes one fresh delivery record.
// Params: record with message id, channel, and initial status.
// Returns: encode/put error; a repeated create overwrites the previous record.
func (s *NATSStore) Create(_ context.Context, record domain.DeliveryRecord) error {
	if record.Status == "" {
		record.Status = domain.DeliveryPending
	}
	if record.EnqueuedAt.IsZero() {
		record.EnqueuedAt = s.now()
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode delivery record: %w", err)
	}
	if _, err := s.kv.Put(natsRecordKey(record.MessageID, record.Channel), body); err != nil {
		return fmt.Errorf("put delivery record: %w", err)
	}
	return nil
}

// Get returns one delivery record.
// Params: message id and channel key pair.
// Returns: decoded record or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, messageID, channel string) (domain.DeliveryRecord, error) {
	record, _, err := s.getWithRevision(messageID, channel)
	return record, err
}

// getWithRevision reads one record together with its KV revision for CAS updates.
// Params: message id and channel key pair.
// Returns: record, revision, or ErrNotFound.
func (s *NATSStore) getWithRevision(messageID, channel string) (domain.DeliveryRecord, uint64, error) {
	entry, err := s.kv.Get(natsRecordKey(messageID, channel))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.DeliveryRecord{}, 0, ErrNotFound
		}
		return domain.DeliveryRecord{}, 0, fmt.Errorf("get delivery record: %w", err)
	}
	var record domain.DeliveryRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.DeliveryRecord{}, 0, fmt.Errorf("decode delivery record: %w", err)
	}
	return record, entry.Revision(), nil
}

// mutate applies one update function under a bounded CAS retry loop.
// Params: key pair and in-place record mutation.
// Returns: ErrNotFound, ErrConflict after retries, or transport error.
func (s *NATSStore) mutate(messageID, channel string, apply func(record *domain.DeliveryRecord)) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		record, revision, err := s.getWithRevision(messageID, channel)
		if err != nil {
			return err
		}
		apply(&record)
		body, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode delivery record: %w", err)
		}
		_, err = s.kv.Update(natsRecordKey(messageID, channel), body, revision)
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("update delivery record: %w", err)
		}
	}
	return ErrConflict
}

// isRevisionConflict reports whether a KV update failed on a stale revision.
// Params: KV update error.
// Returns: true for CAS conflicts.
func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) ||
		strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// RecordAttempt appends one dispatch attempt to the record history.
// Params: message id, channel, and attempt entry.
// Returns: ErrNotFound for unknown records.
func (s *NATSStore) RecordAttempt(_ context.Context, messageID, channel string, attempt domain.DeliveryAttempt) error {
	if attempt.At.IsZero() {
		attempt.At = s.now()
	}
	return s.mutate(messageID, channel, func(record *domain.DeliveryRecord) {
		record.Attempts = append(record.Attempts, attempt)
		record.LastError = attempt.Error
	})
}

// SetStatus transitions one record to a terminal or pending status.
// Params: message id, channel, and target status.
// Returns: ErrNotFound for unknown records.
func (s *NATSStore) SetStatus(_ context.Context, messageID, channel string, status domain.DeliveryStatus) error {
	return s.mutate(messageID, channel, func(record *domain.DeliveryRecord) {
		record.Status = status
		if status == domain.DeliveryDelivered {
			record.DeliveredAt = s.now()
			record.LastError = ""
		}
	})
}

// ListByMessage lists per-channel records for one message.
// Params: message id.
// Returns: records sorted by channel name.
func (s *NATSStore) ListByMessage(ctx context.Context, messageID string) ([]domain.DeliveryRecord, error) {
	return s.list(ctx, func(key string, record domain.DeliveryRecord) bool {
		return strings.HasPrefix(key, messageID+".")
	}, byChannel)
}

// ListByStatus lists records currently in one status.
// Params: delivery status filter.
// Returns: records sorted by enqueue time then channel.
func (s *NATSStore) ListByStatus(ctx context.Context, status domain.DeliveryStatus) ([]domain.DeliveryRecord, error) {
	return s.list(ctx, func(_ string, record domain.DeliveryRecord) bool {
		return record.Status == status
	}, byEnqueueTime)
}

type recordSortOrder int

const (
	byChannel recordSortOrder = iota
	byEnqueueTime
)

// list scans the bucket and returns matching records in requested order.
// Params: match predicate over key/record and sort order.
// Returns: filtered record list.
func (s *NATSStore) list(_ context.Context, match func(string, domain.DeliveryRecord) bool, order recordSortOrder) ([]domain.DeliveryRecord, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list record keys: %w", err)
	}
	out := make([]domain.DeliveryRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get delivery record: %w", err)
		}
		var record domain.DeliveryRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			continue
		}
		if match(key, record) {
			out = append(out, record)
		}
	}
	sortRecords(out, order)
	return out, nil
}

// sortRecords orders the result set deterministically.
// Params: record slice and order selector.
// Returns: slice sorted in place.
func sortRecords(records []domain.DeliveryRecord, order recordSortOrder) {
	switch order {
	case byChannel:
		sort.Slice(records, func(i, j int) bool { return records[i].Channel < records[j].Channel })
	case byEnqueueTime:
		sort.Slice(records, func(i, j int) bool { return recordBefore(records[i], records[j]) })
	}
}

func recordBefore(a, b domain.DeliveryRecord) bool {
	if a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.Channel < b.Channel
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	s.nc.Close()
	return nil
}
