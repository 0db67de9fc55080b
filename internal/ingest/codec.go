package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"marketwatch/internal/domain"
)

const maxPooledBatchCapacity = 4096

type decodeScratch struct {
	snapshots []domain.MarketData
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{snapshots: make([]domain.MarketData, 0, 16)}
	},
}

// decodeSingleSnapshot decodes one snapshot and rejects trailing JSON tokens.
// Params: json decoder for a single snapshot object.
// Returns: validated snapshot or decode error.
func decodeSingleSnapshot(decoder *json.Decoder) (domain.MarketData, error) {
	snapshot, err := domain.DecodeSnapshotReader(decoder)
	if err != nil {
		return domain.MarketData{}, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return domain.MarketData{}, err
	}
	return snapshot, nil
}

// decodeSnapshotPayloadInto auto-detects batch vs single payload.
// The returned slice aliases scratch and is only valid until release.
// Params: raw JSON bytes with one object or array, and pooled scratch buffer.
// Returns: validated snapshot slice.
func decodeSnapshotPayloadInto(raw []byte, scratch *decodeScratch) ([]domain.MarketData, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		return decodeBatchSnapshotsInto(decoder, scratch)
	}
	snapshot, err := decodeSingleSnapshot(decoder)
	if err != nil {
		return nil, err
	}
	snapshots := scratch.snapshots[:0]
	snapshots = append(snapshots, snapshot)
	scratch.snapshots = snapshots
	return snapshots, nil
}

func decodeBatchSnapshotsInto(decoder *json.Decoder, scratch *decodeScratch) ([]domain.MarketData, error) {
	snapshots := scratch.snapshots[:0]
	if err := decoder.Decode(&snapshots); err != nil {
		return nil, fmt.Errorf("decode snapshot batch: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, errors.New("snapshot batch must contain at least one snapshot")
	}
	for i := range snapshots {
		if err := snapshots[i].Validate(); err != nil {
			return nil, fmt.Errorf("snapshot[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.snapshots = snapshots
	return snapshots, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.snapshots {
		scratch.snapshots[i] = domain.MarketData{}
	}
	if cap(scratch.snapshots) > maxPooledBatchCapacity {
		scratch.snapshots = make([]domain.MarketData, 0, 16)
	} else {
		scratch.snapshots = scratch.snapshots[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushSnapshots sends snapshots to sink with optional batch support.
// Params: snapshot sink and snapshot slice.
// Returns: first push error or nil.
func pushSnapshots(sink SnapshotSink, snapshots []domain.MarketData) error {
	if len(snapshots) == 0 {
		return nil
	}
	if batchSink, ok := sink.(batchSnapshotSink); ok {
		return batchSink.PushBatch(snapshots)
	}
	for _, snapshot := range snapshots {
		if err := sink.Push(snapshot); err != nil {
			return err
		}
	}
	return nil
}
