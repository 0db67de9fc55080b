package ingest

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
)

func newTestSubscriber(sink SnapshotSink) *NATSSubscriber {
	return &NATSSubscriber{
		sink:   sink,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNATSConsumeSingleSnapshot(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	subscriber := newTestSubscriber(sink)

	subscriber.consume(&nats.Msg{Subject: "marketwatch.snapshots", Data: []byte(validSnapshotJSON)})

	if len(sink.snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(sink.snapshots))
	}
	if sink.snapshots[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected snapshot %+v", sink.snapshots[0])
	}
}

func TestNATSConsumeBatchPayload(t *testing.T) {
	t.Parallel()

	sink := &recordingBatchSink{}
	subscriber := newTestSubscriber(sink)

	payload := "[" + validSnapshotJSON + "," + validSnapshotJSON + "]"
	subscriber.consume(&nats.Msg{Subject: "marketwatch.snapshots", Data: []byte(payload)})

	if sink.batches != 1 {
		t.Fatalf("expected one batch push, got %d", sink.batches)
	}
	if len(sink.snapshots) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(sink.snapshots))
	}
}

func TestNATSConsumeRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	subscriber := newTestSubscriber(sink)

	subscriber.consume(&nats.Msg{Subject: "marketwatch.snapshots", Data: []byte(`{"symbol":""}`)})

	if len(sink.snapshots) != 0 {
		t.Fatalf("expected malformed payload dropped, got %d snapshots", len(sink.snapshots))
	}
}

func TestNATSConsumeKeepsPayloadOnSinkFailure(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{pushErr: errors.New("engine unavailable")}
	subscriber := newTestSubscriber(sink)

	// The sink error path nacks for redelivery; nothing must be recorded.
	subscriber.consume(&nats.Msg{Subject: "marketwatch.snapshots", Data: []byte(validSnapshotJSON)})

	if len(sink.snapshots) != 0 {
		t.Fatalf("expected no snapshots recorded on sink failure, got %d", len(sink.snapshots))
	}
}
