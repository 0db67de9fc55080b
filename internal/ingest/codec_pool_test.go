package ingest

import (
	"testing"

	"marketwatch/internal/domain"
)

func TestReleaseDecodeScratchZeroesEntries(t *testing.T) {
	t.Parallel()

	scratch := &decodeScratch{}
	snapshots, err := decodeSnapshotPayloadInto([]byte(validSnapshotJSON), scratch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snapshots))
	}

	retained := scratch.snapshots[:1]
	releaseDecodeScratch(scratch)
	if retained[0].Symbol != "" {
		t.Fatalf("expected released entry zeroed, got %+v", retained[0])
	}
	if len(scratch.snapshots) != 0 {
		t.Fatalf("expected truncated scratch, got len %d", len(scratch.snapshots))
	}
}

func TestReleaseDecodeScratchDropsOversizedBuffers(t *testing.T) {
	t.Parallel()

	scratch := &decodeScratch{snapshots: make([]domain.MarketData, 0, maxPooledBatchCapacity+1)}
	releaseDecodeScratch(scratch)
	if cap(scratch.snapshots) > maxPooledBatchCapacity {
		t.Fatalf("expected oversized buffer replaced, got cap %d", cap(scratch.snapshots))
	}
}

func TestReleaseDecodeScratchNilSafe(t *testing.T) {
	t.Parallel()
	releaseDecodeScratch(nil)
}
