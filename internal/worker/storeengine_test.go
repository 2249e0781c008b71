package worker

import (
	"context"
	"testing"

	"github.com/insideout-labs/viraltrace/internal/cluster"
)

type fakeLoader struct{ snaps map[int64]cluster.Snapshot }

func (f *fakeLoader) GetClusterSnapshot(ctx context.Context, clusterID int64) (cluster.Snapshot, bool, error) {
	s, ok := f.snaps[clusterID]
	return s, ok, nil
}

func TestStoreEngineServesScoredCopyForSameGeneration(t *testing.T) {
	loader := &fakeLoader{snaps: map[int64]cluster.Snapshot{3: testSnapshot()}}
	eng := NewStoreEngine(loader)

	if !eng.ApplyAnalysis(3, 5, 6.0) {
		t.Fatalf("ApplyAnalysis should succeed for the current generation")
	}
	snap, ok := eng.Snapshot(3)
	if !ok {
		t.Fatalf("Snapshot: not found")
	}
	if snap.ViralScore != 6.0 || snap.Status != cluster.StatusActive || snap.Priority != cluster.PriorityHigh {
		t.Fatalf("scored copy not served: %+v", snap)
	}
}

func TestStoreEngineDropsScoredCopyOnNewGeneration(t *testing.T) {
	loader := &fakeLoader{snaps: map[int64]cluster.Snapshot{3: testSnapshot()}}
	eng := NewStoreEngine(loader)
	if !eng.ApplyAnalysis(3, 5, 6.0) {
		t.Fatalf("ApplyAnalysis failed")
	}

	fresh := testSnapshot()
	fresh.Generation = 6
	loader.snaps[3] = fresh

	snap, ok := eng.Snapshot(3)
	if !ok {
		t.Fatalf("Snapshot: not found")
	}
	if snap.Generation != 6 || snap.ViralScore != 0 {
		t.Fatalf("stale scored copy must not survive a generation bump: %+v", snap)
	}
}

func TestStoreEngineStaleApplyRejected(t *testing.T) {
	loader := &fakeLoader{snaps: map[int64]cluster.Snapshot{3: testSnapshot()}}
	eng := NewStoreEngine(loader)
	if eng.ApplyAnalysis(3, 4, 6.0) {
		t.Fatalf("stale generation must be rejected")
	}
	if eng.ApplyAnalysis(99, 1, 6.0) {
		t.Fatalf("unknown cluster must be rejected")
	}
}
