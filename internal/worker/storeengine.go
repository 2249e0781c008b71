package worker

import (
	"context"
	"sync"

	"github.com/insideout-labs/viraltrace/internal/cluster"
)

// SnapshotLoader is the store surface the offline engine adapter needs.
type SnapshotLoader interface {
	GetClusterSnapshot(ctx context.Context, clusterID int64) (cluster.Snapshot, bool, error)
}

// StoreEngine adapts persisted snapshots to the Engine interface so a
// standalone worker can re-analyze clusters without the live in-process
// engine. Reads always hit the store; only an ApplyAnalysis verdict for the
// same generation is served from the scored cache, which the processor then
// persists through the store.
type StoreEngine struct {
	loader SnapshotLoader

	mu     sync.Mutex
	scored map[int64]cluster.Snapshot
}

// NewStoreEngine builds the adapter.
func NewStoreEngine(loader SnapshotLoader) *StoreEngine {
	return &StoreEngine{loader: loader, scored: make(map[int64]cluster.Snapshot)}
}

func (s *StoreEngine) Snapshot(id int64) (cluster.Snapshot, bool) {
	snap, ok, err := s.loader.GetClusterSnapshot(context.Background(), id)
	if err != nil || !ok {
		return cluster.Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.scored[id]; ok {
		if cached.Generation == snap.Generation {
			return cached, true
		}
		delete(s.scored, id)
	}
	return snap, true
}

func (s *StoreEngine) ApplyAnalysis(id int64, generation uint64, viralScore float64) bool {
	snap, ok, err := s.loader.GetClusterSnapshot(context.Background(), id)
	if err != nil || !ok || snap.Generation != generation {
		return false
	}
	snap.ViralScore = viralScore
	if len(snap.Members) >= 2 {
		snap.Status = cluster.StatusActive
	}
	snap.Priority = cluster.PriorityFor(viralScore)
	s.mu.Lock()
	s.scored[id] = snap
	s.mu.Unlock()
	return true
}
