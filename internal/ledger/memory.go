package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Storage with the same CAS discipline as the
// Postgres store. Used by tests and local development.
type MemoryStore struct {
	mu     sync.Mutex
	recs   map[string]EvidenceRecord
	chains map[string][]CustodyEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recs:   make(map[string]EvidenceRecord),
		chains: make(map[string][]CustodyEvent),
	}
}

func (m *MemoryStore) InsertEvidence(ctx context.Context, rec EvidenceRecord, genesis CustodyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.EvidenceID] = rec
	m.chains[rec.EvidenceID] = []CustodyEvent{genesis}
	return nil
}

func (m *MemoryStore) GetEvidence(ctx context.Context, evidenceID string) (EvidenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[evidenceID]
	if !ok {
		return EvidenceRecord{}, ErrEvidenceNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ChainTail(ctx context.Context, evidenceID string) (CustodyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[evidenceID]
	if !ok || len(chain) == 0 {
		return CustodyEvent{}, ErrEvidenceNotFound
	}
	return chain[len(chain)-1], nil
}

// AppendEvent enforces the tail CAS: the new event must extend the current
// tail by exactly one sequence number and reference its record hash.
func (m *MemoryStore) AppendEvent(ctx context.Context, ev CustodyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[ev.EvidenceID]
	if !ok || len(chain) == 0 {
		return ErrEvidenceNotFound
	}
	tail := chain[len(chain)-1]
	if ev.Seq != tail.Seq+1 || ev.PrevHash != tail.RecordHash {
		return ErrConcurrentAppend
	}
	m.chains[ev.EvidenceID] = append(chain, ev)
	return nil
}

func (m *MemoryStore) ListChain(ctx context.Context, evidenceID string) ([]CustodyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[evidenceID]
	if !ok {
		return nil, ErrEvidenceNotFound
	}
	out := make([]CustodyEvent, len(chain))
	copy(out, chain)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Tamper overwrites a stored event in place, for verification tests only.
func (m *MemoryStore) Tamper(evidenceID string, index int, mutate func(*CustodyEvent)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[evidenceID]
	if !ok || index < 0 || index >= len(chain) {
		return false
	}
	mutate(&chain[index])
	return true
}

// TamperPayload flips a byte of the stored sealed payload.
func (m *MemoryStore) TamperPayload(evidenceID string, offset int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[evidenceID]
	if !ok || offset < 0 || offset >= len(rec.Sealed) {
		return false
	}
	sealed := make([]byte, len(rec.Sealed))
	copy(sealed, rec.Sealed)
	sealed[offset] ^= 0xff
	rec.Sealed = sealed
	m.recs[evidenceID] = rec
	return true
}
