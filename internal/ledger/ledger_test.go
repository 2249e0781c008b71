package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
)

// testPKI derives deterministic ed25519 keys per officer so signing and
// verification stay consistent across the test process.
type testPKI struct{}

func officerSeed(officerID string) []byte {
	sum := sha256.Sum256([]byte("officer:" + officerID))
	return sum[:]
}

func (testPKI) Sign(ctx context.Context, officerID string, digest []byte) ([]byte, error) {
	priv := ed25519.NewKeyFromSeed(officerSeed(officerID))
	return ed25519.Sign(priv, digest), nil
}

func (testPKI) OfficerKey(ctx context.Context, officerID string) (ed25519.PublicKey, error) {
	priv := ed25519.NewKeyFromSeed(officerSeed(officerID))
	return priv.Public().(ed25519.PublicKey), nil
}

var authoritySeed = sha256.Sum256([]byte("authority:high-court"))

func authorityKey(authority string) (ed25519.PublicKey, error) {
	if authority != "high-court" {
		return nil, fmt.Errorf("unknown authority %q", authority)
	}
	priv := ed25519.NewKeyFromSeed(authoritySeed[:])
	return priv.Public().(ed25519.PublicKey), nil
}

func signedWarrant(expiresAt time.Time) Warrant {
	w := Warrant{
		WarrantID:  "w-1",
		Authority:  "high-court",
		CaseNumber: "case-42",
		Platforms:  []string{"twitter", "facebook", "instagram"},
		DataTypes:  []string{"posts"},
		IssuedAt:   expiresAt.Add(-72 * time.Hour),
		ExpiresAt:  expiresAt,
	}
	priv := ed25519.NewKeyFromSeed(authoritySeed[:])
	w.Signature = ed25519.Sign(priv, w.SigningBytes())
	return w
}

func testPayload() Payload {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	members := []cluster.Post{
		{PostID: "A", Platform: "twitter", AuthorID: "u1", Timestamp: t0, Seq: 1},
		{PostID: "B", Platform: "facebook", AuthorID: "u2", Timestamp: t0.Add(5 * time.Minute), Seq: 2},
	}
	snap := cluster.Snapshot{ID: 7, Generation: 4, Members: members, FirstActivity: t0, LastActivity: t0.Add(5 * time.Minute), Status: cluster.StatusActive}
	graph := propagation.Graph{ClusterID: 7, Generation: 4, Nodes: members, Origins: []string{"A"}}
	summary := network.Summary{ClusterID: 7, Generation: 4, Nodes: 2}
	return Payload{Cluster: snap, Graph: graph, Summary: summary}
}

func newTestLedger(t *testing.T, store Storage, attempts int) *Ledger {
	t.Helper()
	l, err := New(Config{MasterKey: []byte("0123456789abcdef0123456789abcdef"), MaxAppendAttempts: attempts},
		store, testPKI{}, testPKI{}, authorityKey, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestCreateEvidenceAndVerify(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, 4)
	ctx := context.Background()

	rec, err := l.CreateEvidence(ctx, testPayload(), "officer-1", signedWarrant(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateEvidence: %v", err)
	}
	if rec.ClusterID != 7 || rec.Generation != 4 {
		t.Fatalf("frozen generation reference wrong: %+v", rec)
	}
	if rec.KeyID == "" || rec.ContentHash == "" {
		t.Fatalf("key id and content hash required: %+v", rec)
	}

	res, err := l.VerifyChain(ctx, rec.EvidenceID)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.Events != 1 {
		t.Fatalf("fresh chain should be valid: %+v", res)
	}

	status, err := l.Status(ctx, rec.EvidenceID)
	if err != nil || status != StatusCollected {
		t.Fatalf("expected collected, got %s (%v)", status, err)
	}

	payload, err := l.OpenPayload(ctx, rec.EvidenceID)
	if err != nil {
		t.Fatalf("OpenPayload: %v", err)
	}
	if payload.Cluster.ID != 7 || len(payload.Cluster.Members) != 2 {
		t.Fatalf("payload roundtrip broken: %+v", payload.Cluster)
	}
}

func TestWarrantExpiryBoundary(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, 4)
	ctx := context.Background()

	expiry := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	w := signedWarrant(expiry)

	l.WithClock(func() time.Time { return expiry.Add(-time.Second) })
	if _, err := l.CreateEvidence(ctx, testPayload(), "officer-1", w); err != nil {
		t.Fatalf("create at expiry-1s should succeed: %v", err)
	}

	l.WithClock(func() time.Time { return expiry.Add(time.Second) })
	_, err := l.CreateEvidence(ctx, testPayload(), "officer-1", w)
	if !errors.Is(err, ErrInvalidWarrant) {
		t.Fatalf("create at expiry+1s should fail with ErrInvalidWarrant, got %v", err)
	}
}

func TestWarrantScopeAndSignature(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, 4)
	ctx := context.Background()

	w := signedWarrant(time.Now().Add(time.Hour))
	w.Platforms = []string{"twitter"} // payload also spans facebook
	w.Signature = ed25519.Sign(ed25519.NewKeyFromSeed(authoritySeed[:]), w.SigningBytes())
	if _, err := l.CreateEvidence(ctx, testPayload(), "officer-1", w); !errors.Is(err, ErrInvalidWarrant) {
		t.Fatalf("out-of-scope platform should fail: %v", err)
	}

	w = signedWarrant(time.Now().Add(time.Hour))
	w.Signature[0] ^= 0xff
	if _, err := l.CreateEvidence(ctx, testPayload(), "officer-1", w); !errors.Is(err, ErrInvalidWarrant) {
		t.Fatalf("bad signature should fail: %v", err)
	}
}

func TestAppendAndStatusMachine(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, 4)
	ctx := context.Background()

	rec, err := l.CreateEvidence(ctx, testPayload(), "officer-1", signedWarrant(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateEvidence: %v", err)
	}

	if _, err := l.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-2", ActionAnalyzed); err != nil {
		t.Fatalf("append analyzed: %v", err)
	}
	if _, err := l.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-2", ActionAccessed); err != nil {
		t.Fatalf("append accessed: %v", err)
	}
	if _, err := l.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-3", ActionExported); err != nil {
		t.Fatalf("append exported: %v", err)
	}

	status, _ := l.Status(ctx, rec.EvidenceID)
	if status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", status)
	}

	// Forward-only: analyzed after exported is a regression.
	if _, err := l.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-2", ActionAnalyzed); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("expected status regression, got %v", err)
	}

	res, err := l.VerifyChain(ctx, rec.EvidenceID)
	if err != nil || !res.Valid || res.Events != 4 {
		t.Fatalf("chain should verify with 4 events: %+v (%v)", res, err)
	}

	if _, err := l.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-2", ActionType("shredded")); err == nil {
		t.Fatalf("unknown action must be rejected")
	}
}

func TestVerifyReportsExactTamperIndex(t *testing.T) {
	ctx := context.Background()

	build := func(t *testing.T) (*Ledger, *MemoryStore, string) {
		store := NewMemoryStore()
		l := newTestLedger(t, store, 4)
		rec, err := l.CreateEvidence(ctx, testPayload(), "officer-1", signedWarrant(time.Now().Add(time.Hour)))
		if err != nil {
			t.Fatalf("CreateEvidence: %v", err)
		}
		for _, a := range []ActionType{ActionAnalyzed, ActionAccessed} {
			if _, err := l.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-2", a); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		return l, store, rec.EvidenceID
	}

	t.Run("broken prev hash link", func(t *testing.T) {
		l, store, id := build(t)
		store.Tamper(id, 1, func(ev *CustodyEvent) { ev.PrevHash = GenesisHash() })
		res, err := l.VerifyChain(ctx, id)
		if err != nil || res.Valid || res.TamperedAt != 1 {
			t.Fatalf("expected TamperedAt=1: %+v (%v)", res, err)
		}
	})

	t.Run("mutated actor", func(t *testing.T) {
		l, store, id := build(t)
		store.Tamper(id, 2, func(ev *CustodyEvent) { ev.Actor = "officer-9" })
		res, err := l.VerifyChain(ctx, id)
		if err != nil || res.Valid || res.TamperedAt != 2 {
			t.Fatalf("expected TamperedAt=2: %+v (%v)", res, err)
		}
	})

	t.Run("forged signature", func(t *testing.T) {
		l, store, id := build(t)
		store.Tamper(id, 2, func(ev *CustodyEvent) { ev.Signature[0] ^= 0xff })
		res, err := l.VerifyChain(ctx, id)
		if err != nil || res.Valid || res.TamperedAt != 2 {
			t.Fatalf("expected TamperedAt=2: %+v (%v)", res, err)
		}
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		l, store, id := build(t)
		if !store.TamperPayload(id, 40) {
			t.Fatalf("tamper payload failed")
		}
		res, err := l.VerifyChain(ctx, id)
		if err != nil || res.Valid || res.TamperedAt != 0 {
			t.Fatalf("payload tamper must surface at genesis: %+v (%v)", res, err)
		}
	})
}

func TestConcurrentAppendTotalOrder(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, 8)
	ctx := context.Background()

	rec, err := l.CreateEvidence(ctx, testPayload(), "officer-1", signedWarrant(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateEvidence: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, officer := range []string{"officer-2", "officer-3"} {
		wg.Add(1)
		go func(i int, officer string) {
			defer wg.Done()
			_, errs[i] = l.AppendCustodyEvent(ctx, rec.EvidenceID, officer, ActionAccessed)
		}(i, officer)
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("both appends should land after retry: %v %v", errs[0], errs[1])
	}
	chain, _ := store.ListChain(ctx, rec.EvidenceID)
	if len(chain) != 3 {
		t.Fatalf("expected genesis + 2 events, got %d", len(chain))
	}
	res, err := l.VerifyChain(ctx, rec.EvidenceID)
	if err != nil || !res.Valid {
		t.Fatalf("total order must verify: %+v (%v)", res, err)
	}
}

// conflictOnce injects a single CAS conflict to exercise the retry loop.
type conflictOnce struct {
	*MemoryStore
	mu   sync.Mutex
	done bool
}

func (c *conflictOnce) AppendEvent(ctx context.Context, ev CustodyEvent) error {
	c.mu.Lock()
	first := !c.done
	c.done = true
	c.mu.Unlock()
	if first {
		return ErrConcurrentAppend
	}
	return c.MemoryStore.AppendEvent(ctx, ev)
}

func TestAppendRetriesOnConflict(t *testing.T) {
	store := &conflictOnce{MemoryStore: NewMemoryStore()}
	l := newTestLedger(t, store, 4)
	ctx := context.Background()

	rec, err := l.CreateEvidence(ctx, testPayload(), "officer-1", signedWarrant(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateEvidence: %v", err)
	}
	if _, err := l.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-2", ActionAccessed); err != nil {
		t.Fatalf("append should succeed after one conflict: %v", err)
	}

	exhausted := &conflictOnce{MemoryStore: store.MemoryStore}
	lOne := newTestLedger(t, exhausted, 1)
	if _, err := lOne.AppendCustodyEvent(ctx, rec.EvidenceID, "officer-2", ActionAccessed); !errors.Is(err, ErrConcurrentAppend) {
		t.Fatalf("exhausted attempts must surface ErrConcurrentAppend, got %v", err)
	}
}

func TestHashFieldsFramesFields(t *testing.T) {
	at := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	base := CustodyEvent{PrevHash: GenesisHash(), Timestamp: at, PayloadRefHash: "p"}

	// Field values must not bleed into neighboring fields: shifting a
	// delimiter-looking boundary between actor and action changes the hash.
	a := base
	a.Actor, a.Action = "mallory", ActionType("accessed|x")
	b := base
	b.Actor, b.Action = "mallory|accessed", ActionType("x")
	if a.HashFields() == b.HashFields() {
		t.Fatalf("distinct events share a record hash")
	}

	c := base
	c.Actor, c.Action = "officer-1", ActionAccessed
	if c.HashFields() != c.HashFields() {
		t.Fatalf("record hash must be deterministic")
	}
}

func TestEvidenceNotFound(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, 4)
	ctx := context.Background()

	if _, err := l.VerifyChain(ctx, "missing"); !errors.Is(err, ErrEvidenceNotFound) {
		t.Fatalf("expected ErrEvidenceNotFound, got %v", err)
	}
	if _, err := l.AppendCustodyEvent(ctx, "missing", "officer-1", ActionAccessed); !errors.Is(err, ErrEvidenceNotFound) {
		t.Fatalf("expected ErrEvidenceNotFound, got %v", err)
	}
}
