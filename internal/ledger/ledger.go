package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
)

const genesisLabel = "viraltrace-custody-genesis"

// GenesisHash is the fixed prev_hash of every chain's first event.
func GenesisHash() string {
	sum := sha256.Sum256([]byte(genesisLabel))
	return hex.EncodeToString(sum[:])
}

// ActionType enumerates chain-of-custody actions.
type ActionType string

const (
	ActionCollected   ActionType = "collected"
	ActionTransferred ActionType = "transferred"
	ActionAnalyzed    ActionType = "analyzed"
	ActionAccessed    ActionType = "accessed"
	ActionExported    ActionType = "exported"
	ActionArchived    ActionType = "archived"
)

// EvidenceStatus is derived from the custody chain, never mutated in place.
type EvidenceStatus string

const (
	StatusCollected EvidenceStatus = "collected"
	StatusAnalyzed  EvidenceStatus = "analyzed"
	StatusSubmitted EvidenceStatus = "submitted"
	StatusArchived  EvidenceStatus = "archived"
)

// statusRank orders the forward-only state machine.
var statusRank = map[EvidenceStatus]int{
	StatusCollected: 0,
	StatusAnalyzed:  1,
	StatusSubmitted: 2,
	StatusArchived:  3,
}

// statusFor maps status-bearing actions; other actions return "".
func statusFor(a ActionType) EvidenceStatus {
	switch a {
	case ActionCollected:
		return StatusCollected
	case ActionAnalyzed:
		return StatusAnalyzed
	case ActionExported:
		return StatusSubmitted
	case ActionArchived:
		return StatusArchived
	}
	return ""
}

var validActions = map[ActionType]struct{}{
	ActionCollected:   {},
	ActionTransferred: {},
	ActionAnalyzed:    {},
	ActionAccessed:    {},
	ActionExported:    {},
	ActionArchived:    {},
}

var (
	// ErrEvidenceNotFound signals a stale or malformed evidence id.
	ErrEvidenceNotFound = errors.New("evidence not found")
	// ErrConcurrentAppend is retryable: the chain tail moved under the writer.
	ErrConcurrentAppend = errors.New("concurrent custody append conflict")
	// ErrStatusRegression rejects backward transitions in the state machine.
	ErrStatusRegression = errors.New("custody status regression")
)

// Payload freezes a cluster generation with its derived graph and summary.
// Later cluster evolution never changes an issued evidence record.
type Payload struct {
	Cluster cluster.Snapshot  `json:"cluster"`
	Graph   propagation.Graph `json:"graph"`
	Summary network.Summary   `json:"summary"`
}

// EvidenceRecord is created once; no field is ever updated afterwards.
type EvidenceRecord struct {
	EvidenceID  string    `json:"evidence_id"`
	ClusterID   int64     `json:"cluster_id"`
	Generation  uint64    `json:"generation"`
	Sealed      []byte    `json:"-"`
	KeyID       string    `json:"encryption_key_id"`
	ContentHash string    `json:"content_hash"`
	CaseNumber  string    `json:"case_number"`
	WarrantID   string    `json:"warrant_id"`
	OfficerID   string    `json:"officer_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// CustodyEvent is one link of an append-only hash chain. Seq starts at 1 for
// the genesis event whose PrevHash is GenesisHash().
type CustodyEvent struct {
	RecordID       string     `json:"record_id"`
	EvidenceID     string     `json:"evidence_id"`
	Seq            int        `json:"seq"`
	Actor          string     `json:"actor"`
	Action         ActionType `json:"action_type"`
	Timestamp      time.Time  `json:"timestamp"`
	PayloadRefHash string     `json:"payload_ref_hash"`
	PrevHash       string     `json:"prev_hash"`
	RecordHash     string     `json:"record_hash"`
	Signature      []byte     `json:"digital_signature"`
}

// hashPreimage is the canonical encoding hashed into a record hash. JSON
// field framing keeps actor or action values from bleeding into neighboring
// fields, so distinct events can never share a preimage.
type hashPreimage struct {
	PrevHash       string `json:"prev_hash"`
	Actor          string `json:"actor"`
	Action         string `json:"action_type"`
	Timestamp      string `json:"timestamp"`
	PayloadRefHash string `json:"payload_ref_hash"`
}

// HashFields recomputes the record hash over the chained fields.
func (e CustodyEvent) HashFields() string {
	data, _ := json.Marshal(hashPreimage{
		PrevHash:       e.PrevHash,
		Actor:          e.Actor,
		Action:         string(e.Action),
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		PayloadRefHash: e.PayloadRefHash,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerificationResult reports the first broken link, if any.
type VerificationResult struct {
	Valid      bool `json:"valid"`
	TamperedAt int  `json:"tampered_at"` // event index, -1 when valid
	Events     int  `json:"events"`
}

// Storage persists evidence records and custody chains. AppendEvent must
// enforce uniqueness of (evidence_id, seq) and a matching tail hash, mapping
// conflicts to ErrConcurrentAppend.
type Storage interface {
	InsertEvidence(ctx context.Context, rec EvidenceRecord, genesis CustodyEvent) error
	GetEvidence(ctx context.Context, evidenceID string) (EvidenceRecord, error)
	ChainTail(ctx context.Context, evidenceID string) (CustodyEvent, error)
	AppendEvent(ctx context.Context, ev CustodyEvent) error
	ListChain(ctx context.Context, evidenceID string) ([]CustodyEvent, error)
}

// Signer produces the actor's detached signature over a record hash; signing
// happens in the officer's client via the PKI collaborator, never here.
type Signer interface {
	Sign(ctx context.Context, officerID string, digest []byte) ([]byte, error)
}

// KeyDirectory resolves officer public keys for verification.
type KeyDirectory interface {
	OfficerKey(ctx context.Context, officerID string) (ed25519.PublicKey, error)
}

var (
	appendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viraltrace_custody_append_conflicts_total",
		Help: "CAS conflicts observed while appending custody events.",
	})
	tamperDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viraltrace_custody_tamper_detections_total",
		Help: "Chains whose verification reported a tampered event.",
	})
)

// Config carries ledger secrets and append behaviour.
type Config struct {
	MasterKey         []byte
	MaxAppendAttempts int
}

// Ledger freezes analysis results into encrypted, hash-chained, signed
// evidence records.
type Ledger struct {
	cfg       Config
	store     Storage
	signer    Signer
	keys      KeyDirectory
	authority AuthorityKeyFunc
	logger    *log.Logger
	now       func() time.Time
}

// New builds a Ledger. now may be nil and defaults to time.Now.
func New(cfg Config, store Storage, signer Signer, keys KeyDirectory, authority AuthorityKeyFunc, logger *log.Logger) (*Ledger, error) {
	if len(cfg.MasterKey) < 16 {
		return nil, fmt.Errorf("ledger master key must be at least 16 bytes")
	}
	if cfg.MaxAppendAttempts < 1 {
		cfg.MaxAppendAttempts = 1
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LEDGER] ", log.LstdFlags)
	}
	return &Ledger{
		cfg:       cfg,
		store:     store,
		signer:    signer,
		keys:      keys,
		authority: authority,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithClock overrides the ledger clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreateEvidence validates the warrant, canonicalizes and encrypts the frozen
// payload, persists the record and writes the genesis custody event. Nothing
// is persisted when validation fails.
func (l *Ledger) CreateEvidence(ctx context.Context, payload Payload, officerID string, w Warrant) (EvidenceRecord, error) {
	now := l.now().UTC()
	if err := ValidateWarrant(w, payload.Cluster.Platforms(), now, l.authority); err != nil {
		return EvidenceRecord{}, err
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return EvidenceRecord{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	contentHash := hex.EncodeToString(sum[:])

	evidenceID := uuid.NewString()
	key, keyID, err := caseKey(l.cfg.MasterKey, w.CaseNumber, evidenceID)
	if err != nil {
		return EvidenceRecord{}, err
	}
	sealed, err := encryptPayload(key, canonical)
	if err != nil {
		return EvidenceRecord{}, fmt.Errorf("encrypt payload: %w", err)
	}

	rec := EvidenceRecord{
		EvidenceID:  evidenceID,
		ClusterID:   payload.Cluster.ID,
		Generation:  payload.Cluster.Generation,
		Sealed:      sealed,
		KeyID:       keyID,
		ContentHash: contentHash,
		CaseNumber:  w.CaseNumber,
		WarrantID:   w.WarrantID,
		OfficerID:   officerID,
		CreatedAt:   now,
	}

	genesis := CustodyEvent{
		RecordID:       uuid.NewString(),
		EvidenceID:     evidenceID,
		Seq:            1,
		Actor:          officerID,
		Action:         ActionCollected,
		Timestamp:      now,
		PayloadRefHash: contentHash,
		PrevHash:       GenesisHash(),
	}
	genesis.RecordHash = genesis.HashFields()
	sig, err := l.signer.Sign(ctx, officerID, []byte(genesis.RecordHash))
	if err != nil {
		return EvidenceRecord{}, fmt.Errorf("sign genesis event: %w", err)
	}
	genesis.Signature = sig

	if err := l.store.InsertEvidence(ctx, rec, genesis); err != nil {
		return EvidenceRecord{}, fmt.Errorf("persist evidence: %w", err)
	}
	l.logger.Printf("evidence %s created for cluster %d gen %d (case %s)", evidenceID, rec.ClusterID, rec.Generation, rec.CaseNumber)
	return rec, nil
}

// AppendCustodyEvent appends one action to the chain using compare-and-swap
// on the tail hash. Losing writers re-read the tail and retry up to
// MaxAppendAttempts before surfacing ErrConcurrentAppend.
func (l *Ledger) AppendCustodyEvent(ctx context.Context, evidenceID, actor string, action ActionType) (CustodyEvent, error) {
	if _, ok := validActions[action]; !ok {
		return CustodyEvent{}, fmt.Errorf("unknown action type %q", action)
	}

	for attempt := 0; attempt < l.cfg.MaxAppendAttempts; attempt++ {
		tail, err := l.store.ChainTail(ctx, evidenceID)
		if err != nil {
			return CustodyEvent{}, err
		}

		if next := statusFor(action); next != "" {
			current, err := l.chainStatus(ctx, evidenceID)
			if err != nil {
				return CustodyEvent{}, err
			}
			if statusRank[next] < statusRank[current] {
				return CustodyEvent{}, fmt.Errorf("%w: %s after %s", ErrStatusRegression, next, current)
			}
		}

		ev := CustodyEvent{
			RecordID:       uuid.NewString(),
			EvidenceID:     evidenceID,
			Seq:            tail.Seq + 1,
			Actor:          actor,
			Action:         action,
			Timestamp:      l.now().UTC(),
			PayloadRefHash: tail.PayloadRefHash,
			PrevHash:       tail.RecordHash,
		}
		ev.RecordHash = ev.HashFields()
		sig, err := l.signer.Sign(ctx, actor, []byte(ev.RecordHash))
		if err != nil {
			return CustodyEvent{}, fmt.Errorf("sign custody event: %w", err)
		}
		ev.Signature = sig

		err = l.store.AppendEvent(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrConcurrentAppend) {
			return CustodyEvent{}, err
		}
		appendConflicts.Inc()
		l.logger.Printf("custody append conflict on %s (attempt %d), re-reading tail", evidenceID, attempt+1)
	}
	return CustodyEvent{}, ErrConcurrentAppend
}

// VerifyChain recomputes every record hash from genesis and checks every
// signature. It reports the first event index at which verification fails;
// tampering is surfaced, never repaired.
func (l *Ledger) VerifyChain(ctx context.Context, evidenceID string) (VerificationResult, error) {
	rec, err := l.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return VerificationResult{}, err
	}
	events, err := l.store.ListChain(ctx, evidenceID)
	if err != nil {
		return VerificationResult{}, err
	}

	res := VerificationResult{Valid: true, TamperedAt: -1, Events: len(events)}
	fail := func(i int) (VerificationResult, error) {
		tamperDetections.Inc()
		l.logger.Printf("chain tamper detected on %s at event %d", evidenceID, i)
		return VerificationResult{Valid: false, TamperedAt: i, Events: len(events)}, nil
	}

	prev := GenesisHash()
	for i, ev := range events {
		if ev.PrevHash != prev || ev.Seq != i+1 {
			return fail(i)
		}
		if ev.RecordHash != ev.HashFields() {
			return fail(i)
		}
		key, err := l.keys.OfficerKey(ctx, ev.Actor)
		if err != nil || !ed25519.Verify(key, []byte(ev.RecordHash), ev.Signature) {
			return fail(i)
		}
		// The genesis event binds the chain to the stored payload.
		if i == 0 {
			if ev.PayloadRefHash != rec.ContentHash {
				return fail(i)
			}
			plain, err := l.openPayload(rec)
			if err != nil {
				return fail(i)
			}
			sum := sha256.Sum256(plain)
			if hex.EncodeToString(sum[:]) != rec.ContentHash {
				return fail(i)
			}
		}
		prev = ev.RecordHash
	}
	return res, nil
}

// Status derives the evidence status from the custody chain.
func (l *Ledger) Status(ctx context.Context, evidenceID string) (EvidenceStatus, error) {
	return l.chainStatus(ctx, evidenceID)
}

// OpenPayload decrypts the sealed payload for an authorized export.
func (l *Ledger) OpenPayload(ctx context.Context, evidenceID string) (Payload, error) {
	rec, err := l.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return Payload{}, err
	}
	plain, err := l.openPayload(rec)
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func (l *Ledger) openPayload(rec EvidenceRecord) ([]byte, error) {
	key, _, err := caseKey(l.cfg.MasterKey, rec.CaseNumber, rec.EvidenceID)
	if err != nil {
		return nil, err
	}
	return decryptPayload(key, rec.Sealed)
}

func (l *Ledger) chainStatus(ctx context.Context, evidenceID string) (EvidenceStatus, error) {
	events, err := l.store.ListChain(ctx, evidenceID)
	if err != nil {
		return "", err
	}
	status := StatusCollected
	for _, ev := range events {
		if next := statusFor(ev.Action); next != "" && statusRank[next] > statusRank[status] {
			status = next
		}
	}
	return status, nil
}
