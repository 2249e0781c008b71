package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/ledger"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { db.Close() }
}

func TestInsertPost(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	p := cluster.Post{
		Platform:    "twitter",
		PostID:      "p1",
		AuthorID:    "a1",
		ContentHash: "h1",
		Embedding:   []float32{1, 0},
		Language:    "en",
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		Engagement:  42,
		Hashtags:    []string{"breaking"},
		Seq:         7,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO posts")).
		WithArgs(p.Platform, p.PostID, p.AuthorID, "", p.ContentHash, sqlmock.AnyArg(),
			p.Language, 0.0, p.Timestamp, "", p.Engagement, "",
			pq.Array(p.Hashtags), pq.Array(p.Mentions), sqlmock.AnyArg(), int64(7), int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := st.InsertPost(context.Background(), p, 3); err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertClusterSnapshotStaleGeneration(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	snap := cluster.Snapshot{
		ID:            3,
		Generation:    5,
		Members:       []cluster.Post{{PostID: "p1"}},
		Centroid:      []float32{1, 0},
		FirstActivity: time.Unix(1700000000, 0).UTC(),
		LastActivity:  time.Unix(1700003600, 0).UTC(),
		Status:        cluster.StatusActive,
		Priority:      cluster.PriorityHigh,
	}

	// The stale-generation guard makes the statement affect zero rows; that
	// is not an error, just a lost race against a newer snapshot.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO clusters")).
		WithArgs(snap.ID, int64(5), sqlmock.AnyArg(), sqlmock.AnyArg(), 0.0,
			snap.FirstActivity, snap.LastActivity, "active", "high").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.UpsertClusterSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("UpsertClusterSnapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceEdgesTransactional(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	edges := []propagation.Edge{
		{ParentID: "p1", ChildID: "p2", Similarity: 0.99, Type: propagation.ModExact, TimeDelta: time.Minute},
		{ParentID: "p2", ChildID: "p3", Similarity: 0.9, Type: propagation.ModParaphrase, TimeDelta: time.Hour},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM propagation_edges WHERE cluster_id=$1")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	for _, e := range edges {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO propagation_edges")).
			WithArgs(int64(3), int64(5), e.ParentID, e.ChildID, e.Similarity, string(e.Type), e.TimeDelta.Nanoseconds()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	if err := st.ReplaceEdges(context.Background(), 3, 5, edges); err != nil {
		t.Fatalf("ReplaceEdges: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceEdgesRollsBackOnInsertFailure(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM propagation_edges")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO propagation_edges")).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := st.ReplaceEdges(context.Background(), 3, 5, []propagation.Edge{{ParentID: "p1", ChildID: "p2"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertNetworkSummaryDedup(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	sum := network.Summary{ClusterID: 3, Generation: 5, Nodes: 4, Edges: 3, Density: 0.25, WeaklyConnected: true}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO network_summaries")).
		WithArgs(sum.ClusterID, int64(5), sum.Nodes, sum.Edges, sum.Density, true, 0.0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), 0.0, false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.InsertNetworkSummary(context.Background(), sum); err != nil {
		t.Fatalf("InsertNetworkSummary: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEvidenceWritesRecordAndGenesisAtomically(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	rec := ledger.EvidenceRecord{
		EvidenceID:  "ev-1",
		ClusterID:   3,
		Generation:  5,
		Sealed:      []byte{1, 2, 3},
		KeyID:       "k-abc",
		ContentHash: "hash",
		CaseNumber:  "CASE-9",
		WarrantID:   "w-1",
		OfficerID:   "off-1",
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
	genesis := ledger.CustodyEvent{
		RecordID:   "r-1",
		EvidenceID: "ev-1",
		Seq:        1,
		Actor:      "off-1",
		Action:     ledger.ActionCollected,
		Timestamp:  rec.CreatedAt,
		PrevHash:   ledger.GenesisHash(),
		RecordHash: "rh",
		Signature:  []byte{9},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence_records")).
		WithArgs(rec.EvidenceID, rec.ClusterID, int64(5), rec.Sealed, rec.KeyID,
			rec.ContentHash, rec.CaseNumber, rec.WarrantID, rec.OfficerID, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO custody_events")).
		WithArgs(genesis.RecordID, genesis.EvidenceID, genesis.Seq, genesis.Actor, "collected",
			genesis.Timestamp, genesis.PayloadRefHash, genesis.PrevHash, genesis.RecordHash, genesis.Signature).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := st.InsertEvidence(context.Background(), rec, genesis); err != nil {
		t.Fatalf("InsertEvidence: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendEventMapsUniqueViolation(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO custody_events")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := st.AppendEvent(context.Background(), ledger.CustodyEvent{EvidenceID: "ev-1", Seq: 2})
	if !errors.Is(err, ledger.ErrConcurrentAppend) {
		t.Fatalf("expected ErrConcurrentAppend, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetEvidenceNotFound(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("FROM evidence_records WHERE evidence_id=$1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := st.GetEvidence(context.Background(), "missing"); !errors.Is(err, ledger.ErrEvidenceNotFound) {
		t.Fatalf("expected ErrEvidenceNotFound, got %v", err)
	}
}

func TestChainTailNotFound(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("FROM custody_events WHERE evidence_id=$1 ORDER BY seq DESC LIMIT 1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := st.ChainTail(context.Background(), "missing"); !errors.Is(err, ledger.ErrEvidenceNotFound) {
		t.Fatalf("expected ErrEvidenceNotFound, got %v", err)
	}
}

func TestListChainScansEvents(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	ts := time.Unix(1700000000, 0).UTC()
	cols := []string{"record_id", "evidence_id", "seq", "actor", "action_type", "event_at", "payload_ref_hash", "prev_hash", "record_hash", "signature"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM custody_events WHERE evidence_id=$1 ORDER BY seq")).
		WithArgs("ev-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r-1", "ev-1", 1, "off-1", "collected", ts, "ph", ledger.GenesisHash(), "rh1", []byte{1}).
			AddRow("r-2", "ev-1", 2, "off-2", "accessed", ts.Add(time.Hour), "", "rh1", "rh2", []byte{2}))

	events, err := st.ListChain(context.Background(), "ev-1")
	if err != nil {
		t.Fatalf("ListChain: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != ledger.ActionCollected || events[1].Action != ledger.ActionAccessed {
		t.Fatalf("unexpected actions: %s %s", events[0].Action, events[1].Action)
	}
	if events[1].PrevHash != events[0].RecordHash {
		t.Fatalf("chain link mismatch")
	}
}

func TestListChainEmptyIsNotFound(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	cols := []string{"record_id", "evidence_id", "seq", "actor", "action_type", "event_at", "payload_ref_hash", "prev_hash", "record_hash", "signature"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM custody_events")).
		WithArgs("ev-x").
		WillReturnRows(sqlmock.NewRows(cols))

	if _, err := st.ListChain(context.Background(), "ev-x"); !errors.Is(err, ledger.ErrEvidenceNotFound) {
		t.Fatalf("expected ErrEvidenceNotFound, got %v", err)
	}
}
