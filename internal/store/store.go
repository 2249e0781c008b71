// Package store is the Postgres persistence layer: ingested posts, cluster
// snapshots, derived propagation edges and network summaries, plus the
// append-only evidence tables backing the custody ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/ledger"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
)

// Store wraps a Postgres handle. Schema is managed by migrations, not here.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// CreateUser registers an investigator account.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

// GetUserByEmail returns the account id and password hash for login checks.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// InsertPost persists one ingested post together with its cluster
// assignment. Post rows are immutable; re-ingesting the same (platform,
// post_id) is a no-op.
func (s *Store) InsertPost(ctx context.Context, p cluster.Post, clusterID int64) error {
	embedding, err := json.Marshal(p.Embedding)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO posts (platform, post_id, author_id, author_handle, content_hash, embedding, language, sentiment, posted_at, parent_post_id, engagement, media_hash, hashtags, mentions, metadata, seq, cluster_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (platform, post_id) DO NOTHING`,
		p.Platform, p.PostID, p.AuthorID, p.AuthorHandle, p.ContentHash, embedding,
		p.Language, p.Sentiment, p.Timestamp.UTC(), p.ParentPostID, p.Engagement,
		p.MediaHash, pq.Array(p.Hashtags), pq.Array(p.Mentions), metadata, int64(p.Seq), clusterID)
	if err != nil {
		return fmt.Errorf("insert post %s/%s: %w", p.Platform, p.PostID, err)
	}
	return nil
}

// UpsertClusterSnapshot stores the latest snapshot of a cluster. Stale
// generations lose: the row only moves forward.
func (s *Store) UpsertClusterSnapshot(ctx context.Context, snap cluster.Snapshot) error {
	members, err := json.Marshal(snap.Members)
	if err != nil {
		return err
	}
	centroid, err := json.Marshal(snap.Centroid)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO clusters (id, generation, members, centroid, viral_score, first_activity, last_activity, status, priority)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  generation=EXCLUDED.generation, members=EXCLUDED.members, centroid=EXCLUDED.centroid,
  viral_score=EXCLUDED.viral_score, first_activity=EXCLUDED.first_activity,
  last_activity=EXCLUDED.last_activity, status=EXCLUDED.status, priority=EXCLUDED.priority
WHERE clusters.generation < EXCLUDED.generation`,
		snap.ID, int64(snap.Generation), members, centroid, snap.ViralScore,
		snap.FirstActivity.UTC(), snap.LastActivity.UTC(), string(snap.Status), string(snap.Priority))
	if err != nil {
		return fmt.Errorf("upsert cluster %d: %w", snap.ID, err)
	}
	return nil
}

// GetClusterSnapshot loads the persisted snapshot of one cluster.
func (s *Store) GetClusterSnapshot(ctx context.Context, clusterID int64) (cluster.Snapshot, bool, error) {
	var (
		snap       cluster.Snapshot
		generation int64
		members    []byte
		centroid   []byte
		status     string
		priority   string
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, generation, members, centroid, viral_score, first_activity, last_activity, status, priority
FROM clusters WHERE id=$1`, clusterID).Scan(
		&snap.ID, &generation, &members, &centroid, &snap.ViralScore,
		&snap.FirstActivity, &snap.LastActivity, &status, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return cluster.Snapshot{}, false, nil
	}
	if err != nil {
		return cluster.Snapshot{}, false, err
	}
	snap.Generation = uint64(generation)
	snap.Status = cluster.Status(status)
	snap.Priority = cluster.Priority(priority)
	if err := json.Unmarshal(members, &snap.Members); err != nil {
		return cluster.Snapshot{}, false, fmt.Errorf("decode members for cluster %d: %w", clusterID, err)
	}
	if err := json.Unmarshal(centroid, &snap.Centroid); err != nil {
		return cluster.Snapshot{}, false, fmt.Errorf("decode centroid for cluster %d: %w", clusterID, err)
	}
	return snap, true, nil
}

// ReplaceEdges swaps the whole derived edge set for a cluster in one
// transaction. Edges are never patched in place.
func (s *Store) ReplaceEdges(ctx context.Context, clusterID int64, generation uint64, edges []propagation.Edge) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM propagation_edges WHERE cluster_id=$1`, clusterID); err != nil {
		return fmt.Errorf("clear edges for cluster %d: %w", clusterID, err)
	}
	for _, e := range edges {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO propagation_edges (cluster_id, generation, parent_post_id, child_post_id, similarity, modification_type, time_delta_ns)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			clusterID, int64(generation), e.ParentID, e.ChildID, e.Similarity, string(e.Type), e.TimeDelta.Nanoseconds()); err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.ParentID, e.ChildID, err)
		}
	}
	return tx.Commit()
}

// ListEdges returns the current edge set for a cluster in insertion order.
func (s *Store) ListEdges(ctx context.Context, clusterID int64) ([]propagation.Edge, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT parent_post_id, child_post_id, similarity, modification_type, time_delta_ns
FROM propagation_edges WHERE cluster_id=$1 ORDER BY id`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []propagation.Edge
	for rows.Next() {
		var (
			e     propagation.Edge
			typ   string
			delta int64
		)
		if err := rows.Scan(&e.ParentID, &e.ChildID, &e.Similarity, &typ, &delta); err != nil {
			return nil, err
		}
		e.Type = propagation.ModificationType(typ)
		e.TimeDelta = time.Duration(delta)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertNetworkSummary stores one per-generation summary. Summaries are
// immutable: re-inserting an existing (cluster_id, generation) is a no-op.
func (s *Store) InsertNetworkSummary(ctx context.Context, sum network.Summary) error {
	reach, err := json.Marshal(sum.Reach)
	if err != nil {
		return err
	}
	origins, err := json.Marshal(sum.OriginCandidates)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO network_summaries (cluster_id, generation, node_count, edge_count, density, weakly_connected, avg_clustering, reach, origin_candidates, viral_score, skipped)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (cluster_id, generation) DO NOTHING`,
		sum.ClusterID, int64(sum.Generation), sum.Nodes, sum.Edges, sum.Density,
		sum.WeaklyConnected, sum.AvgClustering, reach, origins, sum.ViralScore, sum.Skipped)
	if err != nil {
		return fmt.Errorf("insert summary for cluster %d gen %d: %w", sum.ClusterID, sum.Generation, err)
	}
	return nil
}

// LatestNetworkSummary returns the newest summary for a cluster.
func (s *Store) LatestNetworkSummary(ctx context.Context, clusterID int64) (network.Summary, bool, error) {
	var (
		sum        network.Summary
		generation int64
		reach      []byte
		origins    []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT cluster_id, generation, node_count, edge_count, density, weakly_connected, avg_clustering, reach, origin_candidates, viral_score, skipped
FROM network_summaries WHERE cluster_id=$1 ORDER BY generation DESC LIMIT 1`, clusterID).Scan(
		&sum.ClusterID, &generation, &sum.Nodes, &sum.Edges, &sum.Density,
		&sum.WeaklyConnected, &sum.AvgClustering, &reach, &origins, &sum.ViralScore, &sum.Skipped)
	if errors.Is(err, sql.ErrNoRows) {
		return network.Summary{}, false, nil
	}
	if err != nil {
		return network.Summary{}, false, err
	}
	sum.Generation = uint64(generation)
	if err := json.Unmarshal(reach, &sum.Reach); err != nil {
		return network.Summary{}, false, err
	}
	if err := json.Unmarshal(origins, &sum.OriginCandidates); err != nil {
		return network.Summary{}, false, err
	}
	return sum, true, nil
}

// --- ledger.Storage ---

const uniqueViolation = "23505"

// InsertEvidence writes the evidence record and its genesis custody event in
// one transaction so a record can never exist without a chain.
func (s *Store) InsertEvidence(ctx context.Context, rec ledger.EvidenceRecord, genesis ledger.CustodyEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO evidence_records (evidence_id, cluster_id, generation, sealed_payload, key_id, content_hash, case_number, warrant_id, officer_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.EvidenceID, rec.ClusterID, int64(rec.Generation), rec.Sealed, rec.KeyID,
		rec.ContentHash, rec.CaseNumber, rec.WarrantID, rec.OfficerID, rec.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert evidence %s: %w", rec.EvidenceID, err)
	}
	if err = insertEvent(ctx, tx, genesis); err != nil {
		return err
	}
	return tx.Commit()
}

// GetEvidence loads one evidence record.
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (ledger.EvidenceRecord, error) {
	var (
		rec        ledger.EvidenceRecord
		generation int64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT evidence_id, cluster_id, generation, sealed_payload, key_id, content_hash, case_number, warrant_id, officer_id, created_at
FROM evidence_records WHERE evidence_id=$1`, evidenceID).Scan(
		&rec.EvidenceID, &rec.ClusterID, &generation, &rec.Sealed, &rec.KeyID,
		&rec.ContentHash, &rec.CaseNumber, &rec.WarrantID, &rec.OfficerID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.EvidenceRecord{}, ledger.ErrEvidenceNotFound
	}
	if err != nil {
		return ledger.EvidenceRecord{}, err
	}
	rec.Generation = uint64(generation)
	return rec, nil
}

// ChainTail returns the highest-seq custody event for an evidence id.
func (s *Store) ChainTail(ctx context.Context, evidenceID string) (ledger.CustodyEvent, error) {
	ev, err := scanEvent(s.DB.QueryRowContext(ctx, `
SELECT record_id, evidence_id, seq, actor, action_type, event_at, payload_ref_hash, prev_hash, record_hash, signature
FROM custody_events WHERE evidence_id=$1 ORDER BY seq DESC LIMIT 1`, evidenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CustodyEvent{}, ledger.ErrEvidenceNotFound
	}
	return ev, err
}

// AppendEvent inserts one custody event. The UNIQUE (evidence_id, seq)
// constraint is the compare-and-swap: a writer that lost the race hits the
// constraint and gets ErrConcurrentAppend.
func (s *Store) AppendEvent(ctx context.Context, ev ledger.CustodyEvent) error {
	return insertEvent(ctx, s.DB, ev)
}

// ListChain returns the full custody chain ordered by seq.
func (s *Store) ListChain(ctx context.Context, evidenceID string) ([]ledger.CustodyEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT record_id, evidence_id, seq, actor, action_type, event_at, payload_ref_hash, prev_hash, record_hash, signature
FROM custody_events WHERE evidence_id=$1 ORDER BY seq`, evidenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.CustodyEvent
	for rows.Next() {
		var (
			ev     ledger.CustodyEvent
			action string
		)
		if err := rows.Scan(&ev.RecordID, &ev.EvidenceID, &ev.Seq, &ev.Actor, &action,
			&ev.Timestamp, &ev.PayloadRefHash, &ev.PrevHash, &ev.RecordHash, &ev.Signature); err != nil {
			return nil, err
		}
		ev.Action = ledger.ActionType(action)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ledger.ErrEvidenceNotFound
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev ledger.CustodyEvent) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO custody_events (record_id, evidence_id, seq, actor, action_type, event_at, payload_ref_hash, prev_hash, record_hash, signature)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ev.RecordID, ev.EvidenceID, ev.Seq, ev.Actor, string(ev.Action),
		ev.Timestamp.UTC(), ev.PayloadRefHash, ev.PrevHash, ev.RecordHash, ev.Signature)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ledger.ErrConcurrentAppend
		}
		return fmt.Errorf("append custody event %s/%d: %w", ev.EvidenceID, ev.Seq, err)
	}
	return nil
}

func scanEvent(row *sql.Row) (ledger.CustodyEvent, error) {
	var (
		ev     ledger.CustodyEvent
		action string
	)
	err := row.Scan(&ev.RecordID, &ev.EvidenceID, &ev.Seq, &ev.Actor, &action,
		&ev.Timestamp, &ev.PayloadRefHash, &ev.PrevHash, &ev.RecordHash, &ev.Signature)
	if err != nil {
		return ledger.CustodyEvent{}, err
	}
	ev.Action = ledger.ActionType(action)
	return ev, nil
}
