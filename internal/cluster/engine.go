package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insideout-labs/viraltrace/internal/vector"
)

// ErrEmbeddingUnavailable signals that a post arrived without its embedding.
// The caller retries with backoff; the post is neither dropped nor clustered
// until the embedding resolves.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// ErrEngineClosed is returned once Close has been called.
var ErrEngineClosed = errors.New("cluster engine closed")

// Config tunes the clustering engine. Epsilon is a cosine distance.
type Config struct {
	Epsilon        float64
	MinPts         int
	LatenessWindow time.Duration
	Buckets        int
	LSHPlanes      int
	EmbeddingDim   int
	LSHSeed        int64
}

type clusterState struct {
	id       int64
	members  []Post
	hashes   map[string]struct{}
	centroid []float32
	first    time.Time
	last     time.Time
	status   Status
	priority Priority
	gen      uint64
	score    float64
}

type heldPost struct {
	post Post
}

// bucketState is owned by one bucket. Its lock guards the pending set, the
// bucket's cluster list and every clusterState on that list, so different
// buckets assign fully in parallel. Lock order: a bucket lock may be held
// while taking the registry lock, never the reverse.
type bucketState struct {
	mu       sync.Mutex
	clusters []*clusterState // creation order, ids ascending
	pending  []heldPost
}

// Engine assigns posts to viral clusters. Posts are routed to bucket workers
// by a locality-sensitive hash of the embedding; each bucket processes its
// posts strictly sequentially, so identical arrival history always yields the
// identical partition.
type Engine struct {
	cfg    Config
	logger *log.Logger
	lsh    *vector.LSH

	workers []chan func()
	wg      sync.WaitGroup
	closed  atomic.Bool

	buckets []*bucketState

	// mu guards the cross-bucket registry only.
	mu        sync.RWMutex
	clusters  map[int64]*clusterState
	hashOwner map[string]int64
	bucketOf  map[int64]int
	nextID    int64

	seq uint64
}

// NewEngine starts one worker goroutine per bucket.
func NewEngine(cfg Config, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CLUSTER] ", log.LstdFlags)
	}
	if cfg.MinPts < 1 {
		return nil, fmt.Errorf("min_pts must be >= 1")
	}
	lsh, err := vector.NewLSH(cfg.EmbeddingDim, cfg.LSHPlanes, cfg.Buckets, cfg.LSHSeed)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		lsh:       lsh,
		workers:   make([]chan func(), cfg.Buckets),
		buckets:   make([]*bucketState, cfg.Buckets),
		clusters:  make(map[int64]*clusterState),
		hashOwner: make(map[string]int64),
		bucketOf:  make(map[int64]int),
		nextID:    1,
	}
	for i := range e.workers {
		e.buckets[i] = &bucketState{}
		ch := make(chan func(), 64)
		e.workers[i] = ch
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for fn := range ch {
				fn()
			}
		}()
	}
	return e, nil
}

// Close drains the bucket workers. In-flight assignments complete; later
// calls fail with ErrEngineClosed.
func (e *Engine) Close() {
	if e.closed.CompareAndSwap(false, true) {
		for _, ch := range e.workers {
			close(ch)
		}
		e.wg.Wait()
	}
}

// Assign routes the post to its bucket worker and blocks until that worker
// has processed it.
func (e *Engine) Assign(ctx context.Context, p Post) (Assignment, error) {
	if e.closed.Load() {
		return Assignment{}, ErrEngineClosed
	}
	if len(p.Embedding) == 0 {
		return Assignment{}, ErrEmbeddingUnavailable
	}
	if len(p.Embedding) != e.cfg.EmbeddingDim {
		return Assignment{}, fmt.Errorf("embedding dimension %d, want %d", len(p.Embedding), e.cfg.EmbeddingDim)
	}
	p.Seq = atomic.AddUint64(&e.seq, 1)

	bucket := e.routeBucket(p)
	type result struct {
		a   Assignment
		err error
	}
	done := make(chan result, 1)
	job := func() {
		a, err := e.assignBucket(bucket, p)
		done <- result{a, err}
	}
	select {
	case e.workers[bucket] <- job:
	case <-ctx.Done():
		return Assignment{}, ctx.Err()
	}
	select {
	case res := <-done:
		return res.a, res.err
	case <-ctx.Done():
		return Assignment{}, ctx.Err()
	}
}

// routeBucket prefers the bucket owning an exact content-hash match so that
// all mutations of a cluster happen on one worker.
func (e *Engine) routeBucket(p Post) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if owner, ok := e.hashOwner[p.ContentHash]; ok {
		if b, ok := e.bucketOf[owner]; ok {
			return b
		}
	}
	return e.lsh.Bucket(p.Embedding)
}

// assignBucket runs on the bucket worker goroutine.
func (e *Engine) assignBucket(bucket int, p Post) (Assignment, error) {
	// Exact duplicate: short-circuit to the owning cluster, unless the owner
	// has been resolved, in which case the post falls through to the normal
	// hold/found path like any other.
	e.mu.RLock()
	ownerID, dup := e.hashOwner[p.ContentHash]
	owner := e.clusters[ownerID]
	ownerBucket := e.bucketOf[ownerID]
	e.mu.RUnlock()
	if dup {
		obs := e.buckets[ownerBucket]
		obs.mu.Lock()
		if owner.status != StatusResolved {
			e.join(owner, p)
			id := owner.id
			obs.mu.Unlock()
			return Assignment{PostID: p.PostID, ClusterID: id, Similarity: 1}, nil
		}
		obs.mu.Unlock()
	}

	bs := e.buckets[bucket]
	bs.mu.Lock()
	defer bs.mu.Unlock()

	// Nearest active centroid within epsilon and the lateness window. The
	// bucket list is in ascending id order and ties only replace on strictly
	// smaller distance, so equal distances resolve to the smaller cluster id.
	var best *clusterState
	bestDist := 0.0
	for _, c := range bs.clusters {
		if c.status == StatusResolved {
			continue
		}
		if p.Timestamp.Sub(c.last) > e.cfg.LatenessWindow {
			continue
		}
		d := vector.Distance(c.centroid, p.Embedding)
		if d > e.cfg.Epsilon {
			continue
		}
		if best == nil || d < bestDist {
			best = c
			bestDist = d
		}
	}
	if best != nil {
		e.join(best, p)
		return Assignment{PostID: p.PostID, ClusterID: best.id, Similarity: 1 - bestDist}, nil
	}

	// Dense neighborhood among held posts founds a new cluster.
	var founders []int
	for i, h := range bs.pending {
		if vector.Distance(h.post.Embedding, p.Embedding) <= e.cfg.Epsilon {
			founders = append(founders, i)
		}
	}
	if len(founders)+1 >= e.cfg.MinPts {
		members := make([]Post, 0, len(founders)+1)
		for _, i := range founders {
			members = append(members, bs.pending[i].post)
		}
		members = append(members, p)
		removeHeld(bs, founders)
		c := e.newCluster(bs, bucket, members...)
		e.logger.Printf("cluster %d founded with %d members", c.id, len(members))
		return Assignment{PostID: p.PostID, ClusterID: c.id, Similarity: 1, IsNew: true}, nil
	}

	// Hold until the lateness window expires or neighbors arrive.
	bs.pending = append(bs.pending, heldPost{post: p})
	return Assignment{PostID: p.PostID, Held: true}, nil
}

// FlushExpired promotes held posts whose lateness window has passed into
// singleton clusters. Expired holds are collected from every bucket first and
// promoted sequentially in ingestion order, so a replayed history assigns the
// same cluster ids. A late arrival landing here is policy, not an error.
func (e *Engine) FlushExpired(now time.Time) []Assignment {
	if e.closed.Load() {
		return nil
	}
	type expiredHold struct {
		post   Post
		bucket int
	}
	var expired []expiredHold
	for b, bs := range e.buckets {
		bs.mu.Lock()
		var keep []heldPost
		for _, h := range bs.pending {
			if now.Sub(h.post.Timestamp) > e.cfg.LatenessWindow {
				expired = append(expired, expiredHold{post: h.post, bucket: b})
				continue
			}
			keep = append(keep, h)
		}
		bs.pending = keep
		bs.mu.Unlock()
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].post.Seq < expired[j].post.Seq })

	out := make([]Assignment, 0, len(expired))
	for _, h := range expired {
		bs := e.buckets[h.bucket]
		bs.mu.Lock()
		c := e.newCluster(bs, h.bucket, h.post)
		bs.mu.Unlock()
		e.logger.Printf("late arrival %s promoted to singleton cluster %d", h.post.PostID, c.id)
		out = append(out, Assignment{PostID: h.post.PostID, ClusterID: c.id, Similarity: 1, IsNew: true})
	}
	return out
}

// Snapshot returns an immutable copy of the cluster at its current generation.
func (e *Engine) Snapshot(id int64) (Snapshot, bool) {
	c, bs, ok := e.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return c.snapshot(), true
}

// Partition returns cluster id -> member post ids, for replay comparison.
func (e *Engine) Partition() map[int64][]string {
	out := make(map[int64][]string)
	for _, bs := range e.buckets {
		bs.mu.Lock()
		for _, c := range bs.clusters {
			ids := make([]string, len(c.members))
			for i, m := range c.members {
				ids[i] = m.PostID
			}
			out[c.id] = ids
		}
		bs.mu.Unlock()
	}
	return out
}

// ApplyAnalysis records the analyzer's verdict for a generation. Stale
// generations are ignored so a newer membership never inherits an old score.
func (e *Engine) ApplyAnalysis(id int64, generation uint64, viralScore float64) bool {
	c, bs, ok := e.lookup(id)
	if !ok {
		return false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if c.gen != generation {
		return false
	}
	c.score = viralScore
	if len(c.members) >= 2 {
		c.status = StatusActive
	}
	c.priority = PriorityFor(viralScore)
	return true
}

// Resolve marks a cluster closed; resolved clusters stop accepting members.
func (e *Engine) Resolve(id int64) bool {
	c, bs, ok := e.lookup(id)
	if !ok {
		return false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	c.status = StatusResolved
	c.gen++
	return true
}

// lookup resolves a cluster and its owning bucket from the registry. Callers
// take the bucket lock before touching the cluster state.
func (e *Engine) lookup(id int64) (*clusterState, *bucketState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clusters[id]
	if !ok {
		return nil, nil, false
	}
	return c, e.buckets[e.bucketOf[id]], true
}

// newCluster allocates the next id under the registry lock and joins the
// members under the caller-held bucket lock.
func (e *Engine) newCluster(bs *bucketState, bucket int, members ...Post) *clusterState {
	c := &clusterState{
		hashes:   make(map[string]struct{}),
		status:   StatusMonitored,
		priority: PriorityLow,
	}
	e.mu.Lock()
	c.id = e.nextID
	e.nextID++
	e.clusters[c.id] = c
	e.bucketOf[c.id] = bucket
	e.mu.Unlock()
	bs.clusters = append(bs.clusters, c)
	for _, m := range members {
		e.join(c, m)
	}
	return c
}

// join mutates the cluster under its bucket lock, held by the caller.
func (e *Engine) join(c *clusterState, p Post) {
	c.centroid = vector.Mean(c.centroid, len(c.members), p.Embedding)
	c.members = append(c.members, p)
	c.hashes[p.ContentHash] = struct{}{}
	if c.first.IsZero() || p.Timestamp.Before(c.first) {
		c.first = p.Timestamp
	}
	if p.Timestamp.After(c.last) {
		c.last = p.Timestamp
	}
	c.gen++
	e.mu.Lock()
	e.hashOwner[p.ContentHash] = c.id
	e.mu.Unlock()
}

func removeHeld(bs *bucketState, indexes []int) {
	drop := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		drop[i] = struct{}{}
	}
	var keep []heldPost
	for i, h := range bs.pending {
		if _, ok := drop[i]; !ok {
			keep = append(keep, h)
		}
	}
	bs.pending = keep
}

func (c *clusterState) snapshot() Snapshot {
	members := make([]Post, len(c.members))
	copy(members, c.members)
	centroid := make([]float32, len(c.centroid))
	copy(centroid, c.centroid)
	return Snapshot{
		ID:            c.id,
		Generation:    c.gen,
		Members:       members,
		Centroid:      centroid,
		ViralScore:    c.score,
		FirstActivity: c.first,
		LastActivity:  c.last,
		Status:        c.status,
		Priority:      c.priority,
	}
}

// PriorityFor maps a viral score to an investigative priority band.
func PriorityFor(score float64) Priority {
	switch {
	case score >= 7.5:
		return PriorityCritical
	case score >= 5:
		return PriorityHigh
	case score >= 2.5:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
