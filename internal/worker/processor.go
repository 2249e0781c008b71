// Package worker consumes cluster-update events and runs the derived
// analyses: propagation rebuild, network metrics and viral scoring. All of
// its outputs are recomputable, so at-least-once delivery is safe.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/collab"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
	"github.com/insideout-labs/viraltrace/internal/queue/streams"
)

// Engine captures the cluster-engine methods required by the worker.
type Engine interface {
	Snapshot(id int64) (cluster.Snapshot, bool)
	ApplyAnalysis(id int64, generation uint64, viralScore float64) bool
}

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	UpsertClusterSnapshot(ctx context.Context, snap cluster.Snapshot) error
	ReplaceEdges(ctx context.Context, clusterID int64, generation uint64, edges []propagation.Edge) error
	InsertNetworkSummary(ctx context.Context, sum network.Summary) error
}

// Processor drives cluster analysis by consuming cluster.updated events.
type Processor struct {
	logger    *log.Logger
	engine    Engine
	store     StoreAPI
	consumer  *streams.Consumer
	influence collab.InfluenceProvider
	propCfg   propagation.Config
	netCfg    network.Config
	debounce  time.Duration

	tracer         trace.Tracer
	clusterCounter otelmetric.Int64Counter
	staleCounter   otelmetric.Int64Counter

	// lastDone tracks the highest generation analyzed per cluster so
	// redelivered or superseded events are dropped cheaply.
	lastDone map[int64]uint64
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, engine Engine, st StoreAPI, cons *streams.Consumer, influence collab.InfluenceProvider, propCfg propagation.Config, netCfg network.Config, debounce time.Duration, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	proc := &Processor{
		logger:    logger,
		engine:    engine,
		store:     st,
		consumer:  cons,
		influence: influence,
		propCfg:   propCfg,
		netCfg:    netCfg,
		debounce:  debounce,
		tracer:    tracer,
		lastDone:  make(map[int64]uint64),
	}
	if meter != nil {
		var err error
		proc.clusterCounter, err = meter.Int64Counter("worker_clusters_analyzed")
		if err != nil {
			logger.Printf("warn: create cluster counter failed: %v", err)
		}
		proc.staleCounter, err = meter.Int64Counter("worker_stale_updates_dropped")
		if err != nil {
			logger.Printf("warn: create stale counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, continuously processing cluster.updated events until the
// context is cancelled. Reads are batched and coalesced so a burst of
// updates to one cluster triggers a single rebuild.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("analysis worker starting; consuming stream %s", streams.StreamClusterUpdated)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("analysis worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		block := p.debounce
		if block <= 0 {
			block = 5 * time.Second
		}
		msgs, err := p.consumer.Read(ctx, streams.StreamClusterUpdated, streams.WithBlock(block), streams.WithCount(64))
		if err != nil {
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		var ids []string
		for _, msg := range msgs {
			ids = append(ids, msg.ID)
		}
		for id, gen := range coalesce(msgs) {
			p.processCluster(ctx, id, gen)
		}
		if err := p.consumer.Ack(ctx, streams.StreamClusterUpdated, ids...); err != nil {
			p.logger.Printf("warn: failed to ack batch: %v", err)
		}
	}
}

// coalesce keeps the highest generation per cluster in one batch.
func coalesce(msgs []streams.Message) map[int64]uint64 {
	out := make(map[int64]uint64, len(msgs))
	for _, msg := range msgs {
		var upd streams.ClusterUpdated
		if err := json.Unmarshal(msg.Envelope.Data, &upd); err != nil {
			continue
		}
		if upd.ClusterID == 0 {
			continue
		}
		if gen, ok := out[upd.ClusterID]; !ok || upd.Generation > gen {
			out[upd.ClusterID] = upd.Generation
		}
	}
	return out
}

// processCluster rebuilds the propagation graph for one cluster, computes
// network metrics, feeds the score back to the engine and persists the
// derived state.
func (p *Processor) processCluster(ctx context.Context, clusterID int64, generation uint64) {
	ctx, span := p.tracer.Start(ctx, "worker.analyze_cluster")
	defer span.End()

	if done, ok := p.lastDone[clusterID]; ok && generation <= done {
		if p.staleCounter != nil {
			p.staleCounter.Add(ctx, 1)
		}
		return
	}

	snap, ok := p.engine.Snapshot(clusterID)
	if !ok {
		p.logger.Printf("skip cluster %d: no live snapshot", clusterID)
		return
	}

	graph := propagation.Rebuild(snap, p.propCfg)
	sum := network.Analyze(graph, p.influenceFunc(ctx), p.netCfg)

	if !sum.Skipped {
		p.engine.ApplyAnalysis(clusterID, snap.Generation, sum.ViralScore)
		// Re-snapshot so the persisted row carries the applied score,
		// status and priority.
		if scored, ok := p.engine.Snapshot(clusterID); ok && scored.Generation == snap.Generation {
			snap = scored
		}
	}

	if err := p.store.UpsertClusterSnapshot(ctx, snap); err != nil {
		p.logger.Printf("error persisting cluster %d: %v", clusterID, err)
		return
	}
	if err := p.store.ReplaceEdges(ctx, snap.ID, snap.Generation, graph.Edges); err != nil {
		p.logger.Printf("error persisting edges for cluster %d: %v", clusterID, err)
		return
	}
	if err := p.store.InsertNetworkSummary(ctx, sum); err != nil {
		p.logger.Printf("error persisting summary for cluster %d gen %d: %v", clusterID, snap.Generation, err)
		return
	}

	p.lastDone[clusterID] = snap.Generation
	if p.clusterCounter != nil {
		p.clusterCounter.Add(ctx, 1)
	}
	p.logger.Printf("cluster %d gen %d analyzed: %d nodes, %d edges, score %.2f", clusterID, snap.Generation, sum.Nodes, sum.Edges, sum.ViralScore)
}

// influenceFunc adapts the collaborator to the analyzer's callback with a
// per-call cache. Lookup failures degrade to a zero score.
func (p *Processor) influenceFunc(ctx context.Context) network.InfluenceFunc {
	if p.influence == nil {
		return nil
	}
	cache := make(map[string]float64)
	return func(authorID string) float64 {
		if score, ok := cache[authorID]; ok {
			return score
		}
		score, err := p.influence.InfluenceScore(ctx, authorID)
		if err != nil {
			p.logger.Printf("warn: influence lookup for %s failed: %v", authorID, err)
			score = 0
		}
		cache[authorID] = score
		return score
	}
}
