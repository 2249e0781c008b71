package propagation

import (
	"sort"
	"time"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/vector"
)

// ModificationType classifies how a child post differs from its parent.
type ModificationType string

const (
	ModExact      ModificationType = "exact"
	ModParaphrase ModificationType = "paraphrase"
	ModTranslate  ModificationType = "translation"
	ModMediaOnly  ModificationType = "media_only"
)

// Edge links a probable repost to its source. Edges are derived state: the
// whole edge set for a cluster is replaced on every rebuild, never patched.
type Edge struct {
	ParentID   string           `json:"parent_post_id"`
	ChildID    string           `json:"child_post_id"`
	Similarity float64          `json:"similarity_score"`
	Type       ModificationType `json:"modification_type"`
	TimeDelta  time.Duration    `json:"time_delta"`
}

// Graph is the propagation DAG for one cluster generation. Parents strictly
// precede children in time, so cycles cannot occur.
type Graph struct {
	ClusterID  int64          `json:"cluster_id"`
	Generation uint64         `json:"generation"`
	Nodes      []cluster.Post `json:"nodes"`
	Edges      []Edge         `json:"edges"`
	Origins    []string       `json:"origins"`
}

// Config tunes parent selection. ParentEpsilon is a cosine distance and may
// be looser than the clustering epsilon.
type Config struct {
	ParentEpsilon float64
	ExactSim      float64
	ParaphraseSim float64
}

// Rebuild reconstructs the propagation DAG from a cluster snapshot. It is a
// pure function of the member set: rerunning it on an unchanged snapshot
// yields an identical graph.
func Rebuild(snap cluster.Snapshot, cfg Config) Graph {
	nodes := make([]cluster.Post, len(snap.Members))
	copy(nodes, snap.Members)
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.PostID < b.PostID
	})

	g := Graph{ClusterID: snap.ID, Generation: snap.Generation, Nodes: nodes}
	if len(nodes) == 0 {
		return g
	}

	g.Origins = append(g.Origins, nodes[0].PostID)
	for i := 1; i < len(nodes); i++ {
		child := nodes[i]

		bestIdx := -1
		bestDist := 0.0
		for j := 0; j < i; j++ {
			if !nodes[j].Timestamp.Before(child.Timestamp) {
				continue
			}
			d := vector.Distance(nodes[j].Embedding, child.Embedding)
			if d > cfg.ParentEpsilon {
				continue
			}
			if bestIdx < 0 || d < bestDist {
				bestIdx, bestDist = j, d
			}
		}
		if bestIdx >= 0 {
			parent := nodes[bestIdx]
			sim := 1 - bestDist
			g.Edges = append(g.Edges, Edge{
				ParentID:   parent.PostID,
				ChildID:    child.PostID,
				Similarity: sim,
				Type:       classify(parent, child, sim, cfg),
				TimeDelta:  child.Timestamp.Sub(parent.Timestamp),
			})
			continue
		}

		// Low text similarity can still be a repost when the attached media
		// matches an earlier post exactly.
		if mIdx := mediaMatch(nodes, i); mIdx >= 0 {
			parent := nodes[mIdx]
			g.Edges = append(g.Edges, Edge{
				ParentID:   parent.PostID,
				ChildID:    child.PostID,
				Similarity: 1 - vector.Distance(parent.Embedding, child.Embedding),
				Type:       ModMediaOnly,
				TimeDelta:  child.Timestamp.Sub(parent.Timestamp),
			})
			continue
		}

		// Independent or convergent emergence, not an error.
		g.Origins = append(g.Origins, child.PostID)
	}
	return g
}

func classify(parent, child cluster.Post, sim float64, cfg Config) ModificationType {
	if sim >= cfg.ExactSim {
		return ModExact
	}
	if parent.Language != "" && child.Language != "" && parent.Language != child.Language {
		return ModTranslate
	}
	if sim >= cfg.ParaphraseSim {
		return ModParaphrase
	}
	if parent.MediaHash != "" && parent.MediaHash == child.MediaHash {
		return ModMediaOnly
	}
	return ModParaphrase
}

// mediaMatch finds the earliest strictly-earlier post whose media hash equals
// the child's, or -1.
func mediaMatch(nodes []cluster.Post, childIdx int) int {
	child := nodes[childIdx]
	if child.MediaHash == "" {
		return -1
	}
	for j := 0; j < childIdx; j++ {
		if !nodes[j].Timestamp.Before(child.Timestamp) {
			continue
		}
		if nodes[j].MediaHash == child.MediaHash {
			return j
		}
	}
	return -1
}

// IsAcyclic exhaustively checks the derived graph for cycles. Construction
// forbids them; this exists for verification and tests.
func (g Graph) IsAcyclic() bool {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.ParentID] = append(adj[e.ParentID], e.ChildID)
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(g.Nodes))
	var visit func(string) bool
	visit = func(n string) bool {
		state[n] = gray
		for _, next := range adj[n] {
			switch state[next] {
			case gray:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		state[n] = black
		return true
	}
	for _, n := range g.Nodes {
		if state[n.PostID] == white {
			if !visit(n.PostID) {
				return false
			}
		}
	}
	return true
}
