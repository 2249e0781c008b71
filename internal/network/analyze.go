package network

import (
	"math"
	"sort"
	"time"

	"github.com/insideout-labs/viraltrace/internal/propagation"
)

// Config tunes graph metrics and the viral score.
type Config struct {
	TrackedPlatforms int
	ScoreCap         float64
}

// OriginCandidate is a post with no qualifying earlier predecessor, ranked
// for investigative triage.
type OriginCandidate struct {
	PostID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	Timestamp time.Time `json:"timestamp"`
	Reach     int       `json:"descendant_reach"`
	Influence float64   `json:"author_influence"`
}

// Summary is the per-generation snapshot of graph metrics. It is a pure
// function of the input graph and immutable once computed.
type Summary struct {
	ClusterID        int64             `json:"cluster_id"`
	Generation       uint64            `json:"generation"`
	Nodes            int               `json:"node_count"`
	Edges            int               `json:"edge_count"`
	Density          float64           `json:"density"`
	WeaklyConnected  bool              `json:"weakly_connected"`
	AvgClustering    float64           `json:"avg_clustering"`
	Reach            map[string]int    `json:"descendant_reach"`
	OriginCandidates []OriginCandidate `json:"origin_candidates"`
	ViralScore       float64           `json:"viral_score"`
	// Skipped marks clusters with fewer than 2 posts; they stay monitored.
	Skipped bool `json:"skipped"`
}

// InfluenceFunc supplies the collaborator's author influence score; a nil
// function scores every author 0.
type InfluenceFunc func(authorID string) float64

// Analyze computes graph metrics, ranks origin candidates and scores
// virality. Idempotent for a fixed graph.
func Analyze(g propagation.Graph, influence InfluenceFunc, cfg Config) Summary {
	s := Summary{
		ClusterID:  g.ClusterID,
		Generation: g.Generation,
		Nodes:      len(g.Nodes),
		Edges:      len(g.Edges),
		Reach:      make(map[string]int, len(g.Nodes)),
	}
	if len(g.Nodes) < 2 {
		s.Skipped = true
		return s
	}
	if influence == nil {
		influence = func(string) float64 { return 0 }
	}

	n := float64(len(g.Nodes))
	s.Density = float64(len(g.Edges)) / (n * (n - 1))

	children := make(map[string][]string, len(g.Nodes))
	undirected := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		children[e.ParentID] = append(children[e.ParentID], e.ChildID)
		undirected[e.ParentID] = append(undirected[e.ParentID], e.ChildID)
		undirected[e.ChildID] = append(undirected[e.ChildID], e.ParentID)
	}

	s.WeaklyConnected = weaklyConnected(g, undirected)
	s.AvgClustering = avgClustering(g, undirected)

	for _, node := range g.Nodes {
		s.Reach[node.PostID] = descendants(node.PostID, children)
	}

	byID := make(map[string]int, len(g.Nodes))
	for i, node := range g.Nodes {
		byID[node.PostID] = i
	}
	for _, id := range g.Origins {
		node := g.Nodes[byID[id]]
		s.OriginCandidates = append(s.OriginCandidates, OriginCandidate{
			PostID:    id,
			AuthorID:  node.AuthorID,
			Timestamp: node.Timestamp,
			Reach:     s.Reach[id],
			Influence: influence(node.AuthorID),
		})
	}
	sort.SliceStable(s.OriginCandidates, func(i, j int) bool {
		a, b := s.OriginCandidates[i], s.OriginCandidates[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Reach != b.Reach {
			return a.Reach > b.Reach
		}
		if a.Influence != b.Influence {
			return a.Influence > b.Influence
		}
		return a.PostID < b.PostID
	})

	s.ViralScore = viralScore(g, cfg)
	return s
}

// viralScore = clamp(log1p(total_reach) * (posts/time_span_hours) *
// (distinct_platforms/tracked_platforms), 0, cap).
func viralScore(g propagation.Graph, cfg Config) float64 {
	var totalReach int64
	platforms := make(map[string]struct{}, 4)
	first, last := g.Nodes[0].Timestamp, g.Nodes[0].Timestamp
	for _, node := range g.Nodes {
		totalReach += node.Engagement
		platforms[node.Platform] = struct{}{}
		if node.Timestamp.Before(first) {
			first = node.Timestamp
		}
		if node.Timestamp.After(last) {
			last = node.Timestamp
		}
	}
	spanHours := last.Sub(first).Hours()
	if spanHours <= 0 {
		spanHours = 1
	}
	tracked := cfg.TrackedPlatforms
	if tracked < 1 {
		tracked = 1
	}
	score := math.Log1p(float64(totalReach)) *
		(float64(len(g.Nodes)) / spanHours) *
		(float64(len(platforms)) / float64(tracked))
	limit := cfg.ScoreCap
	if limit <= 0 {
		limit = 10
	}
	return math.Min(math.Max(score, 0), limit)
}

func weaklyConnected(g propagation.Graph, undirected map[string][]string) bool {
	if len(g.Nodes) == 0 {
		return true
	}
	seen := make(map[string]struct{}, len(g.Nodes))
	stack := []string{g.Nodes[0].PostID}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		stack = append(stack, undirected[n]...)
	}
	return len(seen) == len(g.Nodes)
}

// avgClustering is the mean local clustering coefficient over all nodes of
// the underlying undirected graph.
func avgClustering(g propagation.Graph, undirected map[string][]string) float64 {
	if len(g.Nodes) == 0 {
		return 0
	}
	neighborSet := make(map[string]map[string]struct{}, len(undirected))
	for n, ns := range undirected {
		set := make(map[string]struct{}, len(ns))
		for _, m := range ns {
			if m != n {
				set[m] = struct{}{}
			}
		}
		neighborSet[n] = set
	}
	var total float64
	for _, node := range g.Nodes {
		ns := neighborSet[node.PostID]
		k := len(ns)
		if k < 2 {
			continue
		}
		links := 0
		for a := range ns {
			for b := range neighborSet[a] {
				if a < b {
					continue
				}
				if _, ok := ns[b]; ok {
					links++
				}
			}
		}
		total += float64(links) / float64(k*(k-1)/2)
	}
	return total / float64(len(g.Nodes))
}

func descendants(root string, children map[string][]string) int {
	seen := make(map[string]struct{})
	stack := append([]string(nil), children[root]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		stack = append(stack, children[n]...)
	}
	return len(seen)
}
