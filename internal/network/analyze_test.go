package network

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/propagation"
)

func testConfig() Config {
	return Config{TrackedPlatforms: 5, ScoreCap: 10}
}

func node(id, platform, author string, at time.Time, engagement int64) cluster.Post {
	return cluster.Post{PostID: id, Platform: platform, AuthorID: author, Timestamp: at, Engagement: engagement}
}

func chainGraph() propagation.Graph {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return propagation.Graph{
		ClusterID:  7,
		Generation: 3,
		Nodes: []cluster.Post{
			node("A", "twitter", "u1", t0, 100),
			node("B", "facebook", "u2", t0.Add(5*time.Minute), 50),
			node("C", "instagram", "u3", t0.Add(time.Hour), 10),
		},
		Edges: []propagation.Edge{
			{ParentID: "A", ChildID: "B", Similarity: 0.95, Type: propagation.ModParaphrase, TimeDelta: 5 * time.Minute},
			{ParentID: "B", ChildID: "C", Similarity: 0.93, Type: propagation.ModParaphrase, TimeDelta: 55 * time.Minute},
		},
		Origins: []string{"A"},
	}
}

func TestAnalyzeChain(t *testing.T) {
	s := Analyze(chainGraph(), nil, testConfig())

	if s.Nodes != 3 || s.Edges != 2 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if math.Abs(s.Density-2.0/6.0) > 1e-9 {
		t.Fatalf("unexpected density: %v", s.Density)
	}
	if !s.WeaklyConnected {
		t.Fatalf("chain should be weakly connected")
	}
	if s.Reach["A"] != 2 || s.Reach["B"] != 1 || s.Reach["C"] != 0 {
		t.Fatalf("unexpected reach: %v", s.Reach)
	}
	if len(s.OriginCandidates) != 1 || s.OriginCandidates[0].PostID != "A" {
		t.Fatalf("origin candidates should be [A]: %+v", s.OriginCandidates)
	}
	if s.ViralScore <= 0 || s.ViralScore > 10 {
		t.Fatalf("viral score out of range: %v", s.ViralScore)
	}
}

func TestAnalyzeIdempotent(t *testing.T) {
	g := chainGraph()
	first := Analyze(g, nil, testConfig())
	second := Analyze(g, nil, testConfig())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("analyze is not idempotent")
	}
}

func TestAnalyzeSkipsSmallClusters(t *testing.T) {
	g := propagation.Graph{
		ClusterID: 1,
		Nodes:     []cluster.Post{node("A", "twitter", "u1", time.Now(), 5)},
		Origins:   []string{"A"},
	}
	s := Analyze(g, nil, testConfig())
	if !s.Skipped {
		t.Fatalf("singleton cluster must be skipped")
	}
	if s.ViralScore != 0 {
		t.Fatalf("skipped cluster must not score: %v", s.ViralScore)
	}
}

func TestOriginRanking(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := propagation.Graph{
		Nodes: []cluster.Post{
			node("A", "twitter", "u1", t0, 10),
			node("X", "twitter", "u2", t0, 10),
			node("B", "twitter", "u3", t0.Add(time.Minute), 10),
		},
		Edges: []propagation.Edge{
			{ParentID: "X", ChildID: "B"},
		},
		Origins: []string{"A", "X"},
	}
	influence := func(author string) float64 {
		if author == "u1" {
			return 0.9
		}
		return 0.1
	}
	s := Analyze(g, influence, testConfig())
	// Equal timestamps: X wins on descendant reach despite u1's influence.
	if s.OriginCandidates[0].PostID != "X" || s.OriginCandidates[1].PostID != "A" {
		t.Fatalf("reach should outrank influence: %+v", s.OriginCandidates)
	}
}

func TestOriginRankingEarliestFirst(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := propagation.Graph{
		Nodes: []cluster.Post{
			node("L", "twitter", "u1", t0.Add(time.Hour), 10),
			node("E", "twitter", "u2", t0, 10),
		},
		Origins: []string{"L", "E"},
	}
	s := Analyze(g, nil, testConfig())
	if s.OriginCandidates[0].PostID != "E" {
		t.Fatalf("earliest origin must rank first: %+v", s.OriginCandidates)
	}
}

func TestDisconnectedGraph(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := propagation.Graph{
		Nodes: []cluster.Post{
			node("A", "twitter", "u1", t0, 10),
			node("B", "twitter", "u2", t0.Add(time.Minute), 10),
			node("C", "twitter", "u3", t0.Add(2*time.Minute), 10),
		},
		Edges:   []propagation.Edge{{ParentID: "A", ChildID: "B"}},
		Origins: []string{"A", "C"},
	}
	s := Analyze(g, nil, testConfig())
	if s.WeaklyConnected {
		t.Fatalf("graph with isolated node is not weakly connected")
	}
}

func TestViralScoreClamped(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var nodes []cluster.Post
	for i := 0; i < 50; i++ {
		nodes = append(nodes, node(string(rune('a'+i%26))+string(rune('0'+i/26)), "p", "u", t0.Add(time.Duration(i)*time.Second), 1_000_000))
	}
	g := propagation.Graph{Nodes: nodes, Origins: []string{nodes[0].PostID}}
	s := Analyze(g, nil, Config{TrackedPlatforms: 1, ScoreCap: 10})
	if s.ViralScore != 10 {
		t.Fatalf("burst should clamp to cap: %v", s.ViralScore)
	}
}
