package cluster

import "time"

// Status tracks the lifecycle of a viral cluster.
type Status string

const (
	StatusActive    Status = "active"
	StatusMonitored Status = "monitored"
	StatusResolved  Status = "resolved"
)

// Priority buckets a cluster by investigative urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Post is an ingested social-media post. Embedding and sentiment are computed
// by the NLP collaborator before the post reaches the engine; the record is
// immutable once ingested.
type Post struct {
	Platform     string            `json:"platform"`
	PostID       string            `json:"post_id"`
	AuthorID     string            `json:"author_id"`
	AuthorHandle string            `json:"author_handle,omitempty"`
	ContentHash  string            `json:"content_hash"`
	Embedding    []float32         `json:"embedding,omitempty"`
	Language     string            `json:"language,omitempty"`
	Sentiment    float64           `json:"sentiment,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	ParentPostID string            `json:"parent_post_id,omitempty"`
	Engagement   int64             `json:"engagement"`
	MediaHash    string            `json:"media_hash,omitempty"`
	Hashtags     []string          `json:"hashtags,omitempty"`
	Mentions     []string          `json:"mentions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Seq is the ingestion sequence number assigned by the engine.
	Seq uint64 `json:"seq"`
}

// Assignment is the outcome of routing one post through the engine.
type Assignment struct {
	PostID     string  `json:"post_id"`
	ClusterID  int64   `json:"cluster_id"`
	Similarity float64 `json:"similarity"`
	IsNew      bool    `json:"is_new_cluster"`
	// Held means the post did not match and is parked until its lateness
	// window expires or a dense neighborhood forms around it.
	Held bool `json:"held"`
}

// Snapshot is an immutable copy of a cluster at a given generation. Evidence
// records reference (ID, Generation) pairs, never the live cluster.
type Snapshot struct {
	ID            int64     `json:"cluster_id"`
	Generation    uint64    `json:"generation"`
	Members       []Post    `json:"members"`
	Centroid      []float32 `json:"centroid"`
	ViralScore    float64   `json:"viral_score"`
	FirstActivity time.Time `json:"first_activity"`
	LastActivity  time.Time `json:"last_activity"`
	Status        Status    `json:"status"`
	Priority      Priority  `json:"priority"`
}

// Platforms returns the distinct platforms present in the snapshot.
func (s Snapshot) Platforms() []string {
	seen := make(map[string]struct{}, 4)
	var out []string
	for _, p := range s.Members {
		if _, ok := seen[p.Platform]; ok {
			continue
		}
		seen[p.Platform] = struct{}{}
		out = append(out, p.Platform)
	}
	return out
}
