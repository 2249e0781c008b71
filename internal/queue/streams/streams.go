// Package streams carries the engine's events over Redis Streams: post
// ingestion fan-in and cluster-update notifications for the analysis worker.
package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream names. Consumers join via consumer groups so multiple workers can
// share a stream without double-processing.
const (
	StreamPostSubmitted  = "viraltrace.post.submitted"
	StreamClusterUpdated = "viraltrace.cluster.updated"
)

// Event types carried in envelopes.
const (
	EventPostSubmitted  = "post.submitted"
	EventClusterUpdated = "cluster.updated"
)

// Envelope is the canonical message wrapper persisted to Redis Streams.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Attempt    int             `json:"attempt"`
	Data       json.RawMessage `json:"data"`
}

// ClusterUpdated notifies the analysis worker that a cluster advanced to a
// new generation. The worker debounces on (ClusterID, Generation).
type ClusterUpdated struct {
	ClusterID  int64  `json:"cluster_id"`
	Generation uint64 `json:"generation"`
}

// PostSubmitted carries one ingested post id for downstream auditing.
type PostSubmitted struct {
	Platform  string `json:"platform"`
	PostID    string `json:"post_id"`
	ClusterID int64  `json:"cluster_id"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates
// required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
