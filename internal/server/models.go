package server

import (
	"time"

	"github.com/insideout-labs/viraltrace/internal/ledger"
)

// HTTPError is the unified error body.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// SubmitPostRequest is the ingestion payload. Embedding, language and
// sentiment are optional; missing values are resolved via the NLP
// collaborator before clustering.
type SubmitPostRequest struct {
	Platform     string            `json:"platform"`
	PostID       string            `json:"post_id"`
	AuthorID     string            `json:"author_id"`
	AuthorHandle string            `json:"author_handle"`
	Content      string            `json:"content"`
	ContentHash  string            `json:"content_hash"`
	Embedding    []float32         `json:"embedding"`
	Language     string            `json:"language"`
	Sentiment    float64           `json:"sentiment"`
	Timestamp    time.Time         `json:"timestamp"`
	ParentPostID string            `json:"parent_post_id"`
	Engagement   int64             `json:"engagement"`
	MediaHash    string            `json:"media_hash"`
	Hashtags     []string          `json:"hashtags"`
	Mentions     []string          `json:"mentions"`
	Metadata     map[string]string `json:"metadata"`
}

// CreateEvidenceRequest freezes one cluster generation under a warrant.
type CreateEvidenceRequest struct {
	ClusterID  int64          `json:"cluster_id"`
	CaseNumber string         `json:"case_number"`
	Warrant    ledger.Warrant `json:"warrant"`
}

// CustodyRequest appends one action to an evidence chain. The actor is the
// authenticated subject, never client-supplied.
type CustodyRequest struct {
	Action string `json:"action"`
}

// EvidenceResponse is the record without its sealed payload.
type EvidenceResponse struct {
	Record ledger.EvidenceRecord `json:"record"`
	Status ledger.EvidenceStatus `json:"status"`
}
