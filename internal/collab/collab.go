// Package collab holds clients for the external collaborators: the NLP
// embedding service, the profile/influence service, the legal authority and
// the identity/PKI directory. The engine only consumes these interfaces.
package collab

import (
	"context"
	"crypto/ed25519"
	"errors"
)

// ErrEmbedderUnavailable marks a transient embedding failure. Callers retry
// with backoff and finally route the post to the dead-letter set.
var ErrEmbedderUnavailable = errors.New("embedding service unavailable")

// EmbedResult is the NLP collaborator's output for one text.
type EmbedResult struct {
	Vector    []float32 `json:"vector"`
	Language  string    `json:"language"`
	Sentiment float64   `json:"sentiment"`
}

// Embedder computes text embeddings, language and sentiment.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbedResult, error)
}

// InfluenceProvider scores author influence.
type InfluenceProvider interface {
	InfluenceScore(ctx context.Context, authorID string) (float64, error)
}

// Signer requests a detached signature from the officer's client through the
// PKI collaborator; private keys never reach this process.
type Signer interface {
	Sign(ctx context.Context, officerID string, digest []byte) ([]byte, error)
}

// KeyDirectory resolves public keys for officers and issuing authorities.
type KeyDirectory interface {
	OfficerKey(ctx context.Context, officerID string) (ed25519.PublicKey, error)
	AuthorityKey(ctx context.Context, authority string) (ed25519.PublicKey, error)
}

// DeadLetter records posts whose embedding never resolved, for manual
// review. Posts are never silently dropped.
type DeadLetter interface {
	Add(ctx context.Context, postID, reason string) error
}
