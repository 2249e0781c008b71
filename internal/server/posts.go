package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/collab"
	"github.com/insideout-labs/viraltrace/internal/queue/streams"
)

// IngestEngine is the engine surface the ingestion handler needs.
type IngestEngine interface {
	Assign(ctx context.Context, p cluster.Post) (cluster.Assignment, error)
	Snapshot(id int64) (cluster.Snapshot, bool)
}

// PostStore persists ingested posts.
type PostStore interface {
	InsertPost(ctx context.Context, p cluster.Post, clusterID int64) error
}

// UpdatePublisher notifies the analysis worker of cluster changes.
type UpdatePublisher interface {
	PublishClusterUpdated(ctx context.Context, upd streams.ClusterUpdated, opts ...streams.PublishOption) (string, error)
	PublishPostSubmitted(ctx context.Context, sub streams.PostSubmitted, opts ...streams.PublishOption) (string, error)
}

// PostEmbedder resolves missing embeddings via the NLP collaborator.
type PostEmbedder interface {
	EmbedPost(ctx context.Context, postID, text string) (collab.EmbedResult, error)
}

// PostsHandler ingests posts into the clustering engine.
type PostsHandler struct {
	Engine    IngestEngine
	Store     PostStore
	Publisher UpdatePublisher
	Embedder  PostEmbedder
	Dim       int
	Logger    *log.Logger
}

func (h *PostsHandler) Register(g *echo.Group) {
	g.POST("/posts", h.submit)
}

// PersistMaterialized stores and announces every member of a cluster that
// just materialized, either by dense founding or by hold expiry. Inserts are
// idempotent, so members already persisted are unaffected.
func (h *PostsHandler) PersistMaterialized(ctx context.Context, snap cluster.Snapshot) {
	for _, m := range snap.Members {
		h.persistPost(ctx, m, snap.ID)
	}
}

func (h *PostsHandler) persistPost(ctx context.Context, p cluster.Post, clusterID int64) {
	if err := h.Store.InsertPost(ctx, p, clusterID); err != nil {
		h.Logger.Printf("warn: persist post %s/%s: %v", p.Platform, p.PostID, err)
	}
	if _, err := h.Publisher.PublishPostSubmitted(ctx, streams.PostSubmitted{Platform: p.Platform, PostID: p.PostID, ClusterID: clusterID}); err != nil {
		h.Logger.Printf("warn: publish post.submitted: %v", err)
	}
}

func (h *PostsHandler) submit(c echo.Context) error {
	var req SubmitPostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Platform == "" || req.PostID == "" || req.AuthorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "platform, post_id and author_id are required")
	}
	if req.Content == "" && len(req.Embedding) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "content or embedding is required")
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	ctx := c.Request().Context()

	p := cluster.Post{
		Platform:     req.Platform,
		PostID:       req.PostID,
		AuthorID:     req.AuthorID,
		AuthorHandle: req.AuthorHandle,
		ContentHash:  req.ContentHash,
		Embedding:    req.Embedding,
		Language:     req.Language,
		Sentiment:    req.Sentiment,
		Timestamp:    req.Timestamp.UTC(),
		ParentPostID: req.ParentPostID,
		Engagement:   req.Engagement,
		MediaHash:    req.MediaHash,
		Hashtags:     req.Hashtags,
		Mentions:     req.Mentions,
		Metadata:     req.Metadata,
	}
	if p.ContentHash == "" {
		sum := sha256.Sum256([]byte(req.Content))
		p.ContentHash = hex.EncodeToString(sum[:])
	}

	if len(p.Embedding) == 0 {
		res, err := h.Embedder.EmbedPost(ctx, p.PostID, req.Content)
		if err != nil {
			if errors.Is(err, collab.ErrEmbedderUnavailable) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "embedding service unavailable; post queued for review")
			}
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		p.Embedding = res.Vector
		if p.Language == "" {
			p.Language = res.Language
		}
		p.Sentiment = res.Sentiment
	}
	if h.Dim > 0 && len(p.Embedding) != h.Dim {
		return echo.NewHTTPError(http.StatusBadRequest, "embedding dimension mismatch")
	}

	assignment, err := h.Engine.Assign(ctx, p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if !assignment.Held {
		snap, ok := h.Engine.Snapshot(assignment.ClusterID)
		if assignment.IsNew && ok {
			// Founding members spent time in the held set and were never
			// persisted on their own submission; store the whole membership.
			h.PersistMaterialized(ctx, snap)
		} else {
			h.persistPost(ctx, p, assignment.ClusterID)
		}
		if ok {
			if _, err := h.Publisher.PublishClusterUpdated(ctx, streams.ClusterUpdated{ClusterID: snap.ID, Generation: snap.Generation}); err != nil {
				h.Logger.Printf("warn: publish cluster.updated: %v", err)
			}
		}
	}

	status := http.StatusOK
	if assignment.IsNew {
		status = http.StatusCreated
	}
	if assignment.Held {
		status = http.StatusAccepted
	}
	return c.JSON(status, assignment)
}
