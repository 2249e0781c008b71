package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// HTTPEmbedder calls the NLP collaborator over HTTP. 5xx and transport
// errors map to ErrEmbedderUnavailable; 4xx are permanent.
type HTTPEmbedder struct {
	BaseURL string
	Client  *http.Client
}

type embedRequest struct {
	Text string `json:"text"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) (EmbedResult, error) {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return EmbedResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return EmbedResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return EmbedResult{}, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return EmbedResult{}, fmt.Errorf("%w: status %d", ErrEmbedderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return EmbedResult{}, fmt.Errorf("embed request rejected: status %d", resp.StatusCode)
	}
	var out EmbedResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return EmbedResult{}, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Vector) == 0 {
		return EmbedResult{}, fmt.Errorf("%w: empty vector", ErrEmbedderUnavailable)
	}
	return out, nil
}

// RetryingEmbedder wraps an Embedder with bounded backoff. After the retry
// budget is spent the post id goes to the dead-letter set and the transient
// error is surfaced to the caller.
type RetryingEmbedder struct {
	Inner      Embedder
	Retries    int
	Backoff    time.Duration
	DeadLetter DeadLetter
	Logger     *log.Logger
}

// EmbedPost resolves the embedding for one post's text.
func (r *RetryingEmbedder) EmbedPost(ctx context.Context, postID, text string) (EmbedResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	attempts := r.Retries + 1
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return EmbedResult{}, ctx.Err()
			}
			backoff *= 2
		}
		res, err := r.Inner.Embed(ctx, text)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTransient(err) {
			return EmbedResult{}, err
		}
		logger.Printf("embed attempt %d/%d for post %s failed: %v", attempt+1, attempts, postID, err)
	}

	if r.DeadLetter != nil {
		if dlErr := r.DeadLetter.Add(ctx, postID, lastErr.Error()); dlErr != nil {
			logger.Printf("dead-letter add failed for post %s: %v", postID, dlErr)
		}
	}
	return EmbedResult{}, fmt.Errorf("embedding for post %s exhausted retries: %w", postID, lastErr)
}

func isTransient(err error) bool {
	return errors.Is(err, ErrEmbedderUnavailable)
}

// RedisDeadLetter keeps unresolved post ids in a Redis set alongside a hash
// of failure reasons.
type RedisDeadLetter struct {
	Client *redis.Client
	Key    string
}

func (d *RedisDeadLetter) Add(ctx context.Context, postID, reason string) error {
	key := d.Key
	if key == "" {
		key = "viraltrace:embed:deadletter"
	}
	pipe := d.Client.TxPipeline()
	pipe.SAdd(ctx, key, postID)
	pipe.HSet(ctx, key+":reasons", postID, reason)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("dead-letter write: %w", err)
	}
	return nil
}
