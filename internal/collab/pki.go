package collab

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// StaticAuthorityKeys resolves issuing-authority keys from configuration
// (hex-encoded ed25519 public keys keyed by authority name).
type StaticAuthorityKeys map[string]string

func (s StaticAuthorityKeys) AuthorityKey(authority string) (ed25519.PublicKey, error) {
	raw, ok := s[authority]
	if !ok {
		return nil, fmt.Errorf("unknown issuing authority %q", authority)
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("malformed key for authority %q", authority)
	}
	return ed25519.PublicKey(key), nil
}

// HTTPPKI talks to the identity/PKI collaborator. Officer public keys are
// cached for the process lifetime; key rotation requires a restart, which is
// acceptable because verification uses the key at event creation time.
type HTTPPKI struct {
	BaseURL string
	Client  *http.Client

	mu    sync.RWMutex
	cache map[string]ed25519.PublicKey
}

type officerKeyResponse struct {
	PublicKey string `json:"public_key"`
}

func (p *HTTPPKI) OfficerKey(ctx context.Context, officerID string) (ed25519.PublicKey, error) {
	p.mu.RLock()
	if key, ok := p.cache[officerID]; ok {
		p.mu.RUnlock()
		return key, nil
	}
	p.mu.RUnlock()

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/officers/"+officerID+"/key", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pki lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pki lookup for %s: status %d", officerID, resp.StatusCode)
	}
	var out officerKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pki response: %w", err)
	}
	raw, err := hex.DecodeString(out.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("malformed officer key for %s", officerID)
	}
	key := ed25519.PublicKey(raw)

	p.mu.Lock()
	if p.cache == nil {
		p.cache = make(map[string]ed25519.PublicKey)
	}
	p.cache[officerID] = key
	p.mu.Unlock()
	return key, nil
}

type signRequest struct {
	Digest string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// Sign forwards the digest to the officer's signing client via the PKI
// gateway and returns the detached signature.
func (p *HTTPPKI) Sign(ctx context.Context, officerID string, digest []byte) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(signRequest{Digest: hex.EncodeToString(digest)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/officers/"+officerID+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pki sign: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pki sign for %s: status %d", officerID, resp.StatusCode)
	}
	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sign response: %w", err)
	}
	return hex.DecodeString(out.Signature)
}

// HTTPInfluence queries the profile/influence collaborator. Lookup failures
// degrade to a zero score so analysis never blocks on the profile service.
type HTTPInfluence struct {
	BaseURL string
	Client  *http.Client
}

type influenceResponse struct {
	Score float64 `json:"influence_score"`
}

func (p *HTTPInfluence) InfluenceScore(ctx context.Context, authorID string) (float64, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/authors/"+authorID+"/influence", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("influence lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("influence lookup for %s: status %d", authorID, resp.StatusCode)
	}
	var out influenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode influence response: %w", err)
	}
	return out.Score, nil
}
