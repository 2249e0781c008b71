package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWarrant rejects evidence creation with no side effects. The
// wrapped message carries the specific reason (expired, scope, signature).
var ErrInvalidWarrant = errors.New("invalid warrant")

// Warrant is issued by the legal-authority collaborator and consumed
// read-only. Signature covers the canonical payload of every other field.
type Warrant struct {
	WarrantID  string    `json:"warrant_id"`
	Authority  string    `json:"authority"`
	CaseNumber string    `json:"case_number"`
	Platforms  []string  `json:"platforms"`
	DataTypes  []string  `json:"data_types"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Signature  []byte    `json:"signature"`
}

// SigningBytes returns the canonical digest the issuing authority signs.
func (w Warrant) SigningBytes() []byte {
	unsigned := w
	unsigned.Signature = nil
	raw, _ := json.Marshal(unsigned)
	sum := sha256.Sum256(raw)
	return sum[:]
}

// AuthorityKeyFunc resolves an issuing authority's ed25519 public key.
type AuthorityKeyFunc func(authority string) (ed25519.PublicKey, error)

// ValidateWarrant checks expiry, scope coverage for the involved platforms,
// and the authority signature. Any failure wraps ErrInvalidWarrant.
func ValidateWarrant(w Warrant, platforms []string, now time.Time, authorityKey AuthorityKeyFunc) error {
	if w.WarrantID == "" {
		return fmt.Errorf("%w: missing warrant id", ErrInvalidWarrant)
	}
	if !now.Before(w.ExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrInvalidWarrant, w.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if now.Before(w.IssuedAt) {
		return fmt.Errorf("%w: not yet in force", ErrInvalidWarrant)
	}

	scope := make(map[string]struct{}, len(w.Platforms))
	for _, p := range w.Platforms {
		scope[p] = struct{}{}
	}
	for _, p := range platforms {
		if _, ok := scope[p]; !ok {
			return fmt.Errorf("%w: platform %q outside warrant scope", ErrInvalidWarrant, p)
		}
	}

	if authorityKey == nil {
		return fmt.Errorf("%w: no authority key resolver", ErrInvalidWarrant)
	}
	key, err := authorityKey(w.Authority)
	if err != nil {
		return fmt.Errorf("%w: unknown authority %q", ErrInvalidWarrant, w.Authority)
	}
	if !ed25519.Verify(key, w.SigningBytes(), w.Signature) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalidWarrant)
	}
	return nil
}
