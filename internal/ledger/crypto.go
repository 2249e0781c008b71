package ledger

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// caseKey derives a per-evidence AES-256 key from the ledger master key so a
// compromised payload key never exposes other cases.
func caseKey(master []byte, caseNumber, evidenceID string) ([]byte, string, error) {
	info := []byte("viraltrace-evidence:" + caseNumber + ":" + evidenceID)
	r := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, "", fmt.Errorf("derive case key: %w", err)
	}
	id := sha256.Sum256(append([]byte("keyid:"), info...))
	return key, "k-" + hex.EncodeToString(id[:8]), nil
}

// encryptPayload seals the canonical payload with AES-GCM. The nonce is
// prepended to the ciphertext.
func encryptPayload(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptPayload(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
