package evidence

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// EncryptedStore wraps a Store and seals every payload with AES-256-GCM
// before it reaches the backing store. The content id addresses the sealed
// bytes, so the store never sees plaintext.
type EncryptedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewEncryptedStore constructs an EncryptedStore with a 32-byte key.
func NewEncryptedStore(inner Store, key []byte) (*EncryptedStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("evidence: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &EncryptedStore{inner: inner, aead: aead}, nil
}

// Put seals and stores the payload, returning the content id of the sealed
// object.
func (s *EncryptedStore) Put(ctx context.Context, data []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := append(nonce, s.aead.Seal(nil, nonce, data, nil)...)
	return s.inner.Put(ctx, sealed)
}

// Get fetches and opens the sealed object.
func (s *EncryptedStore) Get(ctx context.Context, cid string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("evidence: sealed object too short")
	}
	nonce := sealed[:s.aead.NonceSize()]
	plaintext, err := s.aead.Open(nil, nonce, sealed[s.aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("evidence: open sealed object: %w", err)
	}
	return plaintext, nil
}
