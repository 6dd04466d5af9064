package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// TransferKind distinguishes the two supported transfer instructions.
type TransferKind string

// Supported transfer kinds.
const (
	TransferNative TransferKind = "native"
	TransferToken  TransferKind = "token"
)

// Checkpoint is a recent network state handle an unsigned transaction is bound
// to. Transactions built against an expired checkpoint are rejected by the
// network, which prevents replay against stale state.
type Checkpoint struct {
	Blockhash string `json:"blockhash"`
	Slot      uint64 `json:"slot"`
}

// UnsignedTx is a transfer instruction bound to a checkpoint. It carries no
// signature; signing is the caller's responsibility.
type UnsignedTx struct {
	Kind       TransferKind `json:"kind"`
	From       Address      `json:"-"`
	To         Address      `json:"-"`
	Mint       Address      `json:"-"`
	FromTokens Address      `json:"-"`
	ToTokens   Address      `json:"-"`
	Amount     uint64       `json:"amount"`
	Checkpoint Checkpoint   `json:"checkpoint"`
}

// CanonicalJSON returns the canonical encoding the transaction signature
// covers.
func (tx *UnsignedTx) CanonicalJSON() ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("chain: nil transaction")
	}
	if tx.From.IsZero() || tx.To.IsZero() {
		return nil, fmt.Errorf("chain: transaction endpoints required")
	}
	if tx.Amount == 0 {
		return nil, fmt.Errorf("chain: amount required")
	}
	if tx.Checkpoint.Blockhash == "" {
		return nil, fmt.Errorf("chain: checkpoint required")
	}
	canonical := struct {
		Kind       TransferKind `json:"kind"`
		From       string       `json:"from"`
		To         string       `json:"to"`
		Mint       string       `json:"mint,omitempty"`
		FromTokens string       `json:"fromTokens,omitempty"`
		ToTokens   string       `json:"toTokens,omitempty"`
		Amount     uint64       `json:"amount"`
		Blockhash  string       `json:"blockhash"`
	}{
		Kind:      tx.Kind,
		From:      tx.From.String(),
		To:        tx.To.String(),
		Amount:    tx.Amount,
		Blockhash: tx.Checkpoint.Blockhash,
	}
	if tx.Kind == TransferToken {
		if tx.Mint.IsZero() || tx.FromTokens.IsZero() || tx.ToTokens.IsZero() {
			return nil, fmt.Errorf("chain: token transfer requires mint and token accounts")
		}
		canonical.Mint = tx.Mint.String()
		canonical.FromTokens = tx.FromTokens.String()
		canonical.ToTokens = tx.ToTokens.String()
	}
	return json.Marshal(canonical)
}

// Digest computes the sha256 hash over the canonical encoding.
func (tx *UnsignedTx) Digest() ([]byte, error) {
	canonical, err := tx.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// SignedTx pairs an unsigned transaction with its ed25519 signature.
type SignedTx struct {
	Tx        *UnsignedTx
	PublicKey ed25519.PublicKey
	Signature []byte
}

// Sign produces a signed transaction. The private key is used only for the
// duration of the call and is not retained.
func Sign(tx *UnsignedTx, key ed25519.PrivateKey) (*SignedTx, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("chain: invalid signing key length %d", len(key))
	}
	digest, err := tx.Digest()
	if err != nil {
		return nil, err
	}
	pub := key.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(key, digest)
	return &SignedTx{Tx: tx, PublicKey: append(ed25519.PublicKey(nil), pub...), Signature: sig}, nil
}

// Reference returns the base58 transaction signature the network reports for
// this transaction. It is derived locally so it is available even when a
// broadcast outcome is ambiguous.
func (s *SignedTx) Reference() string {
	if s == nil || len(s.Signature) == 0 {
		return ""
	}
	return base58.Encode(s.Signature)
}

// Verify checks the signature against the transaction digest.
func (s *SignedTx) Verify() error {
	if s == nil || s.Tx == nil {
		return fmt.Errorf("chain: nil signed transaction")
	}
	digest, err := s.Tx.Digest()
	if err != nil {
		return err
	}
	if !ed25519.Verify(s.PublicKey, digest, s.Signature) {
		return fmt.Errorf("chain: signature verification failed")
	}
	return nil
}
