package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func testKeypair(t *testing.T) (Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	return addr, priv
}

func TestAddressRoundTrip(t *testing.T) {
	addr, _ := testKeypair(t)

	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != addr {
		t.Fatal("round trip changed the address")
	}
	if !IsValidAddress(addr.String()) {
		t.Fatal("expected valid address")
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "abc", "0OIl+/invalid", "1111"} {
		if _, err := ParseAddress(s); err == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestSignAndVerify(t *testing.T) {
	from, priv := testKeypair(t)
	to, _ := testKeypair(t)

	tx := &UnsignedTx{
		Kind:       TransferNative,
		From:       from,
		To:         to,
		Amount:     1_000_000_000,
		Checkpoint: Checkpoint{Blockhash: "hash-1", Slot: 7},
	}
	signed, err := Sign(tx, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := signed.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if signed.Reference() == "" {
		t.Fatal("expected a derived reference")
	}

	// Tampering with the amount invalidates the signature.
	signed.Tx.Amount++
	if err := signed.Verify(); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestCanonicalJSONValidation(t *testing.T) {
	from, _ := testKeypair(t)
	to, _ := testKeypair(t)

	cases := []struct {
		name string
		tx   UnsignedTx
	}{
		{name: "missing endpoints", tx: UnsignedTx{Kind: TransferNative, Amount: 1, Checkpoint: Checkpoint{Blockhash: "h"}}},
		{name: "zero amount", tx: UnsignedTx{Kind: TransferNative, From: from, To: to, Checkpoint: Checkpoint{Blockhash: "h"}}},
		{name: "missing checkpoint", tx: UnsignedTx{Kind: TransferNative, From: from, To: to, Amount: 1}},
		{name: "token without accounts", tx: UnsignedTx{Kind: TransferToken, From: from, To: to, Amount: 1, Checkpoint: Checkpoint{Blockhash: "h"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.tx.CanonicalJSON(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDigestIsStable(t *testing.T) {
	from, _ := testKeypair(t)
	to, _ := testKeypair(t)
	tx := &UnsignedTx{
		Kind:       TransferNative,
		From:       from,
		To:         to,
		Amount:     5,
		Checkpoint: Checkpoint{Blockhash: "hash-1"},
	}
	first, err := tx.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	second, err := tx.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("digest must be deterministic")
	}
}
