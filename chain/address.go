package chain

import (
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// AddressLength is the raw byte length of an on-chain account address.
const AddressLength = 32

// Address represents a 32-byte ed25519 account address.
type Address struct {
	bytes [AddressLength]byte
}

// NewAddress wraps raw address bytes.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("chain: address must be %d bytes, got %d", AddressLength, len(b))
	}
	var a Address
	copy(a.bytes[:], b)
	return a, nil
}

// AddressFromPublicKey derives the address for an ed25519 public key.
func AddressFromPublicKey(pub ed25519.PublicKey) (Address, error) {
	return NewAddress(pub)
}

// ParseAddress decodes a base58 address string and validates its length.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("chain: empty address")
	}
	decoded := base58.Decode(s)
	if len(decoded) != AddressLength {
		return Address{}, fmt.Errorf("chain: invalid address %q", s)
	}
	return NewAddress(decoded)
}

// IsValidAddress reports whether the string is a well-formed address.
func IsValidAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

func (a Address) String() string {
	return base58.Encode(a.bytes[:])
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}
