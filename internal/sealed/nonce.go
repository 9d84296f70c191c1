package sealed

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NonceSize is the length of a freshness token in bytes (a u128).
const NonceSize = 16

// Nonce binds a ciphertext to one committed version of a record. A fresh
// nonce is drawn for every seal so no two committed states share one.
type Nonce [NonceSize]byte

// NewNonce draws a random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("sealed: generate nonce: %w", err)
	}
	return n, nil
}

// ParseNonce decodes a hex-encoded nonce.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	if err := n.UnmarshalText([]byte(s)); err != nil {
		return Nonce{}, err
	}
	return n, nil
}

// IsZero reports whether n is the zero value.
func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// MarshalText implements encoding.TextMarshaler.
func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nonce) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(NonceSize) {
		return fmt.Errorf("%w: nonce must be %d hex characters", ErrMalformed, hex.EncodedLen(NonceSize))
	}
	if _, err := hex.Decode(n[:], text); err != nil {
		return fmt.Errorf("%w: nonce: %v", ErrMalformed, err)
	}
	return nil
}
