package sealed

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

// KeyPair is an X25519 key pair. The cluster publishes its public half so
// participants can encrypt inputs only the cluster can read.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair returns a random X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return KeyPair{}, fmt.Errorf("sealed: generate key pair: %w", err)
	}
	return keyPairFromScalar(seed)
}

// DeriveKeyPair derives the cluster key pair deterministically from the
// master secret so every node publishes the same public key.
func DeriveKeyPair(master []byte) (KeyPair, error) {
	var scalar [32]byte
	kdf := hkdf.New(sha256.New, master, nil, []byte("arxpredict/x25519"))
	if _, err := io.ReadFull(kdf, scalar[:]); err != nil {
		return KeyPair{}, fmt.Errorf("sealed: derive key pair: %w", err)
	}
	return keyPairFromScalar(scalar)
}

func keyPairFromScalar(scalar [32]byte) (KeyPair, error) {
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("sealed: x25519: %w", err)
	}
	kp := KeyPair{Private: scalar}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicKeyHex returns the public key hex encoded.
func (kp KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// SharedCiphertext is an input encrypted by a participant for the cluster.
type SharedCiphertext struct {
	Ephemeral [32]byte
	Nonce     Nonce
	Data      []byte
}

func sharedAEADKey(secret, ephemeral, recipient []byte) ([]byte, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, ephemeral...)
	salt = append(salt, recipient...)
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, salt, []byte("arxpredict/shared"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("sealed: derive shared key: %w", err)
	}
	return key, nil
}

// SealShared encrypts plaintext for the holder of recipient's private key
// using a one-time ephemeral key.
func SealShared(recipient [32]byte, plaintext []byte) (SharedCiphertext, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return SharedCiphertext{}, err
	}
	secret, err := curve25519.X25519(eph.Private[:], recipient[:])
	if err != nil {
		return SharedCiphertext{}, fmt.Errorf("sealed: x25519: %w", err)
	}
	key, err := sharedAEADKey(secret, eph.Public[:], recipient[:])
	if err != nil {
		return SharedCiphertext{}, err
	}
	a, err := newAEAD(key)
	if err != nil {
		return SharedCiphertext{}, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return SharedCiphertext{}, err
	}
	return SharedCiphertext{
		Ephemeral: eph.Public,
		Nonce:     nonce,
		Data:      a.Seal(nil, nonce[:], plaintext, eph.Public[:]),
	}, nil
}

// OpenShared decrypts sc with the recipient key pair.
func OpenShared(kp KeyPair, sc SharedCiphertext) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], sc.Ephemeral[:])
	if err != nil {
		return nil, ErrOpen
	}
	key, err := sharedAEADKey(secret, sc.Ephemeral[:], kp.Public[:])
	if err != nil {
		return nil, err
	}
	a, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	pt, err := a.Open(nil, sc.Nonce[:], sc.Data, sc.Ephemeral[:])
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// MarshalBinary encodes sc in protobuf wire format.
func (sc SharedCiphertext) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, sc.Ephemeral[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, sc.Nonce[:])
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, sc.Data)
	return b, nil
}

// UnmarshalBinary decodes the layout written by MarshalBinary.
func (sc *SharedCiphertext) UnmarshalBinary(b []byte) error {
	var out SharedCiphertext
	var seen int
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return fmt.Errorf("%w: shared ciphertext tag", ErrMalformed)
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: shared ciphertext field %d", ErrMalformed, num)
		}
		b = b[n:]
		switch num {
		case 1:
			if len(v) != 32 {
				return fmt.Errorf("%w: ephemeral key length %d", ErrMalformed, len(v))
			}
			copy(out.Ephemeral[:], v)
			seen |= 1
		case 2:
			if len(v) != NonceSize {
				return fmt.Errorf("%w: nonce length %d", ErrMalformed, len(v))
			}
			copy(out.Nonce[:], v)
			seen |= 2
		case 3:
			out.Data = append([]byte(nil), v...)
			seen |= 4
		}
	}
	if seen != 7 {
		return fmt.Errorf("%w: shared ciphertext incomplete", ErrMalformed)
	}
	*sc = out
	return nil
}
