// Package sealed is the confidential state codec. Records are sealed with
// AES-256-GCM under a key derived for their owning account, so a ciphertext
// can only be opened by the holder of the cluster master secret and only in
// the context of the account it was sealed for.
package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required length of the cluster master secret.
const MasterKeySize = 32

var (
	// ErrOpen is returned when a ciphertext fails authentication: wrong
	// owner, wrong key, or tampered data.
	ErrOpen = errors.New("sealed: authentication failed")
	// ErrMalformed is returned for undecodable encodings.
	ErrMalformed = errors.New("sealed: malformed input")
	// ErrKeyMismatch is returned when a ciphertext names another key.
	ErrKeyMismatch = errors.New("sealed: key id mismatch")
)

// Cipher seals and opens records for owning accounts.
type Cipher struct {
	keyID  string
	master []byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// NewCipher builds a Cipher from the cluster master secret. keyID is stored
// in every ciphertext so rotated keys can be told apart.
func NewCipher(keyID string, master []byte) (*Cipher, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("sealed: master key must be %d bytes, got %d", MasterKeySize, len(master))
	}
	return &Cipher{
		keyID:  keyID,
		master: append([]byte(nil), master...),
		aeads:  make(map[string]cipher.AEAD),
	}, nil
}

// KeyID returns the identifier stamped on ciphertexts.
func (c *Cipher) KeyID() string {
	return c.keyID
}

func (c *Cipher) aead(owner string) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.aeads[owner]; ok {
		return a, nil
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, c.master, []byte(c.keyID), []byte("arxpredict/owner/"+owner))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("sealed: derive key: %w", err)
	}
	a, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	c.aeads[owner] = a
	return a, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealed: aes: %w", err)
	}
	a, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("sealed: gcm: %w", err)
	}
	return a, nil
}

// Seal encrypts plaintext for owner under nonce. The owner address is bound
// as additional data.
func (c *Cipher) Seal(owner string, nonce Nonce, plaintext []byte) (Ciphertext, error) {
	a, err := c.aead(owner)
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{
		KeyID: c.keyID,
		Nonce: nonce,
		Data:  a.Seal(nil, nonce[:], plaintext, []byte(owner)),
	}, nil
}

// Open decrypts ct in the context of owner.
func (c *Cipher) Open(owner string, ct Ciphertext) ([]byte, error) {
	if ct.KeyID != c.keyID {
		return nil, fmt.Errorf("%w: %q", ErrKeyMismatch, ct.KeyID)
	}
	a, err := c.aead(owner)
	if err != nil {
		return nil, err
	}
	pt, err := a.Open(nil, ct.Nonce[:], ct.Data, []byte(owner))
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// Reseal re-encrypts ct under a new nonce without changing its plaintext.
func (c *Cipher) Reseal(owner string, ct Ciphertext, nonce Nonce) (Ciphertext, error) {
	pt, err := c.Open(owner, ct)
	if err != nil {
		return Ciphertext{}, err
	}
	return c.Seal(owner, nonce, pt)
}
