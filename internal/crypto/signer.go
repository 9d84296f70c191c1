package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature means a signature is malformed or does not recover.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer produces EIP-191 personal_sign signatures over request bodies. The
// server never signs; clients and tests do.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the checksummed address of the signing key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign returns the 0x-prefixed 65-byte signature of msg, with v in {27, 28}.
func (s *Signer) Sign(msg []byte) (string, error) {
	sig, err := ethcrypto.Sign(textHash(msg), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress returns the checksummed address that produced sigHex over
// msg. Both v encodings, {0, 1} and {27, 28}, are accepted.
func RecoverAddress(msg []byte, sigHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return "", fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}

	pub, err := ethcrypto.SigToPub(textHash(msg), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// textHash is the EIP-191 version 0x45 digest of msg.
func textHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}
