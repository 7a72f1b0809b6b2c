package event

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPrivateKey = errors.New("event: invalid private key")
)

// Signer is the signing side of the identity provider. Implementations hold
// the private key; the codec only ever sees digests and signatures.
type Signer interface {
	// PublicKey returns the hex-encoded compressed public key.
	PublicKey() string
	// Sign produces a hex-encoded signature over the canonical digest.
	Sign(digest [32]byte) (string, error)
}

// Identity signs event digests with a secp256k1 key.
type Identity struct {
	key    *ecdsa.PrivateKey
	pubkey string
}

// NewIdentity parses a hex private key (64 hex chars, 0x prefix allowed).
func NewIdentity(hexKey string) (*Identity, error) {
	trimmed := strings.TrimPrefix(hexKey, "0x")
	if len(trimmed) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &Identity{
		key:    key,
		pubkey: hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey)),
	}, nil
}

// GenerateIdentity creates a fresh random identity. Used in demo mode and
// tests; production deployments configure PRIVATE_KEY.
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{
		key:    key,
		pubkey: hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey)),
	}, nil
}

// PublicKey returns the hex-encoded compressed public key.
func (id *Identity) PublicKey() string {
	return id.pubkey
}

// Sign signs the canonical digest. The recovery byte is stripped so the
// signature is a plain 64-byte R||S pair.
func (id *Identity) Sign(digest [32]byte) (string, error) {
	sig, err := crypto.Sign(digest[:], id.key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig[:64]), nil
}

// VerifySignature checks a hex R||S signature over digest against a
// hex-encoded compressed public key. Any decoding failure is a verification
// failure, never an error.
func VerifySignature(pubkey string, digest [32]byte, sig string) bool {
	pub, err := hex.DecodeString(pubkey)
	if err != nil || len(pub) != 33 {
		return false
	}
	raw, err := hex.DecodeString(sig)
	if err != nil || len(raw) != 64 {
		return false
	}
	return crypto.VerifySignature(pub, digest[:], raw)
}
