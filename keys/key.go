package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const KeyLen = 32

type NoCompare [0]func()

// PrivateKey is a curve25519 scalar identifying one tunnel endpoint.
type PrivateKey struct {
	_ NoCompare
	k [KeyLen]byte
}

func NewPrivateKey() PrivateKey {
	k := [KeyLen]byte{}
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		panic("error generating random bytes for private key: " + err.Error())
	}

	// clamp
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return PrivateKey{k: k}
}

func ParsePrivateKey(s string) (PrivateKey, error) {
	var key PrivateKey
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != KeyLen {
		return key, fmt.Errorf("private key must be %d bytes, got %d", KeyLen, len(b))
	}
	copy(key.k[:], b)
	return key, nil
}

func (k PrivateKey) IsZero() bool {
	return k.Compare(PrivateKey{})
}

func (k PrivateKey) Compare(other PrivateKey) bool {
	return subtle.ConstantTimeCompare(k.k[:], other.k[:]) == 1
}

func (k PrivateKey) MarshalText() ([]byte, error) {
	b := make([]byte, base64.StdEncoding.EncodedLen(len(k.k)))
	base64.StdEncoding.Encode(b, k.k[:])
	return b, nil
}

func (k *PrivateKey) UnmarshalText(text []byte) error {
	_, err := base64.StdEncoding.Decode(k.k[:], text)
	return err
}

func (k PrivateKey) PublicKey() PublicKey {
	pub := PublicKey{}
	curve25519.ScalarBaseMult(&pub.k, &k.k)
	return pub
}

// SharedSecret computes the X25519 shared secret with the peer's public key.
// Both endpoints arrive at the same secret; the direction ciphers are
// split off with DeriveSessionKeys and DeriveGenerationKeys.
func (k PrivateKey) SharedSecret(peer PublicKey) ([]byte, error) {
	secret, err := curve25519.X25519(k.k[:], peer.k[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return secret, nil
}

type PublicKey struct {
	k [KeyLen]byte
}

func ParsePublicKey(s string) (PublicKey, error) {
	var key PublicKey
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != KeyLen {
		return key, fmt.Errorf("public key must be %d bytes, got %d", KeyLen, len(b))
	}
	copy(key.k[:], b)
	return key, nil
}

func (k PublicKey) MarshalText() ([]byte, error) {
	b := make([]byte, base64.StdEncoding.EncodedLen(len(k.k)))
	base64.StdEncoding.Encode(b, k.k[:])
	return b, nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	_, err := base64.StdEncoding.Decode(k.k[:], text)
	return err
}

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k.k[:])
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}
