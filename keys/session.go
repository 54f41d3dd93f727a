package keys

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// PresharedKey is a 32-byte symmetric secret shared by both tunnel endpoints,
// an alternative to a curve25519 keypair exchange.
type PresharedKey struct {
	_ NoCompare
	k [KeyLen]byte
}

func ParsePresharedKey(s string) (PresharedKey, error) {
	var key PresharedKey
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != KeyLen {
		return key, fmt.Errorf("preshared key must be %d bytes, got %d", KeyLen, len(b))
	}
	copy(key.k[:], b)
	return key, nil
}

func (k PresharedKey) Secret() []byte {
	b := make([]byte, KeyLen)
	copy(b, k.k[:])
	return b
}

// SessionKeys holds the two direction ciphers for one key set. Send and
// Recv never share a key, so the nonces of the two endpoints cannot
// collide.
type SessionKeys struct {
	Send cipher.AEAD
	Recv cipher.AEAD
}

const (
	labelHandshakeI2R = "caetun hs i2r"
	labelHandshakeR2I = "caetun hs r2i"
	labelDataI2R      = "caetun data i2r"
	labelDataR2I      = "caetun data r2i"
)

// DeriveSessionKeys expands the shared secret into the two handshake
// direction ciphers. These are static for the life of the process and seal
// only handshake frames, whose nonces are random identifiers rather than
// counters. Data traffic uses DeriveGenerationKeys.
func DeriveSessionKeys(secret []byte, initiator bool) (SessionKeys, error) {
	return derive(secret, nil, initiator, labelHandshakeI2R, labelHandshakeR2I)
}

// DeriveGenerationKeys expands the shared secret into the data direction
// ciphers for one handshake generation. The salt binds the keys to the
// pair of random identifiers exchanged in that handshake, so a frame
// recorded under an earlier generation fails authentication after a
// re-handshake, and a restarted send counter starts under a key that has
// never sealed anything.
func DeriveGenerationKeys(secret, initID, ackID []byte, initiator bool) (SessionKeys, error) {
	salt := make([]byte, 0, len(initID)+len(ackID))
	salt = append(salt, initID...)
	salt = append(salt, ackID...)
	return derive(secret, salt, initiator, labelDataI2R, labelDataR2I)
}

func derive(secret, salt []byte, initiator bool, i2rLabel, r2iLabel string) (SessionKeys, error) {
	i2r, err := expandKey(secret, salt, i2rLabel)
	if err != nil {
		return SessionKeys{}, err
	}
	r2i, err := expandKey(secret, salt, r2iLabel)
	if err != nil {
		return SessionKeys{}, err
	}

	if initiator {
		return SessionKeys{Send: i2r, Recv: r2i}, nil
	}
	return SessionKeys{Send: r2i, Recv: i2r}, nil
}

func expandKey(secret, salt []byte, label string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, secret, salt, []byte(label))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	return aead, nil
}
