package tunnel

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Frame wire format, one frame per datagram:
//
//	type(1) | seq(8, big-endian) | ciphertext(payload + 16-byte tag)
//
// The header doubles as AEAD additional data, so the type and sequence
// number are authenticated even though they travel in the clear. The
// nonce is the sequence number padded to 12 bytes; sequence numbers are
// never reused within a session, which keeps the nonce unique per key.
type frameType byte

const (
	frameHandshakeInit frameType = 1
	frameHandshakeAck  frameType = 2
	frameData          frameType = 3
	frameKeepalive     frameType = 4
)

func (t frameType) String() string {
	switch t {
	case frameHandshakeInit:
		return "handshake-init"
	case frameHandshakeAck:
		return "handshake-ack"
	case frameData:
		return "data"
	case frameKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

func (t frameType) valid() bool {
	return t >= frameHandshakeInit && t <= frameKeepalive
}

const (
	frameHeaderLen = 9
	frameOverhead  = frameHeaderLen + chacha20poly1305.Overhead
)

var (
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrAuthenticationFailed = errors.New("frame authentication failed")
)

// sealFrame encrypts payload into a wire frame appended to dst.
func sealFrame(dst []byte, aead cipher.AEAD, typ frameType, seq uint64, payload []byte) []byte {
	off := len(dst)
	dst = append(dst, byte(typ))
	dst = binary.BigEndian.AppendUint64(dst, seq)
	header := dst[off : off+frameHeaderLen]

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)

	return aead.Seal(dst, nonce[:], payload, header)
}

// parseFrameHeader splits a datagram into its authenticated header parts
// without decrypting. Replay checks run on the parsed sequence number
// before the (comparatively expensive) open.
func parseFrameHeader(b []byte) (frameType, uint64, error) {
	if len(b) < frameHeaderLen+chacha20poly1305.Overhead {
		return 0, 0, ErrMalformedFrame
	}
	typ := frameType(b[0])
	if !typ.valid() {
		return 0, 0, ErrMalformedFrame
	}
	return typ, binary.BigEndian.Uint64(b[1:frameHeaderLen]), nil
}

// openFrame authenticates and decrypts a parsed frame, returning the
// plaintext payload. The payload is appended to dst.
func openFrame(dst []byte, aead cipher.AEAD, b []byte, seq uint64) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)

	plain, err := aead.Open(dst, nonce[:], b[frameHeaderLen:], b[:frameHeaderLen])
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}
