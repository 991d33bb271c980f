package wgpeer

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// KeyLen is the length of a WireGuard key in bytes.
const KeyLen = 32

// Key is a Curve25519 key in WireGuard's encoding.
type Key [KeyLen]byte

// GeneratePrivateKey returns a fresh clamped Curve25519 private key, the
// same thing "wg genkey" produces.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("reading random bytes: %w", err)
	}
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return k, nil
}

// PublicKey derives the public key for private key k ("wg pubkey").
func (k Key) PublicKey() (Key, error) {
	pub, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, fmt.Errorf("deriving public key: %w", err)
	}
	var out Key
	copy(out[:], pub)
	return out, nil
}

// String returns the standard base64 encoding used in wg configs.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParseKey decodes a base64 WireGuard key.  Surrounding whitespace, as
// found in key files, is ignored.
func ParseKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Key{}, fmt.Errorf("decoding key: %w", err)
	}
	if len(raw) != KeyLen {
		return Key{}, fmt.Errorf("key is %d bytes, want %d", len(raw), KeyLen)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// KeyPair is a private key and its public key.
type KeyPair struct {
	Private Key
	Public  Key
}

// GenerateKeyPair generates a new private key and derives its public key.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}
