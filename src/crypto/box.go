// Package crypto provides the agent keypair and the point-to-point payload
// encryption used for negotiation messages.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"d2a-agent/src/event"
)

const (
	boxVersion   = 1
	boxInfo      = "d2a-msg-v1"
	nonceSize    = chacha20poly1305.NonceSize
	keySize      = chacha20poly1305.KeySize
	minWireBytes = 1 + nonceSize + chacha20poly1305.Overhead
)

// ErrDecrypt is wrapped by every decryption failure.
var ErrDecrypt = errors.New("decryption failed")

// CryptoError represents an encryption or decryption error.
type CryptoError struct {
	Message string
	Err     error
}

func (e *CryptoError) Error() string {
	return e.Message
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Cipher encrypts payloads between two identities. Either side can decrypt what the
// other encrypted, given its own secret and the other's public key.
type Cipher interface {
	Encrypt(plaintext []byte, secret ed25519.PrivateKey, peerPubkey string) (string, error)
	Decrypt(ciphertext string, secret ed25519.PrivateKey, peerPubkey string) ([]byte, error)
}

// Box is the default Cipher: static X25519 agreement between the two converted
// ed25519 keys, HKDF-SHA256 key derivation and ChaCha20-Poly1305.
//
// Wire format (base64): version[1] + nonce[12] + ciphertext[N+16].
type Box struct{}

// NewBox returns the default cipher.
func NewBox() *Box {
	return &Box{}
}

// Encrypt seals plaintext for peerPubkey.
func (b *Box) Encrypt(plaintext []byte, secret ed25519.PrivateKey, peerPubkey string) (string, error) {
	key, err := sharedKey(secret, peerPubkey)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", &CryptoError{Message: "failed to init cipher", Err: err}
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", &CryptoError{Message: "failed to read nonce", Err: err}
	}

	wire := make([]byte, 0, minWireBytes+len(plaintext))
	wire = append(wire, boxVersion)
	wire = append(wire, nonce...)
	wire = aead.Seal(wire, nonce, plaintext, []byte{boxVersion})
	return base64.StdEncoding.EncodeToString(wire), nil
}

// Decrypt opens a ciphertext produced by peerPubkey for the holder of secret.
func (b *Box) Decrypt(ciphertext string, secret ed25519.PrivateKey, peerPubkey string) ([]byte, error) {
	wire, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid base64 ciphertext: %v", err), Err: ErrDecrypt}
	}
	if len(wire) < minWireBytes {
		return nil, &CryptoError{Message: fmt.Sprintf("ciphertext too short: %d bytes, minimum %d", len(wire), minWireBytes), Err: ErrDecrypt}
	}
	if wire[0] != boxVersion {
		return nil, &CryptoError{Message: fmt.Sprintf("unsupported box version %d", wire[0]), Err: ErrDecrypt}
	}

	key, err := sharedKey(secret, peerPubkey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &CryptoError{Message: "failed to init cipher", Err: err}
	}

	nonce := wire[1 : 1+nonceSize]
	plaintext, err := aead.Open(nil, nonce, wire[1+nonceSize:], []byte{boxVersion})
	if err != nil {
		return nil, &CryptoError{Message: "decryption failed: wrong key or tampered ciphertext", Err: ErrDecrypt}
	}
	return plaintext, nil
}

// sharedKey derives the symmetric key both parties compute for the pair.
func sharedKey(secret ed25519.PrivateKey, peerPubkey string) ([]byte, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid private key length: %d", len(secret))}
	}
	peerEd, err := event.DecodePubkey(peerPubkey)
	if err != nil {
		return nil, &CryptoError{Message: "invalid peer public key", Err: err}
	}
	peerX, err := ed25519PubToX25519(peerEd)
	if err != nil {
		return nil, &CryptoError{Message: "failed to convert peer key", Err: err}
	}

	ownPriv := ed25519SeedToX25519Private(secret.Seed())
	ownX, err := curve25519.X25519(ownPriv, curve25519.Basepoint)
	if err != nil {
		return nil, &CryptoError{Message: "failed to derive X25519 public key", Err: err}
	}

	shared, err := curve25519.X25519(ownPriv, peerX)
	if err != nil {
		return nil, &CryptoError{Message: "key agreement failed", Err: err}
	}

	// Salt is the two public keys in a fixed order so both sides agree on it.
	salt := make([]byte, 0, 64)
	if string(ownX) < string(peerX) {
		salt = append(append(salt, ownX...), peerX...)
	} else {
		salt = append(append(salt, peerX...), ownX...)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(boxInfo)), key); err != nil {
		return nil, &CryptoError{Message: "key derivation failed", Err: err}
	}
	return key, nil
}

// ed25519PubToX25519 converts an Ed25519 public key to an X25519 public key.
func ed25519PubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// ed25519SeedToX25519Private converts an Ed25519 seed to an X25519 private key.
func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}
