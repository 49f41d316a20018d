package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Keypair is the agent's long-lived identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Pubkey returns the hex encoded public key used as the agent identity on relays.
func (k Keypair) Pubkey() string {
	return hex.EncodeToString(k.Public)
}

// GenerateKeypair creates a fresh in-memory identity.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Keypair{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// LoadOrGenerateKeypair loads an Ed25519 keypair from path, or generates a new
// one and saves it if the file doesn't exist. The file holds the 64-byte private
// key, hex encoded.
func LoadOrGenerateKeypair(path string) (Keypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := hex.DecodeString(string(trimNewline(data)))
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			return Keypair{}, fmt.Errorf("invalid key file %s: expected %d hex encoded bytes", path, ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(raw)
		return Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return Keypair{}, fmt.Errorf("failed to read key file: %w", err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return Keypair{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return Keypair{}, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private)+"\n"), 0600); err != nil {
		return Keypair{}, fmt.Errorf("failed to write key file: %w", err)
	}
	return kp, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
