package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeypair(t *testing.T) Keypair {
	t.Helper()
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func TestBoxRoundTrip(t *testing.T) {
	alice, bob := mustKeypair(t), mustKeypair(t)
	box := NewBox()

	ct, err := box.Encrypt([]byte(`{"type":"accept"}`), alice.Private, bob.Pubkey())
	require.NoError(t, err)

	pt, err := box.Decrypt(ct, bob.Private, alice.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"accept"}`, string(pt))
}

func TestBoxBothDirectionsShareKey(t *testing.T) {
	alice, bob := mustKeypair(t), mustKeypair(t)
	box := NewBox()

	ct, err := box.Encrypt([]byte("reply"), bob.Private, alice.Pubkey())
	require.NoError(t, err)
	pt, err := box.Decrypt(ct, alice.Private, bob.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, "reply", string(pt))
}

func TestBoxCiphertextsDiffer(t *testing.T) {
	alice, bob := mustKeypair(t), mustKeypair(t)
	box := NewBox()

	ct1, err := box.Encrypt([]byte("same"), alice.Private, bob.Pubkey())
	require.NoError(t, err)
	ct2, err := box.Encrypt([]byte("same"), alice.Private, bob.Pubkey())
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}

func TestBoxDecryptFailures(t *testing.T) {
	alice, bob, eve := mustKeypair(t), mustKeypair(t), mustKeypair(t)
	box := NewBox()

	ct, err := box.Encrypt([]byte("secret"), alice.Private, bob.Pubkey())
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext string
		secret     Keypair
		peer       string
	}{
		{"wrong recipient", ct, eve, alice.Pubkey()},
		{"wrong claimed sender", ct, bob, eve.Pubkey()},
		{"not base64", "!!!not-base64", bob, alice.Pubkey()},
		{"too short", "AQID", bob, alice.Pubkey()},
		{"tampered", tamper(t, ct), bob, alice.Pubkey()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := box.Decrypt(tt.ciphertext, tt.secret.Private, tt.peer)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecrypt), "expected ErrDecrypt, got %v", err)
			var ce *CryptoError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestBoxRejectsBadPeerKey(t *testing.T) {
	alice := mustKeypair(t)
	_, err := NewBox().Encrypt([]byte("x"), alice.Private, "not-hex")
	assert.Error(t, err)
}

func TestLoadOrGenerateKeypair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "agent.key")

	first, err := LoadOrGenerateKeypair(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrGenerateKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, first.Pubkey(), second.Pubkey())

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = LoadOrGenerateKeypair(path)
	assert.Error(t, err)
}

func tamper(t *testing.T, ct string) string {
	t.Helper()
	b := []byte(ct)
	// Flip a character inside the ciphertext body, keeping valid base64.
	i := len(b) / 2
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
