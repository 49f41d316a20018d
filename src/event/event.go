// Package event implements the signed relay event envelope shared by presence
// records and negotiation messages, together with the filters relays match against.
package event

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidPubkey    = errors.New("invalid public key")
	ErrIDMismatch       = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Tag is one tag array, e.g. ["p", "<pubkey>"].
type Tag []string

// Name returns the tag name, or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value of the tag.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// Value returns the first value of the first tag named name.
func (ts Tags) Value(name string) (string, bool) {
	for _, t := range ts {
		if t.Name() == name && len(t) >= 2 {
			return t[1], true
		}
	}
	return "", false
}

// Values returns the first value of every tag named name, in order.
func (ts Tags) Values(name string) []string {
	var out []string
	for _, t := range ts {
		if t.Name() == name && len(t) >= 2 {
			out = append(out, t[1])
		}
	}
	return out
}

// Event is a signed relay event.
type Event struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// signable returns the canonical serialization the id is derived from.
func (e *Event) signable() []byte {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	data, _ := json.Marshal([]interface{}{0, e.Pubkey, e.CreatedAt, e.Kind, tags, e.Content})
	return data
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.signable())
	return hex.EncodeToString(sum[:])
}

// Sign sets Pubkey, ID and Sig from priv.
func (e *Event) Sign(priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("failed to sign event: private key is %d bytes", len(priv))
	}
	e.Pubkey = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	e.ID = e.ComputeID()
	id, _ := hex.DecodeString(e.ID)
	e.Sig = hex.EncodeToString(ed25519.Sign(priv, id))
	return nil
}

// Verify checks that the id matches the content and that the signature was made by Pubkey.
func (e *Event) Verify() error {
	pub, err := DecodePubkey(e.Pubkey)
	if err != nil {
		return err
	}
	if e.ComputeID() != e.ID {
		return ErrIDMismatch
	}
	id, err := hex.DecodeString(e.ID)
	if err != nil {
		return ErrIDMismatch
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pub, id, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// DecodePubkey parses a hex encoded ed25519 public key.
func DecodePubkey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPubkey, s)
	}
	return ed25519.PublicKey(raw), nil
}

// IsEphemeral reports whether relays should forward but not store events of kind.
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// IsReplaceable reports whether relays keep only the newest event per address.
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000) || (kind >= 30000 && kind < 40000)
}

// Address identifies the slot a replaceable event occupies on a relay.
func (e *Event) Address() string {
	d, _ := e.Tags.Value("d")
	return fmt.Sprintf("%d:%s:%s", e.Kind, e.Pubkey, d)
}
