package handshake

import (
	"errors"
	"fmt"
	"time"

	"d2a-agent/src/contracts"
	"d2a-agent/src/crypto"
	"d2a-agent/src/event"
)

// ErrNotAddressed is returned for envelopes that are not negotiation messages for
// the local identity.
var ErrNotAddressed = errors.New("event not addressed to this agent")

// Codec seals negotiation messages into encrypted, signed relay events and opens
// inbound ones.
type Codec struct {
	cipher crypto.Cipher
	keys   crypto.Keypair
}

// NewCodec creates a codec for the local identity.
func NewCodec(cipher crypto.Cipher, keys crypto.Keypair) *Codec {
	return &Codec{cipher: cipher, keys: keys}
}

// Seal encodes, encrypts and signs m for peer. The recipient and message kind travel
// in the clear tags; the payload does not.
func (c *Codec) Seal(peer string, m contracts.Message, now time.Time) (event.Event, error) {
	plaintext, err := contracts.EncodeMessage(m)
	if err != nil {
		return event.Event{}, err
	}
	ciphertext, err := c.cipher.Encrypt(plaintext, c.keys.Private, peer)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to encrypt %s for %s: %w", m.Kind(), Short(peer), err)
	}

	ev := event.Event{
		CreatedAt: now.Unix(),
		Kind:      contracts.KindMessage,
		Tags: event.Tags{
			{contracts.TagRecipient, peer},
			{contracts.TagMessageKind, string(m.Kind())},
		},
		Content: ciphertext,
	}
	if err := ev.Sign(c.keys.Private); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// Open validates the envelope, then decrypts and decodes the payload. Any failure
// means the event must be dropped.
func (c *Codec) Open(ev event.Event) (contracts.Message, error) {
	if ev.Kind != contracts.KindMessage {
		return nil, fmt.Errorf("%w: kind %d", ErrNotAddressed, ev.Kind)
	}
	if to, _ := ev.Tags.Value(contracts.TagRecipient); to != c.keys.Pubkey() {
		return nil, fmt.Errorf("%w: recipient %s", ErrNotAddressed, Short(to))
	}
	if err := ev.Verify(); err != nil {
		return nil, fmt.Errorf("invalid envelope from %s: %w", Short(ev.Pubkey), err)
	}

	plaintext, err := c.cipher.Decrypt(ev.Content, c.keys.Private, ev.Pubkey)
	if err != nil {
		return nil, err
	}
	return contracts.DecodeMessage(plaintext)
}

// Short abbreviates a pubkey for log lines and activity entries.
func Short(pubkey string) string {
	if len(pubkey) <= 12 {
		return pubkey
	}
	return pubkey[:12]
}
