// Package ledger records completed exchanges with an external settlement service.
// Settlement is best effort: the protocol never waits on it or unwinds because of it.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned by ledgers that refuse to record matches.
var ErrUnavailable = errors.New("ledger unavailable")

// Match is one completed exchange to settle. The sender is paid the fee by the
// receiver.
type Match struct {
	ID string `json:"id"`

	// Settlement identities, as advertised in presence records.
	SenderLedgerID   string `json:"sender_ledger_id"`
	ReceiverLedgerID string `json:"receiver_ledger_id"`

	// Protocol identities.
	SenderPubkey   string `json:"sender_pubkey"`
	ReceiverPubkey string `json:"receiver_pubkey"`

	Topic     string    `json:"topic"`
	Composite float64   `json:"composite"`
	Fee       int       `json:"fee"`
	At        time.Time `json:"at"`
}

// Ledger records matches.
type Ledger interface {
	RecordMatch(ctx context.Context, m Match) error
}

// FeeForScore is the tiered fee for a delivered item's composite score.
func FeeForScore(composite float64) int {
	switch {
	case composite >= 9:
		return 3
	case composite >= 8:
		return 2
	default:
		return 1
	}
}

// MemoryLedger keeps matches in memory. Used for tests and demos.
type MemoryLedger struct {
	mu      sync.Mutex
	matches []Match
	err     error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// SetError makes every RecordMatch fail with err. nil restores normal operation.
func (l *MemoryLedger) SetError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// RecordMatch stores m.
func (l *MemoryLedger) RecordMatch(ctx context.Context, m Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.matches = append(l.matches, m)
	return nil
}

// Matches returns the recorded matches in order.
func (l *MemoryLedger) Matches() []Match {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Match(nil), l.matches...)
}
