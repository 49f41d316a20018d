package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"d2a-agent/src/contracts"
	"d2a-agent/src/handshake"
	"d2a-agent/src/ledger"
	"d2a-agent/src/metrics"
)

type settlementResult struct {
	match ledger.Match
	err   error
}

// settle records the exchange with the ledger in the background. The result comes
// back to the loop through m.settled; the handshake is never unwound.
func (m *Manager) settle(ctx context.Context, sender contracts.AgentProfile, hs contracts.HandshakeState, item contracts.ContentItem) {
	if m.ledger == nil {
		return
	}
	receiver := m.cfg.LedgerID
	if receiver == "" {
		receiver = m.keys.Pubkey()
	}
	match := ledger.Match{
		ID:               uuid.NewString(),
		SenderLedgerID:   sender.LedgerID,
		ReceiverLedgerID: receiver,
		SenderPubkey:     sender.Pubkey,
		ReceiverPubkey:   m.keys.Pubkey(),
		Topic:            hs.Topic,
		Composite:        item.Scores.Composite,
		Fee:              ledger.FeeForScore(item.Scores.Composite),
		At:               m.now(),
	}

	go func() {
		var err error
		start := time.Now()
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("ledger panicked: %v", r)
				}
			}()
			sctx, cancel := m.withTimeout(ctx)
			defer cancel()
			err = m.ledger.RecordMatch(sctx, match)
		}()
		metrics.SettlementLatency.Observe(time.Since(start).Seconds())

		select {
		case m.settled <- settlementResult{match: match, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) handleSettlement(res settlementResult) {
	peer := res.match.SenderPubkey
	if res.err == nil {
		metrics.Settlements.WithLabelValues("ok").Inc()
		m.logger.Info("[Agent] Settled %d with %s", res.match.Fee, handshake.Short(peer))
		m.record(contracts.ActivitySettled, peer, "settled fee %d with %s", res.match.Fee, handshake.Short(peer))
		m.publish()
		return
	}

	metrics.Settlements.WithLabelValues("failed").Inc()
	m.logger.Warn("[Agent] Settlement with %s failed: %v", handshake.Short(peer), res.err)
	m.record(contracts.ActivitySettlementFailed, peer, "settlement with %s failed: %v", handshake.Short(peer), res.err)
	m.publish()
	m.raiseNotice(contracts.Notice{
		At:      m.now(),
		Peer:    peer,
		Message: fmt.Sprintf("settlement of %q with %s failed: %v", res.match.Topic, handshake.Short(peer), res.err),
	})
}
