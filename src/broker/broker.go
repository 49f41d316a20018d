// Package broker defines the relay transport used by agents and provides implementations.
package broker

import (
	"context"
	"errors"
	"fmt"

	"d2a-agent/src/event"
)

var (
	ErrClosed    = errors.New("broker is closed")
	ErrNoRelays  = errors.New("no relays configured")
	ErrRelayDown = errors.New("relay unavailable")
)

// Broker abstracts the public relay network.
// Delivery is at-most-once per relay and unordered; callers must tolerate duplicates,
// gaps and reordering.
type Broker interface {
	// Publish sends ev to every relay and reports the outcome per relay.
	Publish(ctx context.Context, ev event.Event, relays []string) []PublishResult

	// Query returns stored events matching filter, merged across relays and
	// de-duplicated by id. It fails only if every relay failed.
	Query(ctx context.Context, filter event.Filter, relays []string) ([]event.Event, error)

	// Subscribe streams events matching filter from every relay until ctx is
	// cancelled, at which point the channel is closed.
	Subscribe(ctx context.Context, filter event.Filter, relays []string) (<-chan event.Event, error)

	// Close shuts down all relay connections.
	Close() error
}

// PublishResult is the outcome of publishing one event to one relay.
type PublishResult struct {
	Relay string
	Err   error
}

// Delivered reports whether at least one relay accepted the event.
func Delivered(results []PublishResult) bool {
	for _, r := range results {
		if r.Err == nil {
			return true
		}
	}
	return false
}

// Err joins the per-relay failures. It returns nil if any relay succeeded.
func Err(results []PublishResult) error {
	if len(results) == 0 {
		return ErrNoRelays
	}
	if Delivered(results) {
		return nil
	}
	errs := make([]error, 0, len(results))
	for _, r := range results {
		errs = append(errs, fmt.Errorf("%s: %w", r.Relay, r.Err))
	}
	return errors.Join(errs...)
}

// failAll reports err for every relay.
func failAll(relays []string, err error) []PublishResult {
	if len(relays) == 0 {
		return nil
	}
	results := make([]PublishResult, len(relays))
	for i, relay := range relays {
		results[i] = PublishResult{Relay: relay, Err: err}
	}
	return results
}

// mergeEvents de-duplicates by id and keeps only the newest event per address for
// replaceable kinds.
func mergeEvents(events []event.Event) []event.Event {
	seen := make(map[string]struct{}, len(events))
	latest := make(map[string]int)
	var out []event.Event
	for _, ev := range events {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}

		if event.IsReplaceable(ev.Kind) {
			addr := ev.Address()
			if i, ok := latest[addr]; ok {
				if ev.CreatedAt > out[i].CreatedAt {
					out[i] = ev
				}
				continue
			}
			latest[addr] = len(out)
		}
		out = append(out, ev)
	}
	return out
}
