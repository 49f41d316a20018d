package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"d2a-agent/src/event"
)

// InMemoryBroker simulates a set of named relays inside one process. Relays are
// created on first use. Used by tests, the demo and single-process local mode.
type InMemoryBroker struct {
	mu      sync.Mutex
	relays  map[string]*memoryRelay
	nextID  int
	closed  bool
	verbose bool
}

type memoryRelay struct {
	down   bool
	events map[string]event.Event // id -> event
	slots  map[string]string      // replaceable address -> id
	subs   map[int]*memorySub
}

type memorySub struct {
	filter event.Filter
	ch     chan event.Event
}

// subscriptionBuffer bounds each subscriber channel. A full channel drops events,
// matching the at-most-once delivery of real relays.
const subscriptionBuffer = 256

// NewInMemoryBroker creates a new InMemoryBroker instance.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{relays: make(map[string]*memoryRelay)}
}

// SetVerbose enables or disables verbose logging.
func (b *InMemoryBroker) SetVerbose(verbose bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verbose = verbose
}

// SetRelayDown makes a relay fail every publish and query until it is brought back.
func (b *InMemoryBroker) SetRelayDown(relay string, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay(relay).down = down
}

// Stored returns the events a relay currently holds, oldest first.
func (b *InMemoryBroker) Stored(relay string) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.relays[relay]
	if !ok {
		return nil
	}
	out := make([]event.Event, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// relay must be called with b.mu held.
func (b *InMemoryBroker) relay(name string) *memoryRelay {
	r, ok := b.relays[name]
	if !ok {
		r = &memoryRelay{
			events: make(map[string]event.Event),
			slots:  make(map[string]string),
			subs:   make(map[int]*memorySub),
		}
		b.relays[name] = r
	}
	return r
}

// Publish stores ev on each relay and fans it out to matching subscribers.
func (b *InMemoryBroker) Publish(ctx context.Context, ev event.Event, relays []string) []PublishResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return failAll(relays, ErrClosed)
	}
	if err := ev.Verify(); err != nil {
		return failAll(relays, fmt.Errorf("rejected event %s: %w", ev.ID, err))
	}

	results := make([]PublishResult, 0, len(relays))
	for _, name := range relays {
		if err := ctx.Err(); err != nil {
			results = append(results, PublishResult{Relay: name, Err: err})
			continue
		}
		r := b.relay(name)
		if r.down {
			results = append(results, PublishResult{Relay: name, Err: ErrRelayDown})
			continue
		}
		if _, dup := r.events[ev.ID]; dup {
			results = append(results, PublishResult{Relay: name})
			continue
		}

		r.store(ev)
		for _, sub := range r.subs {
			if !sub.filter.Matches(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
		results = append(results, PublishResult{Relay: name})
	}

	if b.verbose {
		fmt.Printf("[InMemoryBroker] Published kind %d event %s to %d relays\n", ev.Kind, ev.ID, len(relays))
	}
	return results
}

func (r *memoryRelay) store(ev event.Event) {
	if event.IsEphemeral(ev.Kind) {
		return
	}
	if event.IsReplaceable(ev.Kind) {
		addr := ev.Address()
		if oldID, ok := r.slots[addr]; ok {
			if r.events[oldID].CreatedAt > ev.CreatedAt {
				return
			}
			delete(r.events, oldID)
		}
		r.slots[addr] = ev.ID
	}
	r.events[ev.ID] = ev
}

// Query returns matching stored events from every reachable relay.
func (b *InMemoryBroker) Query(ctx context.Context, filter event.Filter, relays []string) ([]event.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var found []event.Event
	failures := 0
	for _, name := range relays {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := b.relay(name)
		if r.down {
			failures++
			continue
		}
		for _, ev := range r.events {
			if filter.Matches(ev) {
				found = append(found, ev)
			}
		}
	}
	if failures == len(relays) {
		return nil, fmt.Errorf("query failed on all %d relays: %w", failures, ErrRelayDown)
	}

	merged := mergeEvents(found)
	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt > merged[j].CreatedAt })
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// Subscribe registers filter on every relay. Events published to several relays
// are delivered once per relay.
func (b *InMemoryBroker) Subscribe(ctx context.Context, filter event.Filter, relays []string) (<-chan event.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	id := b.nextID
	sub := &memorySub{filter: filter, ch: make(chan event.Event, subscriptionBuffer)}
	for _, name := range relays {
		b.relay(name).subs[id] = sub
	}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubscribe(id, sub)
	}()

	return sub.ch, nil
}

// unsubscribe must be called with b.mu held. It is a no-op if Close already ran.
func (b *InMemoryBroker) unsubscribe(id int, sub *memorySub) {
	if b.closed {
		return
	}
	for _, r := range b.relays {
		delete(r.subs, id)
	}
	close(sub.ch)
}

// Close closes every subscription channel.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	closed := make(map[*memorySub]struct{})
	for _, r := range b.relays {
		for id, sub := range r.subs {
			if _, done := closed[sub]; !done {
				close(sub.ch)
				closed[sub] = struct{}{}
			}
			delete(r.subs, id)
		}
	}
	return nil
}
