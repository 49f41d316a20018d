package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"d2a-agent/src/event"
	"d2a-agent/src/logger"
)

// queryIdle is how long a Query waits for more records before treating the log as
// caught up.
const queryIdle = 750 * time.Millisecond

var topicUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// TopicForRelay maps a relay name onto a Kafka topic. In Redpanda mode every relay
// in the configured list is one topic on the cluster.
func TopicForRelay(relay string) string {
	return "d2a.relay." + topicUnsafe.ReplaceAllString(relay, "_")
}

// RedpandaBroker is a Kafka-compatible broker implementation using franz-go.
// Records are keyed by author pubkey; replaceable semantics are applied on read.
type RedpandaBroker struct {
	client  *kgo.Client
	brokers []string
	log     logger.Logger

	mu        sync.RWMutex
	consumers map[*kgo.Client]struct{}
	closed    bool
}

// NewRedpandaBroker creates a new RedpandaBroker instance.
// brokers is a slice of broker addresses (e.g., ["localhost:19092"]).
func NewRedpandaBroker(brokers []string, log logger.Logger) (*RedpandaBroker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	return &RedpandaBroker{
		client:    client,
		brokers:   brokers,
		log:       log,
		consumers: make(map[*kgo.Client]struct{}),
	}, nil
}

// Publish produces ev once per relay topic.
func (b *RedpandaBroker) Publish(ctx context.Context, ev event.Event, relays []string) []PublishResult {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return failAll(relays, ErrClosed)
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return failAll(relays, fmt.Errorf("failed to encode event: %w", err))
	}

	relayByTopic := make(map[string]string, len(relays))
	records := make([]*kgo.Record, 0, len(relays))
	for _, relay := range relays {
		topic := TopicForRelay(relay)
		relayByTopic[topic] = relay
		records = append(records, &kgo.Record{
			Topic:     topic,
			Key:       []byte(ev.Pubkey),
			Value:     value,
			Timestamp: time.Unix(ev.CreatedAt, 0),
		})
	}

	outcome := make(map[string]error, len(relays))
	for _, res := range b.client.ProduceSync(ctx, records...) {
		if res.Err != nil {
			outcome[relayByTopic[res.Record.Topic]] = fmt.Errorf("failed to produce message: %w", res.Err)
		}
	}

	results := make([]PublishResult, len(relays))
	for i, relay := range relays {
		results[i] = PublishResult{Relay: relay, Err: outcome[relay]}
	}
	return results
}

// Query replays the relay topics from filter.Since and returns matching events.
func (b *RedpandaBroker) Query(ctx context.Context, filter event.Filter, relays []string) ([]event.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	offset := kgo.NewOffset().AtStart()
	if filter.Since > 0 {
		offset = kgo.NewOffset().AfterMilli(filter.Since * 1000)
	}
	consumer, err := b.newConsumer(relays, offset)
	if err != nil {
		return nil, err
	}
	defer b.releaseConsumer(consumer)

	var found []event.Event
	var fetchErr error
	for {
		pollCtx, cancel := context.WithTimeout(ctx, queryIdle)
		fetches := consumer.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}
		records := 0
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			fetchErr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			records++
			if ev, ok := b.decode(record); ok && filter.Matches(ev) {
				found = append(found, ev)
			}
		})

		if ctx.Err() != nil || records == 0 {
			break
		}
	}

	if len(found) == 0 && fetchErr != nil {
		return nil, fmt.Errorf("query failed: %w", fetchErr)
	}
	merged := mergeEvents(found)
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[len(merged)-filter.Limit:]
	}
	return merged, nil
}

// Subscribe consumes new records from the relay topics until ctx is cancelled.
func (b *RedpandaBroker) Subscribe(ctx context.Context, filter event.Filter, relays []string) (<-chan event.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	consumer, err := b.newConsumer(relays, kgo.NewOffset().AtEnd())
	if err != nil {
		return nil, err
	}

	msgChan := make(chan event.Event, subscriptionBuffer)
	go func() {
		<-ctx.Done()
		b.releaseConsumer(consumer)
	}()
	go b.consumeLoop(ctx, consumer, filter, msgChan)
	return msgChan, nil
}

func (b *RedpandaBroker) newConsumer(relays []string, offset kgo.Offset) (*kgo.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	topics := make([]string, len(relays))
	for i, relay := range relays {
		topics[i] = TopicForRelay(relay)
	}
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(offset),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	b.consumers[consumer] = struct{}{}
	return consumer, nil
}

func (b *RedpandaBroker) releaseConsumer(consumer *kgo.Client) {
	b.mu.Lock()
	_, owned := b.consumers[consumer]
	delete(b.consumers, consumer)
	b.mu.Unlock()
	if owned {
		consumer.Close()
	}
}

// consumeLoop continuously polls for records and sends matching events to the channel.
func (b *RedpandaBroker) consumeLoop(ctx context.Context, consumer *kgo.Client, filter event.Filter, msgChan chan<- event.Event) {
	defer close(msgChan)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			fetches := consumer.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return
			}

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, err := range errs {
					if ctx.Err() == nil {
						b.log.Warn("[RedpandaBroker] Fetch error: %v", err.Err)
					}
				}
				continue
			}

			fetches.EachRecord(func(record *kgo.Record) {
				ev, ok := b.decode(record)
				if !ok || !filter.Matches(ev) {
					return
				}
				select {
				case msgChan <- ev:
				case <-ctx.Done():
				}
			})
		}
	}
}

func (b *RedpandaBroker) decode(record *kgo.Record) (event.Event, bool) {
	var ev event.Event
	if err := json.Unmarshal(record.Value, &ev); err != nil {
		b.log.Debug("[RedpandaBroker] skipping undecodable record at %s/%d@%d", record.Topic, record.Partition, record.Offset)
		return event.Event{}, false
	}
	if err := ev.Verify(); err != nil {
		b.log.Debug("[RedpandaBroker] skipping record with bad signature: %v", err)
		return event.Event{}, false
	}
	return ev, true
}

// Close shuts down the broker and all consumer connections.
func (b *RedpandaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for consumer := range b.consumers {
		consumer.Close()
	}
	b.consumers = make(map[*kgo.Client]struct{})
	b.client.Close()
	return nil
}
