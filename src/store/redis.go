package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"d2a-agent/src/contracts"
)

// RedisStore keeps affinities in a hash and the feed in a sorted set scored by
// creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store. Keys are namespaced under prefix
// (default "d2a").
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	if prefix == "" {
		prefix = "d2a"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) affinitiesKey() string {
	return s.prefix + ":affinities"
}

func (s *RedisStore) feedKey() string {
	return s.prefix + ":feed"
}

func (s *RedisStore) itemKey(id string) string {
	return fmt.Sprintf("%s:item:%s", s.prefix, id)
}

// Affinities returns a snapshot of topic -> weight.
func (s *RedisStore) Affinities(ctx context.Context) (map[string]float64, error) {
	raw, err := s.client.HGetAll(ctx, s.affinitiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read affinities: %w", err)
	}

	affinities := make(map[string]float64, len(raw))
	for topic, v := range raw {
		weight, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight for %s: %w", topic, err)
		}
		affinities[topic] = weight
	}
	return affinities, nil
}

// SetAffinity sets the weight for a topic.
func (s *RedisStore) SetAffinity(ctx context.Context, topic string, weight float64) error {
	if err := checkAffinity(topic, weight); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.affinitiesKey(), topic, strconv.FormatFloat(weight, 'f', -1, 64)).Err(); err != nil {
		return fmt.Errorf("failed to set affinity: %w", err)
	}
	return nil
}

// Items returns the feed, newest first. Ids whose item record is missing are skipped.
func (s *RedisStore) Items(ctx context.Context) ([]contracts.ContentItem, error) {
	ids, err := s.client.ZRevRange(ctx, s.feedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	if len(ids) == 0 {
		return []contracts.ContentItem{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read feed items: %w", err)
	}

	items := make([]contracts.ContentItem, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var item contracts.ContentItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("failed to decode feed item %s: %w", ids[i], err)
		}
		items = append(items, item)
	}
	return items, nil
}

// AddItem stores the item record and indexes it in the feed in one transaction.
func (s *RedisStore) AddItem(ctx context.Context, item contracts.ContentItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal feed item: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.itemKey(item.ID), data, 0)
		pipe.ZAdd(ctx, s.feedKey(), redis.Z{
			Score:  float64(item.CreatedAt.UnixMilli()),
			Member: item.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save feed item: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
