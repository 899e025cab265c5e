package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// CounterBackend tracks rolling per-(event type, source IP) occurrence
// counts used by alert-threshold evaluation.
type CounterBackend interface {
	Increment(eventType EventType, sourceIP string, window time.Duration) error
	Count(eventType EventType, sourceIP string, window time.Duration) (int, error)
	Close() error
}

// MemoryCounters keeps rolling counters in process memory. This is the
// default backend for single-node deployments.
type MemoryCounters struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{buckets: make(map[string][]time.Time)}
}

func counterKey(eventType EventType, sourceIP string) string {
	return string(eventType) + ":" + sourceIP
}

func (m *MemoryCounters) Increment(eventType EventType, sourceIP string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey(eventType, sourceIP)
	now := time.Now()
	cutoff := now.Add(-window)

	kept := m.buckets[key][:0]
	for _, ts := range m.buckets[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.buckets[key] = append(kept, now)
	return nil
}

func (m *MemoryCounters) Count(eventType EventType, sourceIP string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, ts := range m.buckets[counterKey(eventType, sourceIP)] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryCounters) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string][]time.Time)
	return nil
}

// RedisCounters implements CounterBackend on Redis sorted sets so
// multiple nodes share one alerting view. Entries are scored by
// timestamp; each increment trims entries outside the window.
type RedisCounters struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

// NewRedisCounters connects to Redis and verifies the connection before
// returning.
func NewRedisCounters(addr, password string, db int, keyPrefix string) (*RedisCounters, error) {
	if keyPrefix == "" {
		keyPrefix = "zerotrust:events:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCounters{
		client:    client,
		keyPrefix: keyPrefix,
		timeout:   3 * time.Second,
	}, nil
}

func (r *RedisCounters) key(eventType EventType, sourceIP string) string {
	return r.keyPrefix + "count:" + string(eventType) + ":" + sourceIP
}

func (r *RedisCounters) Increment(eventType EventType, sourceIP string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	key := r.key(eventType, sourceIP)
	now := time.Now()
	minTimeNano := now.Add(-window).UnixNano()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(minTimeNano, 10))
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment event counter: %w", err)
	}
	return nil
}

func (r *RedisCounters) Count(eventType EventType, sourceIP string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	minTime := time.Now().Add(-window)
	count, err := r.client.ZCount(ctx, r.key(eventType, sourceIP),
		strconv.FormatInt(minTime.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int(count), nil
}

func (r *RedisCounters) Close() error {
	return r.client.Close()
}
