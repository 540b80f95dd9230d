package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBatchQueue is a FIFO of batch IDs waiting for a worker
type RedisBatchQueue struct {
	client redis.Cmdable
	key    string
}

// NewRedisBatchQueue creates a queue stored under key
func NewRedisBatchQueue(client redis.Cmdable, key string) *RedisBatchQueue {
	if key == "" {
		key = "batches:queue"
	}
	return &RedisBatchQueue{client: client, key: key}
}

// Enqueue adds a batch to the queue
func (q *RedisBatchQueue) Enqueue(ctx context.Context, batchID string) error {
	if err := q.client.LPush(ctx, q.key, batchID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue batch %s: %w", batchID, err)
	}
	return nil
}

// Dequeue waits up to timeout for the oldest batch. It reports false when none arrived.
func (q *RedisBatchQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	// BRPOP returns [key, value]
	if len(result) != 2 {
		return "", false, fmt.Errorf("unexpected BRPOP reply: %v", result)
	}
	return result[1], true, nil
}

// Len returns the number of waiting batches
func (q *RedisBatchQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
