package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

// DefaultStream is the stream events are appended to when none is configured.
const DefaultStream = "commitfund:events"

// NewRedisClient creates a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisPublisher publishes to stream, trimming it approximately to maxLen
// entries when maxLen is positive.
func NewRedisPublisher(client redis.Cmdable, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, e domain.Event) error {
	args, err := xaddArgs(p.stream, p.maxLen, e)
	if err != nil {
		return err
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func xaddArgs(stream string, maxLen int64, e domain.Event) (*redis.XAddArgs, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", e.Seq, err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"seq":           strconv.FormatUint(e.Seq, 10),
			"kind":          string(e.Kind),
			"commitment_id": strconv.FormatUint(e.CommitmentID, 10),
			"payload":       string(payload),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args, nil
}

// RedisCursor keeps the relay position in a plain Redis key.
type RedisCursor struct {
	client redis.Cmdable
	key    string
}

func NewRedisCursor(client redis.Cmdable, stream string) *RedisCursor {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisCursor{client: client, key: stream + ":cursor"}
}

func (c *RedisCursor) Load(ctx context.Context) (uint64, error) {
	v, err := c.client.Get(ctx, c.key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", c.key, err)
	}
	return v, nil
}

func (c *RedisCursor) Save(ctx context.Context, seq uint64) error {
	if err := c.client.Set(ctx, c.key, seq, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", c.key, err)
	}
	return nil
}
