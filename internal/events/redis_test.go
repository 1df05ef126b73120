package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

// fakeRedis implements the commands the publisher and cursor use. Any other
// command panics on the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable
	err     error
	streams map[string][]*redis.XAddArgs
	keys    map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{streams: map[string][]*redis.XAddArgs{}, keys: map[string]string{}}
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "xadd", a.Stream)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.streams[a.Stream] = append(f.streams[a.Stream], a)
	cmd.SetVal(fmt.Sprintf("%d-0", len(f.streams[a.Stream])))
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	v, ok := f.keys[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.keys[key] = fmt.Sprint(value)
	cmd.SetVal("OK")
	return cmd
}

func TestRedisPublisherAppendsToStream(t *testing.T) {
	client := newFakeRedis()
	pub := NewRedisPublisher(client, "", 500)

	e := domain.Event{Seq: 4, Kind: domain.EventRefunded, CommitmentID: 2, At: 1_234}
	require.NoError(t, pub.Publish(context.Background(), e))

	entries := client.streams[DefaultStream]
	require.Len(t, entries, 1)
	assert.EqualValues(t, 500, entries[0].MaxLen)
	values := entries[0].Values.(map[string]any)
	assert.Equal(t, "4", values["seq"])

	var decoded domain.Event
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, e, decoded)
}

func TestRedisPublisherWrapsErrors(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	pub := NewRedisPublisher(client, "events", 0)

	err := pub.Publish(context.Background(), domain.Event{Seq: 1, Kind: domain.EventClaimed})
	require.ErrorContains(t, err, "xadd events")
	require.ErrorIs(t, err, client.err)
}

func TestRedisCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	cur := NewRedisCursor(client, "events")

	seq, err := cur.Load(ctx)
	require.NoError(t, err, "a missing key starts from zero")
	assert.Zero(t, seq)

	require.NoError(t, cur.Save(ctx, 42))
	assert.Equal(t, "42", client.keys["events:cursor"])

	seq, err = cur.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
}

func TestRedisCursorErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	client.keys["events:cursor"] = "not-a-number"
	cur := NewRedisCursor(client, "events")

	_, err := cur.Load(ctx)
	require.Error(t, err)

	client.err = errors.New("timeout")
	_, err = cur.Load(ctx)
	require.ErrorIs(t, err, client.err)
	require.ErrorIs(t, cur.Save(ctx, 1), client.err)
}

func TestRelayOverRedis(t *testing.T) {
	client := newFakeRedis()
	src := &sliceSource{events: seqEvents(3)}
	r := NewRelay(src, NewRedisPublisher(client, "s", 0), NewRedisCursor(client, "s"), WithLogger(quietLogger()))

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, client.streams["s"], 3)
	assert.Equal(t, "3", client.keys["s:cursor"])

	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestRedisIntegration needs a running Redis named by COMMITFUND_TEST_REDIS_ADDR.
func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("COMMITFUND_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COMMITFUND_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := NewRedisClient(addr, "", 0)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	stream := fmt.Sprintf("commitfund:test:%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(context.Background(), stream, stream+":cursor") })

	r := NewRelay(&sliceSource{events: seqEvents(3)}, NewRedisPublisher(client, stream, 100), NewRedisCursor(client, stream), WithLogger(quietLogger()))
	n, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	length, err := client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, length)

	seq, err := NewRedisCursor(client, stream).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}
