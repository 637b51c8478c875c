package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/registry"
)

// KEYS: order zset, non-critical zset, timestamp zset, message hash, recipient set, sequence
// ARGV: id, payload, critical flag, now ms, max, ttl ms, recipient
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[4], ARGV[1]) == 1 then
	return {}
end
local seq = redis.call('INCR', KEYS[6])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
if ARGV[3] == '0' then
	redis.call('ZADD', KEYS[2], seq, ARGV[1])
end
redis.call('SADD', KEYS[5], ARGV[7])
local evicted = {}
local max = tonumber(ARGV[5])
while max > 0 and redis.call('ZCARD', KEYS[1]) > max do
	local oldest = redis.call('ZRANGE', KEYS[2], 0, 0)
	if #oldest == 0 then
		break
	end
	local id = oldest[1]
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZREM', KEYS[3], id)
	redis.call('HDEL', KEYS[4], id)
	table.insert(evicted, id)
end
for i = 1, 4 do
	redis.call('PEXPIRE', KEYS[i], ARGV[6])
end
redis.call('PEXPIRE', KEYS[6], ARGV[6])
return evicted
`)

// KEYS: order zset, non-critical zset, timestamp zset, message hash, recipient set
// ARGV: recipient, ids...
var removeScript = redis.NewScript(`
local removed = 0
for i = 2, #ARGV do
	removed = removed + redis.call('HDEL', KEYS[4], ARGV[i])
	redis.call('ZREM', KEYS[1], ARGV[i])
	redis.call('ZREM', KEYS[2], ARGV[i])
	redis.call('ZREM', KEYS[3], ARGV[i])
end
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[5], ARGV[1])
end
return removed
`)

// KEYS: order zset, non-critical zset, timestamp zset, message hash, recipient set
// ARGV: recipient, cutoff ms
var purgeScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZREM', KEYS[3], id)
	redis.call('HDEL', KEYS[4], id)
end
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[5], ARGV[1])
end
return #ids
`)

// RedisStore implements Store with sorted sets and a payload hash per recipient.
// Keys share the {prefix} hash tag so each script stays within one cluster slot.
type RedisStore struct {
	logger *zap.Logger
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(logger *zap.Logger, client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		logger: logger.Named("backlog.store.redis"),
		client: client,
		prefix: "{" + prefix + "}",
	}
}

func (s *RedisStore) keys(recipient string) []string {
	return []string{
		s.prefix + ":backlog:" + recipient,
		s.prefix + ":backlog_nc:" + recipient,
		s.prefix + ":backlog_ts:" + recipient,
		s.prefix + ":backlog_msg:" + recipient,
		s.recipientsKey(),
	}
}

func (s *RedisStore) seqKey(recipient string) string {
	return s.prefix + ":backlog_seq:" + recipient
}

func (s *RedisStore) recipientsKey() string {
	return s.prefix + ":backlog_recipients"
}

// storedEntry is the hash value; the order comes from the zset score
type storedEntry struct {
	Envelope   *registry.Envelope `json:"envelope"`
	EnqueuedAt int64              `json:"enqueued_at"`
}

// Enqueue implements Store.Enqueue
func (s *RedisStore) Enqueue(ctx context.Context, recipient string, env *registry.Envelope, max int, ttl time.Duration) ([]string, error) {
	now := time.Now()
	payload, err := json.Marshal(&storedEntry{Envelope: env, EnqueuedAt: now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backlog entry: %w", err)
	}
	critical := "0"
	if env.Priority.Critical() {
		critical = "1"
	}

	evicted, err := enqueueScript.Run(ctx, s.client,
		append(s.keys(recipient), s.seqKey(recipient)),
		env.MessageID, string(payload), critical, now.UnixMilli(), max, ttl.Milliseconds(), recipient,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue backlog entry: %w", err)
	}
	return evicted, nil
}

// Pending implements Store.Pending
func (s *RedisStore) Pending(ctx context.Context, recipient string) ([]*Entry, error) {
	k := s.keys(recipient)
	members, err := s.client.ZRangeWithScores(ctx, k[0], 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog order: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member.(string)
	}
	vals, err := s.client.HMGet(ctx, k[3], ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog payloads: %w", err)
	}

	out := make([]*Entry, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var se storedEntry
		if err := json.Unmarshal([]byte(raw), &se); err != nil || se.Envelope == nil {
			s.logger.Warn("dropping undecodable backlog entry",
				zap.String("recipient", recipient),
				zap.String("message_id", ids[i]),
				zap.Error(err))
			continue
		}
		se.Envelope.Recipient = recipient
		out = append(out, &Entry{
			Recipient:  recipient,
			Envelope:   se.Envelope,
			EnqueuedAt: time.UnixMilli(se.EnqueuedAt),
			Seq:        int64(members[i].Score),
		})
	}
	return out, nil
}

// Remove implements Store.Remove
func (s *RedisStore) Remove(ctx context.Context, recipient string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, recipient)
	for _, id := range ids {
		args = append(args, id)
	}
	n, err := removeScript.Run(ctx, s.client, s.keys(recipient), args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to remove backlog entries: %w", err)
	}
	return n, nil
}

// PurgeBefore implements Store.PurgeBefore
func (s *RedisStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	recipients, err := s.client.SMembers(ctx, s.recipientsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list backlog recipients: %w", err)
	}
	total := 0
	for _, r := range recipients {
		n, err := purgeScript.Run(ctx, s.client, s.keys(r), r, strconv.FormatInt(cutoff.UnixMilli(), 10)).Int()
		if err != nil {
			return total, fmt.Errorf("failed to purge backlog for %s: %w", r, err)
		}
		total += n
	}
	return total, nil
}

// Depth implements Store.Depth
func (s *RedisStore) Depth(ctx context.Context) (int64, error) {
	recipients, err := s.client.SMembers(ctx, s.recipientsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list backlog recipients: %w", err)
	}
	if len(recipients) == 0 {
		return 0, nil
	}
	cmds := make([]*redis.IntCmd, len(recipients))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, r := range recipients {
			cmds[i] = p.ZCard(ctx, s.keys(r)[0])
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count backlog: %w", err)
	}
	var n int64
	for _, c := range cmds {
		n += c.Val()
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
