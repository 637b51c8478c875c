package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Keys are wrapped in a {prefix} hash tag so a script touching the record and both
// indexes stays within one cluster slot.

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'user_id', ARGV[2], 'context_id', ARGV[3], 'created_at', ARGV[4],
	'last_activity', ARGV[5], 'expires_at', ARGV[6], 'fingerprint', ARGV[7], 'active', '1')
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

var touchScript = redis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'active', 'expires_at')
if rec[1] ~= '1' then
	return 0
end
local exp = tonumber(rec[2])
if not exp or exp <= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'last_activity', ARGV[1], 'expires_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var updateContextScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'context_id', ARGV[1])
return 1
`)

var destroyScript = redis.NewScript(`
local uid = redis.call('HGET', KEYS[1], 'user_id')
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
if uid then
	redis.call('SREM', ARGV[2] .. uid, ARGV[1])
end
return 1
`)

var destroyUserScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[1] .. id)
	redis.call('SREM', KEYS[2], id)
end
redis.call('DEL', KEYS[1])
return ids
`)

const (
	sweepBatch     = 200
	createAttempts = 2
)

// RedisStore implements Store on Redis hashes with set indexes
type RedisStore struct {
	logger *zap.Logger
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	newID  func() (string, error)
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an already connected client
func NewRedisStore(logger *zap.Logger, client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		logger: logger.Named("session.store.redis"),
		client: client,
		prefix: "{" + prefix + "}",
		ttl:    ttl,
		newID:  NewID,
	}
}

func (s *RedisStore) sessionKey(id string) string {
	return s.sessionKeyPrefix() + id
}

func (s *RedisStore) sessionKeyPrefix() string {
	return s.prefix + ":session:"
}

func (s *RedisStore) userKey(userID string) string {
	return s.userKeyPrefix() + userID
}

func (s *RedisStore) userKeyPrefix() string {
	return s.prefix + ":user_sessions:"
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":session_index:all"
}

// Create implements Store.Create. A taken id is retried once with a fresh one.
func (s *RedisStore) Create(ctx context.Context, userID, contextID, fingerprint string) (*Session, error) {
	for attempt := 1; attempt <= createAttempts; attempt++ {
		sess, err := newSession(s.newID, userID, contextID, fingerprint, s.ttl)
		if err != nil {
			return nil, err
		}

		ok, err := createScript.Run(ctx, s.client,
			[]string{s.sessionKey(sess.ID), s.userKey(userID), s.indexKey()},
			sess.ID, userID, contextID,
			sess.CreatedAt.UnixMilli(), sess.LastActivity.UnixMilli(), sess.ExpiresAt.UnixMilli(),
			fingerprint, s.ttl.Milliseconds(),
		).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		if ok == 1 {
			return sess, nil
		}
		s.logger.Warn("session id already taken", zap.String("user_id", userID), zap.Int("attempt", attempt))
	}
	return nil, ErrSessionIDCollision
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	sess := decodeSession(id, fields)
	if !sess.Valid(time.Now()) {
		return sess, ErrSessionExpired
	}
	return sess, nil
}

// Touch implements Store.Touch
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	now := time.Now()
	err := touchScript.Run(ctx, s.client, []string{s.sessionKey(id)},
		now.UnixMilli(), now.Add(s.ttl).UnixMilli(), s.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// UpdateContext implements Store.UpdateContext
func (s *RedisStore) UpdateContext(ctx context.Context, id, contextID string) error {
	ok, err := updateContextScript.Run(ctx, s.client, []string{s.sessionKey(id)}, contextID).Int()
	if err != nil {
		return fmt.Errorf("failed to update session context: %w", err)
	}
	if ok == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Destroy implements Store.Destroy
func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	err := destroyScript.Run(ctx, s.client, []string{s.sessionKey(id), s.indexKey()},
		id, s.userKeyPrefix(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// DestroyUser implements Store.DestroyUser
func (s *RedisStore) DestroyUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := destroyUserScript.Run(ctx, s.client, []string{s.userKey(userID), s.indexKey()},
		s.sessionKeyPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to destroy user sessions: %w", err)
	}
	return ids, nil
}

// ListUser implements Store.ListUser
func (s *RedisStore) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load user sessions: %w", err)
	}

	now := time.Now()
	out := make([]*Session, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		if sess := decodeSession(ids[i], fields); sess.Valid(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Count implements Store.Count
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Sweep implements Store.Sweep. Records expire on their own; this drops index
// members whose record is gone.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	removed, err := s.sweepSet(ctx, s.indexKey())
	if err != nil {
		return removed, err
	}

	iter := s.client.Scan(ctx, 0, s.userKeyPrefix()+"*", sweepBatch).Iterator()
	for iter.Next(ctx) {
		// user sets are counted through the global index already
		if _, err := s.sweepSet(ctx, iter.Val()); err != nil {
			return removed, err
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan user indexes: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) sweepSet(ctx context.Context, key string) (int, error) {
	removed := 0
	iter := s.client.SScan(ctx, key, 0, "", sweepBatch).Iterator()
	batch := make([]string, 0, sweepBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		cmds := make([]*redis.IntCmd, len(batch))
		_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, id := range batch {
				cmds[i] = p.Exists(ctx, s.sessionKey(id))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to check sessions: %w", err)
		}
		stale := make([]interface{}, 0)
		for i, cmd := range cmds {
			if cmd.Val() == 0 {
				stale = append(stale, batch[i])
			}
		}
		if len(stale) > 0 {
			if err := s.client.SRem(ctx, key, stale...).Err(); err != nil {
				return fmt.Errorf("failed to prune index: %w", err)
			}
			removed += len(stale)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == sweepBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan index: %w", err)
	}
	return removed, flush()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeSession(id string, fields map[string]string) *Session {
	return &Session{
		ID:           id,
		UserID:       fields["user_id"],
		ContextID:    fields["context_id"],
		CreatedAt:    parseMillis(fields["created_at"]),
		LastActivity: parseMillis(fields["last_activity"]),
		ExpiresAt:    parseMillis(fields["expires_at"]),
		Fingerprint:  fields["fingerprint"],
		Active:       fields["active"] == "1",
	}
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
