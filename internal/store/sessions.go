package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/boxaltcoin/fosscord-server/internal/models"
)

// RedisSessionStore keeps one JSON row per live connection under
// session:{user_id}:{session_id}, plus a per-user set for lookup. Rows carry
// a TTL so sessions of a crashed gateway expire on their own.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisConnection(uri string, maxRetries, poolSize, minIdle int, dialTimeout, readTimeout, writeTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	opts.MaxRetries = maxRetries
	opts.PoolSize = poolSize
	opts.MinIdleConns = minIdle
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

func sessionKey(userID, sessionID string) string {
	return "session:" + userID + ":" + sessionID
}

func userSessionsKey(userID string) string {
	return "user_sessions:" + userID
}

func (r *RedisSessionStore) Create(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.UserID, s.SessionID), data, r.ttl)
		pipe.SAdd(ctx, userSessionsKey(s.UserID), s.SessionID)
		pipe.Expire(ctx, userSessionsKey(s.UserID), r.ttl)
		return nil
	})
	return err
}

func (r *RedisSessionStore) UpdatePresence(ctx context.Context, userID, sessionID, status string, activities []models.Activity) error {
	key := sessionKey(userID, sessionID)
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s.Status = status
	s.Activities = activities
	updated, err := json.Marshal(&s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, updated, r.ttl).Err()
}

// Touch refreshes the row TTL; the gateway calls it on accepted heartbeats
// so a live connection never expires out of the store.
func (r *RedisSessionStore) Touch(ctx context.Context, userID, sessionID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, sessionKey(userID, sessionID), r.ttl)
		pipe.Expire(ctx, userSessionsKey(userID), r.ttl)
		return nil
	})
	return err
}

func (r *RedisSessionStore) Delete(ctx context.Context, userID, sessionID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(userID, sessionID))
		pipe.SRem(ctx, userSessionsKey(userID), sessionID)
		return nil
	})
	return err
}

func (r *RedisSessionStore) ListByUser(ctx context.Context, userID string) ([]models.Session, error) {
	ids, err := r.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(userID, id)
	}
	rows, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]models.Session, 0, len(rows))
	stale := make([]any, 0)
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok {
			// Row expired but the set entry survived; collect for cleanup.
			stale = append(stale, ids[i])
			continue
		}
		var s models.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, userSessionsKey(userID), stale...)
	}
	return sessions, nil
}

func (r *RedisSessionStore) ListByUsers(ctx context.Context, userIDs []string) (map[string][]models.Session, error) {
	result := make(map[string][]models.Session, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	cmds := make(map[string]*redis.StringSliceCmd, len(userIDs))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			cmds[id] = pipe.SMembers(ctx, userSessionsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var keys []string
	var owners []string
	for _, userID := range userIDs {
		for _, sid := range cmds[userID].Val() {
			keys = append(keys, sessionKey(userID, sid))
			owners = append(owners, userID)
		}
	}
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok {
			continue
		}
		var s models.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		result[owners[i]] = append(result[owners[i]], s)
	}
	return result, nil
}
