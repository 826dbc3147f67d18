package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a registry backed by a shared Redis instance, for
// deployments running more than one server process. Token sets live in a
// per-session ZSET scored by expiry; DropSession leaves a tombstone key
// that outlives any token the session could still have in flight.
func NewRedis(client *redis.Client, ttl time.Duration) Registry {
	return &redisRegistry{client: client, ttl: ttl}
}

func (r *redisRegistry) PushToken(ctx context.Context, sessionID, value string, issuedAt time.Time) error {
	closed, err := r.client.Exists(ctx, sessionClosedKey(sessionID)).Result()
	if err != nil {
		return err
	}
	if closed > 0 {
		return ErrSessionClosed
	}
	expiresAt := issuedAt.Add(r.ttl)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, sessionTokensKey(sessionID), redis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: value,
	})
	pipe.ExpireAt(ctx, sessionTokensKey(sessionID), expiresAt)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisRegistry) PruneAndListValid(ctx context.Context, sessionID string, now time.Time) ([]Token, error) {
	key := sessionTokensKey(sessionID)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", formatMillis(now)).Err(); err != nil {
		return nil, err
	}
	members, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + formatMillis(now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	tokens := make([]Token, 0, len(members))
	for _, member := range members {
		value, ok := member.Member.(string)
		if !ok {
			continue
		}
		expiresAt := time.UnixMilli(int64(member.Score)).UTC()
		tokens = append(tokens, Token{
			Value:     value,
			SessionID: sessionID,
			IssuedAt:  expiresAt.Add(-r.ttl),
			ExpiresAt: expiresAt,
		})
	}
	return tokens, nil
}

func (r *redisRegistry) IsValid(ctx context.Context, sessionID, value string, now time.Time) (bool, error) {
	score, err := r.client.ZScore(ctx, sessionTokensKey(sessionID), value).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.UnixMilli(int64(score)).After(now), nil
}

func (r *redisRegistry) DropSession(ctx context.Context, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionTokensKey(sessionID))
	pipe.Set(ctx, sessionClosedKey(sessionID), "1", r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func sessionTokensKey(sessionID string) string {
	return fmt.Sprintf("session_tokens:%s", sessionID)
}

func sessionClosedKey(sessionID string) string {
	return fmt.Sprintf("session_closed:%s", sessionID)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
