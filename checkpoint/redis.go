package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Zenin797/SunoTherapist/core"
)

// RedisConfig configures the Redis checkpointer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys. Default "ltm:".
	KeyPrefix string

	// TTL expires idle conversations. Zero keeps them forever.
	TTL time.Duration
}

// Redis stores conversation state as JSON strings, one key per thread, plus
// a set of thread ids per user.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, cfg *RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	log.WithField("addr", cfg.Addr).Info("[CHECKPOINT] Redis connected")
	return NewRedisFromClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "ltm:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) stateKey(key string) string {
	return r.prefix + "checkpoint:" + key
}

func (r *Redis) threadsKey(userID string) string {
	return r.prefix + "threads:" + userID
}

func (r *Redis) Get(ctx context.Context, key string) (*core.State, error) {
	raw, err := r.client.Get(ctx, r.stateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	var st core.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &st, nil
}

func (r *Redis) Put(ctx context.Context, key string, state *core.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}
	user, thread := core.SplitKey(key)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.stateKey(key), raw, r.ttl)
		pipe.SAdd(ctx, r.threadsKey(user), thread)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.threadsKey(user), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	user, thread := core.SplitKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.stateKey(key))
		pipe.SRem(ctx, r.threadsKey(user), thread)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

// Threads lists the user's thread ids, sorted. Threads whose state has
// expired are dropped from the set.
func (r *Redis) Threads(ctx context.Context, userID string) ([]string, error) {
	setKey := r.threadsKey(userID)
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	if len(members) == 0 {
		return members, nil
	}

	exists := make([]*redis.IntCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, thread := range members {
			rc := core.RunContext{UserID: userID, ThreadID: thread}
			exists[i] = pipe.Exists(ctx, r.stateKey(rc.Key()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check threads: %w", err)
	}

	threads := make([]string, 0, len(members))
	var stale []interface{}
	for i, thread := range members {
		if exists[i].Val() > 0 {
			threads = append(threads, thread)
		} else {
			stale = append(stale, thread)
		}
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, setKey, stale...).Err(); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("[CHECKPOINT] Failed to drop expired threads")
		}
	}
	sort.Strings(threads)
	return threads, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
