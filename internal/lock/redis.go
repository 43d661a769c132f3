package lock

import (
	"context"
	"time"

	"log/slog"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

type redisLocker struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisLocker constructs a Redis backed team locker so deployments stay
// serialized per team across service instances. The TTL bounds how long a
// crashed holder can wedge a team; it should exceed the deployment ceiling.
func NewRedisLocker(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (TeamLocker, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 150 * time.Minute
	}
	return &redisLocker{
		client: client,
		logger: logger,
		prefix: "deploy:teamlock:",
		ttl:    ttl,
	}, nil
}

func (l *redisLocker) Acquire(ctx context.Context, teamID string) (func(), error) {
	key := l.prefix + teamID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Only delete our own token; a lock that expired and was re-acquired
		// by another holder must not be released from here.
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		if err := l.client.Eval(ctx, script, []string{key}, token).Err(); err != nil && l.logger != nil {
			l.logger.Error("team lock release failed", "team_id", teamID, "error", err)
		}
	}
	return release, nil
}

func (l *redisLocker) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}
