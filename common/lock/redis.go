package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:schedule:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	client *redis.Client
	owner  string
}

func NewRedis(client *redis.Client, owner string) *Redis {
	return &Redis{client: client, owner: owner}
}

func (r *Redis) TryAcquire(ctx context.Context, scheduleID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+scheduleID, r.owner, ttl).Result()
}

func (r *Redis) Release(ctx context.Context, scheduleID string) error {
	return releaseScript.Run(ctx, r.client, []string{keyPrefix + scheduleID}, r.owner).Err()
}
