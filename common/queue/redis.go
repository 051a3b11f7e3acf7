package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultDelayedKey = "cronhook:tasks"

// claims due members atomically so two consumers never receive the same task
var claimScript = redis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, item in ipairs(items) do
  redis.call("ZREM", KEYS[1], item)
end
return items
`)

// RedisQueue is a delayed queue on a sorted set scored by not_before (unix ms).
// It serves as both Dispatcher and Source.
type RedisQueue struct {
	client *redis.Client
	key    string
	poll   time.Duration
	batch  int
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []models.Task
}

func NewRedisQueue(client *redis.Client, key string, log zerolog.Logger) *RedisQueue {
	if key == "" {
		key = defaultDelayedKey
	}
	return &RedisQueue{
		client: client,
		key:    key,
		poll:   500 * time.Millisecond,
		batch:  100,
		log:    log,
		now:    time.Now,
	}
}

func (q *RedisQueue) Dispatch(ctx context.Context, task models.Task) error {
	payload, err := encodeTask(task)
	if err != nil {
		return &DispatchError{RunID: task.RunID, Err: err}
	}
	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(task.NotBefore.UnixMilli()),
		Member: string(payload),
	}).Err()
	if err != nil {
		return &DispatchError{RunID: task.RunID, Err: err}
	}
	return nil
}

func (q *RedisQueue) claim(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	items, err := claimScript.Run(ctx, q.client, []string{q.key}, now, q.batch).StringSlice()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		task, err := decodeTask([]byte(item))
		if err != nil {
			q.log.Error().Err(err).Msg("dropping malformed task")
			continue
		}
		q.pending = append(q.pending, task)
	}
	return nil
}

func (q *RedisQueue) next() (models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return models.Task{}, false
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	return task, true
}

func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if task, ok := q.next(); ok {
			return Delivery{Task: task, Ack: noAck}, nil
		}
		if err := q.claim(ctx); err != nil {
			return Delivery{}, err
		}
		if task, ok := q.next(); ok {
			return Delivery{Task: task, Ack: noAck}, nil
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *RedisQueue) Close() error { return nil }
