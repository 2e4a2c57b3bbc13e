package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"slotwatch/internal/models"

	"github.com/redis/go-redis/v9"
)

// Transport delivers task ids to the worker pools. The store stays the
// source of truth; a lost delivery is recovered by polling.
type Transport interface {
	Push(ctx context.Context, kind models.TaskKind, id string) error
	// Pop waits up to wait for the next id. ok is false on timeout.
	Pop(ctx context.Context, kind models.TaskKind, wait time.Duration) (id string, ok bool, err error)
	// Schedule delivers id once at has passed.
	Schedule(ctx context.Context, kind models.TaskKind, id string, at time.Time) error
	DeadLetter(ctx context.Context, task *models.Task) error
}

func queueKey(kind models.TaskKind) string   { return "queue:" + string(kind) }
func delayedKey(kind models.TaskKind) string { return "queue:" + string(kind) + ":delayed" }
func deadKey(kind models.TaskKind) string    { return "queue:" + string(kind) + ":dead" }

// RedisTransport uses a list per kind (LPUSH/BRPOP), a sorted set for
// delayed deliveries and a dead-letter list.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Push(ctx context.Context, kind models.TaskKind, id string) error {
	return t.client.LPush(ctx, queueKey(kind), id).Err()
}

func (t *RedisTransport) Pop(ctx context.Context, kind models.TaskKind, wait time.Duration) (string, bool, error) {
	if err := t.promote(ctx, kind); err != nil {
		return "", false, err
	}
	res, err := t.client.BRPop(ctx, wait, queueKey(kind)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return "", false, nil
		}
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (t *RedisTransport) Schedule(ctx context.Context, kind models.TaskKind, id string, at time.Time) error {
	return t.client.ZAdd(ctx, delayedKey(kind), redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err()
}

// promote moves due delayed ids onto the ready list. ZREM decides which
// process owns each id.
func (t *RedisTransport) promote(ctx context.Context, kind models.TaskKind) error {
	due, err := t.client.ZRangeByScore(ctx, delayedKey(kind), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		removed, err := t.client.ZRem(ctx, delayedKey(kind), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := t.client.LPush(ctx, queueKey(kind), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (t *RedisTransport) DeadLetter(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return t.client.LPush(ctx, deadKey(task.Kind), data).Err()
}

// MemoryTransport is the in-process fallback when Redis is not configured.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[models.TaskKind]chan string
	dead   []models.Task
	size   int
}

func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 128
	}
	return &MemoryTransport{queues: make(map[models.TaskKind]chan string), size: size}
}

func (t *MemoryTransport) queue(kind models.TaskKind) chan string {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[kind]
	if !ok {
		q = make(chan string, t.size)
		t.queues[kind] = q
	}
	return q
}

// Push never blocks; a full buffer leaves the task to polling.
func (t *MemoryTransport) Push(_ context.Context, kind models.TaskKind, id string) error {
	select {
	case t.queue(kind) <- id:
		return nil
	default:
		return ErrTransportFull
	}
}

func (t *MemoryTransport) Pop(ctx context.Context, kind models.TaskKind, wait time.Duration) (string, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case id := <-t.queue(kind):
		return id, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (t *MemoryTransport) Schedule(ctx context.Context, kind models.TaskKind, id string, at time.Time) error {
	time.AfterFunc(time.Until(at), func() {
		_ = t.Push(ctx, kind, id)
	})
	return nil
}

func (t *MemoryTransport) DeadLetter(_ context.Context, task *models.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = append(t.dead, *task)
	return nil
}

// Dead returns a copy of the dead-lettered tasks.
func (t *MemoryTransport) Dead() []models.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Task(nil), t.dead...)
}
