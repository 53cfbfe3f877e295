package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Message is the dispatch envelope carried through redis. The store stays
// authoritative for job state; the envelope only tells a consumer which job
// to claim.
type Message struct {
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Dispatcher hands jobs to the worker.
type Dispatcher interface {
	Enqueue(ctx context.Context, tenant string, jobID string, runAt time.Time) error
}

// RedisQ keeps one dispatch list and one delay ZSET per tenant.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

func (q *RedisQ) Enqueue(ctx context.Context, tenant string, jobID string, runAt time.Time) error {
	payload, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	if time.Until(runAt) > 0 {
		return q.rdb.ZAdd(ctx, "delay:"+tenant, r.Z{Score: float64(runAt.Unix()), Member: payload}).Err()
	}
	return q.rdb.LPush(ctx, "queue:"+tenant, payload).Err()
}

// Dequeue blocks for up to block and returns the next dispatch message.
// Returns redis.Nil when the list stays empty.
func (q *RedisQ) Dequeue(ctx context.Context, tenant string, block time.Duration) (*Message, error) {
	res, err := q.rdb.BRPop(ctx, block, "queue:"+tenant).Result()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, errors.Errorf("unexpected brpop reply of %d elements", len(res))
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal message")
	}
	return &msg, nil
}

// MoveDue shifts delayed dispatch messages whose time has come onto the
// dispatch list.
func (q *RedisQ) MoveDue(ctx context.Context, tenant string, now int64, batch int64) error {
	payloads, err := q.rdb.ZRangeByScore(ctx, "delay:"+tenant, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(payloads) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, p := range payloads {
		pipe.LPush(ctx, "queue:"+tenant, p)
		pipe.ZRem(ctx, "delay:"+tenant, p)
	}
	_, err = pipe.Exec(ctx)
	return err
}
