package progress

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/oneclicktag/trackd/internal/domain"
)

// Publisher broadcasts lifecycle events for a batch. Callers publish after
// their transaction has committed and ignore delivery failures.
type Publisher interface {
	Publish(ctx context.Context, batchID string, ev domain.ProgressEvent) error
}

func channel(batchID string) string { return "progress:batch:" + batchID }

// Redis publishes events on one pub/sub channel per batch.
type Redis struct{ rdb *r.Client }

func New(rdb *r.Client) *Redis { return &Redis{rdb} }

func (p *Redis) Publish(ctx context.Context, batchID string, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return p.rdb.Publish(ctx, channel(batchID), payload).Err()
}

// Subscribe delivers a batch's events until ctx is cancelled. Malformed
// payloads are dropped.
func (p *Redis) Subscribe(ctx context.Context, batchID string) (<-chan domain.ProgressEvent, func()) {
	sub := p.rdb.Subscribe(ctx, channel(batchID))
	out := make(chan domain.ProgressEvent)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}
