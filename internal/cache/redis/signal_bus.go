package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// streamMaxLen caps streams with XADD MAXLEN ~.
	streamMaxLen int64 = 10000
	// streamReadBlock bounds one XREAD so callers notice cancellation.
	streamReadBlock = time.Second
	// subscriberBuffer is the per-subscription backlog before the reader
	// goroutine blocks.
	subscriberBuffer = 128
	payloadField     = "payload"
)

// SignalBus implements domain.SignalBus. Trade signals and price ticks move
// over pub/sub; position events are also kept in a capped stream so the
// HTTP API can page through them. Channel and stream names get the client's
// key prefix.
type SignalBus struct {
	c   *Client
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c, rdb: c.Underlying()}
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, sb.c.Key(channel), payload).Err(); err != nil {
		return wrapErr("publish "+channel, err)
	}
	return nil
}

// Subscribe listens on channel until ctx is done, then closes the returned
// channel. A name containing glob characters ("signals.*") is subscribed as
// a pattern.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	key := sb.c.Key(channel)
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = sb.rdb.PSubscribe(ctx, key)
	} else {
		ps = sb.rdb.Subscribe(ctx, key)
	}
	// The first reply is the subscription ack; failing here means Redis is
	// unreachable.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapErr("subscribe "+channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go sb.forward(ctx, ps, out)
	return out, nil
}

func (sb *SignalBus) forward(ctx context.Context, ps *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer ps.Close()

	in := ps.Channel()
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case out <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

// StreamAppend adds payload to stream, trimming it to about streamMaxLen
// entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.Key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	if err != nil {
		return wrapErr("stream append "+stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the start,
// "$" for new entries only). It waits up to streamReadBlock and returns an
// empty result, not an error, when nothing arrives.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.c.Key(stream), lastID},
		Count:   int64(count),
		Block:   streamReadBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("stream read "+stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			// go-redis hands back field values as strings.
			v, ok := m.Values[payloadField].(string)
			if !ok {
				continue
			}
			out = append(out, domain.StreamMessage{ID: m.ID, Payload: []byte(v)})
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
