package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/redis/go-redis/v9"
)

// priceTTL drops quotes for mints nobody has written in a day.
const priceTTL = 24 * time.Hour

// PriceCache implements domain.PriceCache using Redis hashes. External price
// feeds write each mint's quote as a hash at "price:{mint}" with fields
// "price" and "ts" (Unix nanoseconds). The bot writes to it only for the
// expected price carried by a signal.
type PriceCache struct {
	c   *Client
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c, rdb: c.Underlying()}
}

func (pc *PriceCache) priceKey(mint string) string {
	return pc.c.Key("price:" + mint)
}

// SetPrice stores a quote and refreshes its expiry.
func (pc *PriceCache) SetPrice(ctx context.Context, mint string, price float64, ts time.Time) error {
	key := pc.priceKey(mint)
	_, err := pc.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"price", strconv.FormatFloat(price, 'f', -1, 64),
			"ts", strconv.FormatInt(ts.UnixNano(), 10),
		)
		p.Expire(ctx, key, priceTTL)
		return nil
	})
	return wrapErr("set price "+mint, err)
}

// decodeQuote turns an HMGET reply for ("price", "ts") into a quote. A
// missing field reports domain.ErrNotFound.
func decodeQuote(mint string, vals []any) (float64, time.Time, error) {
	if len(vals) != 2 {
		return 0, time.Time{}, domain.ErrNotFound
	}
	ps, ok1 := vals[0].(string)
	ts, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(ps, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", mint, err)
	}
	nano, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", mint, err)
	}
	return price, time.Unix(0, nano), nil
}

// GetPrice returns the latest quote for mint, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, mint string) (float64, time.Time, error) {
	vals, err := pc.rdb.HMGet(ctx, pc.priceKey(mint), "price", "ts").Result()
	if err != nil {
		return 0, time.Time{}, wrapErr("get price "+mint, err)
	}
	return decodeQuote(mint, vals)
}

// GetPrices reads several quotes in one pipeline. Mints without a usable
// quote are left out of the result.
func (pc *PriceCache) GetPrices(ctx context.Context, mints []string) (map[string]float64, error) {
	out := make(map[string]float64, len(mints))
	if len(mints) == 0 {
		return out, nil
	}

	cmds := make([]*redis.SliceCmd, len(mints))
	_, err := pc.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, mint := range mints {
			cmds[i] = p.HMGet(ctx, pc.priceKey(mint), "price", "ts")
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("get prices", err)
	}

	for i, cmd := range cmds {
		price, _, err := decodeQuote(mints[i], cmd.Val())
		if err != nil {
			continue
		}
		out[mints[i]] = price
	}
	return out, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
