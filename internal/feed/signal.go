// Package feed turns external trade signals (websocket listeners, NATS
// subjects, Redis pub/sub, the HTTP webhook) into domain.TradeSignal values
// on one bounded channel read by the executor.
package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
)

// Field aliases accepted by ParseSignal. Listeners disagree on naming, so
// the first present alias wins.
var (
	mintFields      = []string{"mint", "token", "token_address", "address"}
	symbolFields    = []string{"symbol", "ticker"}
	sourceFields    = []string{"source", "source_label", "wallet"}
	platformFields  = []string{"platform", "dex"}
	amountFields    = []string{"sol_amount", "amount_sol", "buy_amount"}
	signatureFields = []string{"signature", "tx_signature", "tx"}
	timeFields      = []string{"timestamp", "ts", "time"}
	priceFields     = []string{"expected_price", "price"}
	qtyFields       = []string{"expected_qty", "token_amount", "quantity"}
)

// ErrQueueFull is returned by Intake.Offer when the executor is behind.
var ErrQueueFull = errors.New("feed: signal queue full")

// ParseSignal decodes one JSON signal. A payload may wrap the signal in a
// "data" or "signal" object. Missing timestamps default to now.
func ParseSignal(raw []byte, now time.Time) (domain.TradeSignal, error) {
	if !gjson.ValidBytes(raw) {
		return domain.TradeSignal{}, fmt.Errorf("%w: malformed json", domain.ErrInvalidSignal)
	}
	root := gjson.ParseBytes(raw)
	for _, wrapper := range []string{"data", "signal"} {
		if inner := root.Get(wrapper); inner.IsObject() {
			root = inner
			break
		}
	}
	if !root.IsObject() {
		return domain.TradeSignal{}, fmt.Errorf("%w: not an object", domain.ErrInvalidSignal)
	}

	sig := domain.TradeSignal{
		ID:            root.Get("id").String(),
		Mint:          strings.TrimSpace(first(root, mintFields).String()),
		Symbol:        first(root, symbolFields).String(),
		SourceLabel:   first(root, sourceFields).String(),
		Platform:      strings.ToLower(first(root, platformFields).String()),
		SolAmount:     first(root, amountFields).Float(),
		Signature:     first(root, signatureFields).String(),
		ExpectedPrice: first(root, priceFields).Float(),
		ExpectedQty:   first(root, qtyFields).Float(),
	}
	ts, err := parseTime(first(root, timeFields), now)
	if err != nil {
		return domain.TradeSignal{}, err
	}
	sig.Timestamp = ts

	if err := sig.Validate(); err != nil {
		return domain.TradeSignal{}, err
	}
	return sig, nil
}

// ParseSignals decodes either a single signal or a JSON array of them.
// Invalid entries of an array are skipped and reported through errs.
func ParseSignals(raw []byte, now time.Time) (sigs []domain.TradeSignal, errs []error) {
	res := gjson.ParseBytes(raw)
	if !res.IsArray() {
		sig, err := ParseSignal(raw, now)
		if err != nil {
			return nil, []error{err}
		}
		return []domain.TradeSignal{sig}, nil
	}
	res.ForEach(func(_, item gjson.Result) bool {
		sig, err := ParseSignal([]byte(item.Raw), now)
		if err != nil {
			errs = append(errs, err)
		} else {
			sigs = append(sigs, sig)
		}
		return true
	})
	return sigs, errs
}

func first(root gjson.Result, names []string) gjson.Result {
	for _, n := range names {
		if r := root.Get(n); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

// parseTime accepts unix seconds, unix milliseconds, numeric strings and
// RFC 3339.
func parseTime(r gjson.Result, now time.Time) (time.Time, error) {
	switch r.Type {
	case gjson.Null:
		return now, nil
	case gjson.Number:
		return fromUnix(r.Float()), nil
	case gjson.String:
		s := strings.TrimSpace(r.String())
		if s == "" {
			return now, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp %q", domain.ErrInvalidSignal, s)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: bad timestamp %s", domain.ErrInvalidSignal, r.Raw)
	}
}

func fromUnix(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
}

// Intake is the bounded signal queue shared by every source.
type Intake struct {
	ch      chan domain.TradeSignal
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewIntake creates an Intake holding up to size signals.
func NewIntake(size int, m *metrics.Metrics, logger *slog.Logger) *Intake {
	if size <= 0 {
		size = 256
	}
	return &Intake{
		ch:      make(chan domain.TradeSignal, size),
		metrics: m,
		logger:  logger.With(slog.String("component", "signal_intake")),
	}
}

// C is the channel read by the executor.
func (in *Intake) C() <-chan domain.TradeSignal { return in.ch }

// Depth returns the number of queued signals.
func (in *Intake) Depth() int { return len(in.ch) }

// Offer enqueues sig without blocking. A full queue drops the signal.
func (in *Intake) Offer(sig domain.TradeSignal, via string) error {
	select {
	case in.ch <- sig:
		return nil
	default:
		in.metrics.IncSignal("dropped")
		in.logger.Warn("signal queue full, dropping signal",
			slog.String("mint", sig.Mint),
			slog.String("via", via),
			slog.Int("queue_size", cap(in.ch)),
		)
		return ErrQueueFull
	}
}

// offerRaw parses raw and enqueues every valid signal in it.
func (in *Intake) offerRaw(raw []byte, via string, logger *slog.Logger) int {
	sigs, errs := ParseSignals(raw, time.Now().UTC())
	for _, err := range errs {
		in.metrics.IncSignal("invalid")
		logger.Debug("dropping unparseable signal",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(raw)),
		)
	}
	n := 0
	for _, sig := range sigs {
		if in.Offer(sig, via) == nil {
			n++
		}
	}
	return n
}
