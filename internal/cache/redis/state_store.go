package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/create_position.lua
var createPositionLua string

//go:embed scripts/update_fields.lua
var updateFieldsLua string

//go:embed scripts/claim_sell.lua
var claimSellLua string

const defaultProcessedTTL = 24 * time.Hour

// StateStore implements domain.StateStore on a single Redis deployment shared
// by every process.
//
// Key schema:
//
//	position:{mint}    - hash with one field per Position attribute
//	positions:active   - set of mints with a position hash
//	positions:ignored  - set of mints that must never be bought again
//	txsig:{signature}  - processed-signature marker with TTL
//	pendingbuy:{mint}  - JSON PendingBuy of a timed-out buy, with TTL
//	lock:{key}         - lock token (see LockManager)
type StateStore struct {
	*LockManager

	c            *Client
	rdb          *redis.Client
	processedTTL time.Duration

	createSc *redis.Script
	updateSc *redis.Script
	claimSc  *redis.Script
}

// NewStateStore creates a StateStore backed by the given Client. A
// processedTTL of zero uses 24h.
func NewStateStore(c *Client, processedTTL time.Duration) *StateStore {
	if processedTTL <= 0 {
		processedTTL = defaultProcessedTTL
	}
	return &StateStore{
		LockManager:  NewLockManager(c),
		c:            c,
		rdb:          c.Underlying(),
		processedTTL: processedTTL,
		createSc:     redis.NewScript(createPositionLua),
		updateSc:     redis.NewScript(updateFieldsLua),
		claimSc:      redis.NewScript(claimSellLua),
	}
}

func (s *StateStore) positionKey(mint string) string { return s.c.Key("position:" + mint) }
func (s *StateStore) activeKey() string              { return s.c.Key("positions:active") }
func (s *StateStore) ignoredKey() string             { return s.c.Key("positions:ignored") }
func (s *StateStore) txKey(sig string) string        { return s.c.Key("txsig:" + sig) }

func (s *StateStore) pendingBuyKey(mint string) string {
	return s.c.Key("pendingbuy:" + mint)
}

// SavePosition writes every field of pos and indexes it.
func (s *StateStore) SavePosition(ctx context.Context, pos domain.Position) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.positionKey(pos.Mint), encodePosition(pos)...)
	pipe.SAdd(ctx, s.activeKey(), pos.Mint)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("save position "+pos.Mint, err)
	}
	return nil
}

// CreatePosition writes pos only if no record exists for its mint.
func (s *StateStore) CreatePosition(ctx context.Context, pos domain.Position) error {
	args := append([]any{pos.Mint}, encodePosition(pos)...)
	n, err := s.createSc.Run(ctx, s.rdb, []string{s.positionKey(pos.Mint), s.activeKey()}, args...).Int()
	if err != nil {
		return wrapErr("create position "+pos.Mint, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: create position %s: %w", pos.Mint, domain.ErrAlreadyExists)
	}
	return nil
}

// GetPosition returns domain.ErrNotFound when no record exists.
func (s *StateStore) GetPosition(ctx context.Context, mint string) (domain.Position, error) {
	vals, err := s.rdb.HGetAll(ctx, s.positionKey(mint)).Result()
	if err != nil {
		return domain.Position{}, wrapErr("get position "+mint, err)
	}
	if len(vals) == 0 {
		return domain.Position{}, domain.ErrNotFound
	}
	pos, err := decodePosition(vals)
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: decode position %s: %w", mint, err)
	}
	return pos, nil
}

// GetAllActivePositions returns every indexed position, sorted by mint.
// Index entries whose hash has disappeared are skipped.
func (s *StateStore) GetAllActivePositions(ctx context.Context) ([]domain.Position, error) {
	mints, err := s.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, wrapErr("list active positions", err)
	}
	if len(mints) == 0 {
		return nil, nil
	}
	sort.Strings(mints)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(mints))
	for i, mint := range mints {
		cmds[i] = pipe.HGetAll(ctx, s.positionKey(mint))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("list active positions pipeline", err)
	}

	out := make([]domain.Position, 0, len(mints))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		pos, err := decodePosition(vals)
		if err != nil {
			return nil, fmt.Errorf("redis: decode position %s: %w", mints[i], err)
		}
		if pos.IsActive {
			out = append(out, pos)
		}
	}
	return out, nil
}

// RemovePosition deletes the record and its index entry. Removing a missing
// position is not an error.
func (s *StateStore) RemovePosition(ctx context.Context, mint string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.positionKey(mint))
	pipe.SRem(ctx, s.activeKey(), mint)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("remove position "+mint, err)
	}
	return nil
}

// PositionExists reports whether a record exists for mint.
func (s *StateStore) PositionExists(ctx context.Context, mint string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.positionKey(mint)).Result()
	if err != nil {
		return false, wrapErr("position exists "+mint, err)
	}
	return n > 0, nil
}

// UpdatePosition merges upd into the stored hash. The script refuses to
// touch a missing key, so a concurrent removal is never undone.
func (s *StateStore) UpdatePosition(ctx context.Context, mint string, upd domain.PositionUpdate) error {
	if upd.Empty() {
		return nil
	}
	n, err := s.updateSc.Run(ctx, s.rdb, []string{s.positionKey(mint)}, encodeUpdate(upd)...).Int()
	if err != nil {
		return wrapErr("update position "+mint, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: update position %s: %w", mint, domain.ErrNotFound)
	}
	return nil
}

// ClaimSell atomically marks a sell in flight.
func (s *StateStore) ClaimSell(ctx context.Context, mint string, now time.Time) (int, bool, error) {
	n, err := s.claimSc.Run(ctx, s.rdb, []string{s.positionKey(mint)}, now.UnixNano()).Int()
	if err != nil {
		return 0, false, wrapErr("claim sell "+mint, err)
	}
	switch {
	case n < 0:
		return 0, false, fmt.Errorf("redis: claim sell %s: %w", mint, domain.ErrNotFound)
	case n == 0:
		return 0, false, nil
	default:
		return n, true, nil
	}
}

// IsTxProcessed reports whether the signature marker exists.
func (s *StateStore) IsTxProcessed(ctx context.Context, signature string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.txKey(signature)).Result()
	if err != nil {
		return false, wrapErr("tx processed "+signature, err)
	}
	return n > 0, nil
}

// MarkTxProcessed inserts the signature marker. It returns false if another
// caller already marked it.
func (s *StateStore) MarkTxProcessed(ctx context.Context, signature string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.txKey(signature), time.Now().Unix(), s.processedTTL).Result()
	if err != nil {
		return false, wrapErr("mark tx processed "+signature, err)
	}
	return ok, nil
}

// AddIgnored adds mint to the durable ignore set.
func (s *StateStore) AddIgnored(ctx context.Context, mint string) error {
	if err := s.rdb.SAdd(ctx, s.ignoredKey(), mint).Err(); err != nil {
		return wrapErr("add ignored "+mint, err)
	}
	return nil
}

func (s *StateStore) IsIgnored(ctx context.Context, mint string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.ignoredKey(), mint).Result()
	if err != nil {
		return false, wrapErr("is ignored "+mint, err)
	}
	return ok, nil
}

func (s *StateStore) ListIgnored(ctx context.Context) ([]string, error) {
	mints, err := s.rdb.SMembers(ctx, s.ignoredKey()).Result()
	if err != nil {
		return nil, wrapErr("list ignored", err)
	}
	sort.Strings(mints)
	return mints, nil
}

// Compile-time interface check.
var _ domain.StateStore = (*StateStore)(nil)

// Hash field names.
const (
	fMint          = "mint"
	fSymbol        = "symbol"
	fPlatform      = "platform"
	fSource        = "source"
	fEntry         = "entry_price"
	fQuantity      = "quantity"
	fEntryTime     = "entry_time"
	fBuySig        = "buy_signature"
	fStopLoss      = "stop_loss_price"
	fTakeProfit    = "take_profit_price"
	fTPFraction    = "take_profit_sell_fraction"
	fMaxHold       = "max_hold_ms"
	fTSLEnabled    = "tsl_enabled"
	fTSLActivation = "tsl_activation_pct"
	fTSLTrail      = "tsl_trail_pct"
	fTSLSell       = "tsl_sell_fraction"
	fTSLActive     = "tsl_active"
	fTSLHigh       = "tsl_high_water_mark"
	fTSLTrigger    = "tsl_trigger_price"
	fIsActive      = "is_active"
	fPendingSell   = "pending_sell"
	fPendingSig    = "pending_sell_signature"
	fPendingSince  = "pending_since"
	fSellAttempts  = "sell_attempts"
	fIsMoonbag     = "is_moonbag"
)

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func fmtBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func fmtOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return fmtFloat(*v)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func encodeTrailing(ts domain.TrailingStop) []any {
	return []any{
		fTSLEnabled, fmtBool(ts.Enabled),
		fTSLActivation, fmtFloat(ts.ActivationPct),
		fTSLTrail, fmtFloat(ts.TrailPct),
		fTSLSell, fmtFloat(ts.SellFraction),
		fTSLActive, fmtBool(ts.Active),
		fTSLHigh, fmtFloat(ts.HighWater),
		fTSLTrigger, fmtFloat(ts.TriggerPrice),
	}
}

func encodePosition(p domain.Position) []any {
	out := []any{
		fMint, p.Mint,
		fSymbol, p.Symbol,
		fPlatform, p.Platform,
		fSource, p.Source,
		fEntry, fmtFloat(p.Entry),
		fQuantity, fmtFloat(p.Quantity),
		fEntryTime, fmtTime(p.OpenedAt),
		fBuySig, p.BuySig,
		fStopLoss, fmtOptFloat(p.StopLossPrice),
		fTakeProfit, fmtOptFloat(p.TakeProfitPrice),
		fTPFraction, fmtFloat(p.TakeProfitFraction),
		fMaxHold, strconv.FormatInt(p.MaxHold.Milliseconds(), 10),
		fIsActive, fmtBool(p.IsActive),
		fPendingSell, fmtBool(p.PendingSell),
		fPendingSig, p.PendingSellSig,
		fPendingSince, fmtTime(p.PendingSince),
		fSellAttempts, strconv.Itoa(p.SellAttempts),
		fIsMoonbag, fmtBool(p.IsMoonbag),
	}
	return append(out, encodeTrailing(p.Trailing)...)
}

func encodeUpdate(u domain.PositionUpdate) []any {
	var out []any
	if u.Quantity != nil {
		out = append(out, fQuantity, fmtFloat(*u.Quantity))
	}
	if u.Trailing != nil {
		out = append(out, encodeTrailing(*u.Trailing)...)
	}
	if u.PendingSellSig != nil {
		out = append(out, fPendingSig, *u.PendingSellSig)
	}
	if u.IsMoonbag != nil {
		out = append(out, fIsMoonbag, fmtBool(*u.IsMoonbag))
	}
	if u.ClearPendingSell {
		out = append(out, fPendingSell, "0", fPendingSig, "", fPendingSince, "0")
	}
	if u.ClearTakeProfit {
		out = append(out, fTakeProfit, "")
	}
	return out
}

// fieldReader parses hash values and keeps the first error.
type fieldReader struct {
	vals map[string]string
	err  error
}

func (r *fieldReader) str(k string) string { return r.vals[k] }

func (r *fieldReader) float(k string) float64 {
	v := r.vals[k]
	if v == "" || r.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", k, err)
	}
	return f
}

func (r *fieldReader) optFloat(k string) *float64 {
	if r.vals[k] == "" {
		return nil
	}
	f := r.float(k)
	return &f
}

func (r *fieldReader) int(k string) int64 {
	v := r.vals[k]
	if v == "" || r.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", k, err)
	}
	return n
}

func (r *fieldReader) bool(k string) bool { return r.vals[k] == "1" }

func (r *fieldReader) time(k string) time.Time {
	n := r.int(k)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func decodePosition(vals map[string]string) (domain.Position, error) {
	r := &fieldReader{vals: vals}
	p := domain.Position{
		Mint:               r.str(fMint),
		Symbol:             r.str(fSymbol),
		Platform:           r.str(fPlatform),
		Source:             r.str(fSource),
		Entry:              r.float(fEntry),
		Quantity:           r.float(fQuantity),
		OpenedAt:           r.time(fEntryTime),
		BuySig:             r.str(fBuySig),
		StopLossPrice:      r.optFloat(fStopLoss),
		TakeProfitPrice:    r.optFloat(fTakeProfit),
		TakeProfitFraction: r.float(fTPFraction),
		MaxHold:            time.Duration(r.int(fMaxHold)) * time.Millisecond,
		Trailing: domain.TrailingStop{
			Enabled:       r.bool(fTSLEnabled),
			ActivationPct: r.float(fTSLActivation),
			TrailPct:      r.float(fTSLTrail),
			SellFraction:  r.float(fTSLSell),
			Active:        r.bool(fTSLActive),
			HighWater:     r.float(fTSLHigh),
			TriggerPrice:  r.float(fTSLTrigger),
		},
		IsActive:       r.bool(fIsActive),
		PendingSell:    r.bool(fPendingSell),
		PendingSellSig: r.str(fPendingSig),
		PendingSince:   r.time(fPendingSince),
		SellAttempts:   int(r.int(fSellAttempts)),
		IsMoonbag:      r.bool(fIsMoonbag),
	}
	if r.err != nil {
		return domain.Position{}, r.err
	}
	return p, nil
}

// SavePendingBuy stores pb under its mint for ttl. The lock token is not
// kept.
func (s *StateStore) SavePendingBuy(ctx context.Context, pb domain.PendingBuy, ttl time.Duration) error {
	pb.Intent.LockToken = ""
	data, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("redis: marshal pending buy %s: %w", pb.Mint, err)
	}
	if err := s.rdb.Set(ctx, s.pendingBuyKey(pb.Mint), data, ttl).Err(); err != nil {
		return wrapErr("save pending buy "+pb.Mint, err)
	}
	return nil
}

// GetPendingBuy returns the pending buy for mint or domain.ErrNotFound.
func (s *StateStore) GetPendingBuy(ctx context.Context, mint string) (domain.PendingBuy, error) {
	data, err := s.rdb.Get(ctx, s.pendingBuyKey(mint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PendingBuy{}, fmt.Errorf("redis: pending buy %s: %w", mint, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PendingBuy{}, wrapErr("get pending buy "+mint, err)
	}
	var pb domain.PendingBuy
	if err := json.Unmarshal(data, &pb); err != nil {
		return domain.PendingBuy{}, fmt.Errorf("redis: decode pending buy %s: %w", mint, err)
	}
	return pb, nil
}

func (s *StateStore) ClearPendingBuy(ctx context.Context, mint string) error {
	if err := s.rdb.Del(ctx, s.pendingBuyKey(mint)).Err(); err != nil {
		return wrapErr("clear pending buy "+mint, err)
	}
	return nil
}
