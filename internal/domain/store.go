package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Mint   string
}

// PositionUpdate is a merge-only partial update of a stored Position. Nil
// fields are left untouched. Entry price and exit-policy thresholds fixed at
// entry time cannot be changed through it.
type PositionUpdate struct {
	Quantity         *float64
	Trailing         *TrailingStop
	PendingSellSig   *string
	IsMoonbag        *bool
	ClearPendingSell bool
	ClearTakeProfit  bool
}

// Empty reports whether the update changes nothing.
func (u PositionUpdate) Empty() bool {
	return u.Quantity == nil && u.Trailing == nil && u.PendingSellSig == nil &&
		u.IsMoonbag == nil && !u.ClearPendingSell && !u.ClearTakeProfit
}

// BuyLockKey is the lock key guarding buys of mint.
func BuyLockKey(mint string) string {
	return "buy:" + mint
}

// PositionStore holds the shared Position records. Every mutation is atomic
// per instrument key.
type PositionStore interface {
	// SavePosition writes the full record, replacing any previous one.
	SavePosition(ctx context.Context, pos Position) error
	// CreatePosition writes the record only if none exists for the mint and
	// returns ErrAlreadyExists otherwise.
	CreatePosition(ctx context.Context, pos Position) error
	GetPosition(ctx context.Context, mint string) (Position, error)
	GetAllActivePositions(ctx context.Context) ([]Position, error)
	RemovePosition(ctx context.Context, mint string) error
	PositionExists(ctx context.Context, mint string) (bool, error)
	// UpdatePosition merges upd into an existing record. It returns
	// ErrNotFound when the record is gone and never recreates it.
	UpdatePosition(ctx context.Context, mint string, upd PositionUpdate) error
	// ClaimSell atomically flips pending_sell from false to true and bumps
	// the attempt counter. ok is false if a sell is already in flight.
	ClaimSell(ctx context.Context, mint string, now time.Time) (attempt int, ok bool, err error)
}

// TxLedger is the processed-signature idempotency set.
type TxLedger interface {
	IsTxProcessed(ctx context.Context, signature string) (bool, error)
	// MarkTxProcessed returns true if this call inserted the marker.
	MarkTxProcessed(ctx context.Context, signature string) (bool, error)
}

// IgnoreList is the durable set of instruments that must never be bought again.
type IgnoreList interface {
	AddIgnored(ctx context.Context, mint string) error
	IsIgnored(ctx context.Context, mint string) (bool, error)
	ListIgnored(ctx context.Context) ([]string, error)
}

// PendingBuyStore keeps timed-out buys per mint until they expire or are
// resolved.
type PendingBuyStore interface {
	SavePendingBuy(ctx context.Context, pb PendingBuy, ttl time.Duration) error
	// GetPendingBuy returns ErrNotFound when no buy is pending for mint.
	GetPendingBuy(ctx context.Context, mint string) (PendingBuy, error)
	ClearPendingBuy(ctx context.Context, mint string) error
}

// LockManager provides short-lived exclusive locks with TTL.
type LockManager interface {
	// TryAcquire sets key to token if absent. It returns true only if this
	// call created the lock.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes the lock if it is still held by token.
	Release(ctx context.Context, key, token string) error
	// Held is a cheap non-locking existence check.
	Held(ctx context.Context, key string) (bool, error)
}

// StateStore is the single source of truth shared by every process.
type StateStore interface {
	PositionStore
	TxLedger
	IgnoreList
	PendingBuyStore
	LockManager
}

// JournalEntry is a single row of the append-only trade journal.
type JournalEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Mint      string         `json:"mint"`
	Signature string         `json:"signature,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JournalStore persists an append-only record of every state transition.
type JournalStore interface {
	Log(ctx context.Context, entry JournalEntry) error
	List(ctx context.Context, opts ListOpts) ([]JournalEntry, error)
}
