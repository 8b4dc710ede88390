package domain

import (
	"fmt"
	"time"
)

// TxAction is the kind of trade a broadcast transaction performs.
type TxAction string

const (
	TxActionBuy  TxAction = "buy"
	TxActionSell TxAction = "sell"
)

// TxStatus is the confirmation status of a broadcast transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
	TxStatusTimeout   TxStatus = "timeout"
)

// Failure reasons reported to failure callbacks.
const (
	ReasonFailedOnChain = "failed on-chain"
	ReasonTimeout       = "timeout"
)

// BuyIntent carries what a buy callback needs to open a Position.
type BuyIntent struct {
	Symbol        string
	Platform      string
	Source        string
	SolAmount     float64
	ExpectedPrice float64
	ExpectedQty   float64
	// LockToken is the buy-lock lease handed over from the executor. The
	// buy callback releases it.
	LockToken string
}

// SellIntent carries what a sell callback needs to update or close a
// Position.
type SellIntent struct {
	Reason         ExitReason
	Fraction       float64
	QuantityBefore float64
	TriggerPrice   float64
	// Moonbag is set when a successful partial sell should leave the
	// remainder flagged as a moon bag.
	Moonbag bool
}

// Full reports whether the sell closes the whole position.
func (s SellIntent) Full() bool {
	return s.Fraction >= 1
}

// PendingTransaction is a broadcast transaction awaiting confirmation. It is
// never persisted.
type PendingTransaction struct {
	Signature   string
	Action      TxAction
	Mint        string
	SubmittedAt time.Time
	Status      TxStatus
	LastError   string

	Buy  *BuyIntent
	Sell *SellIntent
}

// Validate checks the action matches the attached intent.
func (tx PendingTransaction) Validate() error {
	if tx.Signature == "" {
		return fmt.Errorf("pending tx: empty signature")
	}
	if tx.Mint == "" {
		return fmt.Errorf("pending tx %s: empty mint", tx.Signature)
	}
	switch tx.Action {
	case TxActionBuy:
		if tx.Buy == nil {
			return fmt.Errorf("pending tx %s: buy without buy intent", tx.Signature)
		}
	case TxActionSell:
		if tx.Sell == nil {
			return fmt.Errorf("pending tx %s: sell without sell intent", tx.Signature)
		}
	default:
		return fmt.Errorf("pending tx %s: unknown action %q", tx.Signature, tx.Action)
	}
	return nil
}

// PendingBuy records a broadcast buy whose confirmation timed out. The
// transaction may still land, so the instrument stays blocked and
// reconciliation adopts the holding if a balance shows up.
type PendingBuy struct {
	Mint        string    `json:"mint"`
	Signature   string    `json:"signature"`
	Intent      BuyIntent `json:"intent"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TxOutcome is the terminal result of a confirmation attempt.
type TxOutcome struct {
	Status TxStatus
	Reason string
}

// Kind classifies the outcome for accounting. A timeout is ambiguous: the
// transaction may still land.
func (o TxOutcome) Kind() ErrorKind {
	switch o.Status {
	case TxStatusTimeout:
		return KindAmbiguous
	case TxStatusFailed:
		return KindFatal
	default:
		return KindRetryable
	}
}

// SignatureStatus is one entry of a chain signature-status lookup.
type SignatureStatus struct {
	Found     bool
	Confirmed bool
	Err       string
}
