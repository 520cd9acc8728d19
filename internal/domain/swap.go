package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ExecutionStatus tracks the swap execution lifecycle.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionSubmitted ExecutionStatus = "submitted"
	ExecutionConfirmed ExecutionStatus = "confirmed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionExpired   ExecutionStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionConfirmed, ExecutionFailed, ExecutionExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a forward step.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionSubmitted || next == ExecutionFailed || next == ExecutionExpired
	case ExecutionSubmitted:
		return next == ExecutionConfirmed || next == ExecutionFailed || next == ExecutionExpired
	}
	return false
}

// ChainTxStatus is what the chain RPC reports for a transaction hash.
type ChainTxStatus string

const (
	ChainTxPending   ChainTxStatus = "pending"
	ChainTxConfirmed ChainTxStatus = "confirmed"
	ChainTxReverted  ChainTxStatus = "reverted"
	ChainTxNotFound  ChainTxStatus = "not_found"
)

// Common lastError reasons.
const (
	ReasonCancelled        = "cancelled"
	ReasonTrackingTimeout  = "status unknown, check chain explorer"
	ReasonTrackingStopped  = "tracking cancelled, status unknown, check chain explorer"
	ReasonReverted         = "transaction reverted on chain"
	ReasonAttemptsExceeded = "maximum submission attempts exceeded"
)

// SwapRequest is a user's instruction to execute a swap.
type SwapRequest struct {
	ID             string
	UserID         string
	Wallet         string
	QuoteRequest   QuoteRequest
	QuoteID        string
	MinBuyAmount   *big.Int
	MaxSellAmount  *big.Int
	IdempotencyKey string
	Nonce          string // distinguishes intentional repeats when no key is given
	SubmittedAt    time.Time
}

// DeriveIdempotencyKey hashes the fields that make two swap requests the same
// logical intent. nonce is caller-supplied or a time bucket.
func DeriveIdempotencyKey(userID, sellToken, buyToken string, amount *big.Int, nonce string) string {
	a := "0"
	if amount != nil {
		a = amount.String()
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%s",
		userID,
		strings.ToLower(sellToken),
		strings.ToLower(buyToken),
		a,
		nonce,
	)
	return ethcrypto.Keccak256Hash([]byte(raw)).Hex()
}

// TimeBucketNonce returns the default nonce: the start of the dedup window
// containing t, as unix seconds.
func TimeBucketNonce(t time.Time, window time.Duration) string {
	if window <= 0 {
		return fmt.Sprintf("%d", t.Unix())
	}
	return fmt.Sprintf("%d", t.Truncate(window).Unix())
}

// SwapExecution is the durable record of one swap attempt.
type SwapExecution struct {
	ID             string          `json:"id"`
	SwapRequestID  string          `json:"swapRequestId"`
	UserID         string          `json:"userId"`
	Wallet         string          `json:"wallet"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ChainID        int64           `json:"chainId"`
	ChosenQuote    Quote           `json:"chosenQuote"`
	TxHash         string          `json:"txHash,omitempty"`
	Status         ExecutionStatus `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
}

// ExecutionEvent is published whenever an execution changes status.
type ExecutionEvent struct {
	ExecutionID string          `json:"executionId"`
	UserID      string          `json:"userId"`
	Status      ExecutionStatus `json:"status"`
	TxHash      string          `json:"txHash,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	At          time.Time       `json:"at"`
}

// EventFor builds the status event for e.
func EventFor(e SwapExecution) ExecutionEvent {
	return ExecutionEvent{
		ExecutionID: e.ID,
		UserID:      e.UserID,
		Status:      e.Status,
		TxHash:      e.TxHash,
		LastError:   e.LastError,
		At:          e.UpdatedAt,
	}
}

// ExecutionChannel is the event-bus channel for one execution.
func ExecutionChannel(id string) string {
	return "exec:" + id
}

// ReservationOutcome is the result of an idempotency reservation attempt.
type ReservationOutcome int

const (
	Reserved ReservationOutcome = iota
	AlreadyInProgress
	AlreadyCompleted
)

func (o ReservationOutcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case AlreadyInProgress:
		return "already_in_progress"
	case AlreadyCompleted:
		return "already_completed"
	}
	return "unknown"
}

// Reservation reports which execution holds an idempotency key.
type Reservation struct {
	Outcome     ReservationOutcome
	ExecutionID string
}

// Bounds are the caller-declared limits a chosen quote must respect. A nil
// field is not enforced.
type Bounds struct {
	MinBuyAmount  *big.Int
	MaxSellAmount *big.Int
}

// Bounds returns the declared limits of the request.
func (r SwapRequest) Bounds() Bounds {
	return Bounds{MinBuyAmount: r.MinBuyAmount, MaxSellAmount: r.MaxSellAmount}
}
