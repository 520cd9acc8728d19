package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLockHeld          = errors.New("lock already held")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Aggregator failure taxonomy.
var (
	ErrAggregatorTimeout     = errors.New("aggregator timeout")
	ErrAggregatorRateLimited = errors.New("aggregator rate limited")
	ErrNoLiquidity           = errors.New("no liquidity")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrAggregatorUnknown     = errors.New("aggregator error")
)

// Routing failures.
var (
	ErrAllAggregatorsFailed = errors.New("all aggregators failed")
	ErrNoRoute              = errors.New("no route available")
)

// Execution-time rejections.
var (
	ErrQuoteRejected       = errors.New("quote no longer valid, re-fetch")
	ErrQuoteExpired        = errors.New("quote expired")
	ErrPriceImpactTooHigh  = errors.New("price impact above ceiling")
	ErrSlippageBound       = errors.New("slippage bound violated")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBroadcastFailed     = errors.New("broadcast failed")
	// ErrNotBroadcast marks a signer failure that provably happened before
	// the transaction left the signer, so the attempt may be retried.
	ErrNotBroadcast = errors.New("transaction not broadcast")
)

// AggregatorError attributes a taxonomy error to one aggregator.
type AggregatorError struct {
	Aggregator string
	Kind       error
	Err        error
}

func (e *AggregatorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Aggregator, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Aggregator, e.Kind, e.Err)
}

func (e *AggregatorError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewAggregatorError builds an AggregatorError of the given kind.
func NewAggregatorError(aggregator string, kind, err error) *AggregatorError {
	return &AggregatorError{Aggregator: aggregator, Kind: kind, Err: err}
}

// AllAggregatorsFailedError is returned by the router when no aggregator
// produced a usable quote.
type AllAggregatorsFailedError struct {
	Outcomes []AggregatorOutcome
}

func (e *AllAggregatorsFailedError) Error() string {
	parts := make([]string, 0, len(e.Outcomes))
	for _, o := range e.Outcomes {
		if o.Err != nil {
			parts = append(parts, o.Err.Error())
		} else {
			parts = append(parts, o.AggregatorID+": no quote")
		}
	}
	head := ErrAllAggregatorsFailed.Error()
	if e.NoRoute() {
		head = ErrNoRoute.Error()
	}
	if len(parts) == 0 {
		return head
	}
	return head + ": " + strings.Join(parts, "; ")
}

// NoRoute reports whether every participant answered with no liquidity.
func (e *AllAggregatorsFailedError) NoRoute() bool {
	if len(e.Outcomes) == 0 {
		return false
	}
	for _, o := range e.Outcomes {
		if !errors.Is(o.Err, ErrNoLiquidity) {
			return false
		}
	}
	return true
}

func (e *AllAggregatorsFailedError) Is(target error) bool {
	switch target {
	case ErrAllAggregatorsFailed:
		return true
	case ErrNoRoute:
		return e.NoRoute()
	}
	return false
}

// RejectedError is a validation rejection with a human-readable reason.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrQuoteRejected, e.Reason)
}

func (e *RejectedError) Unwrap() []error {
	return []error{ErrQuoteRejected, e.Err}
}

// Reject builds a RejectedError for kind.
func Reject(kind error, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: fmt.Sprintf(format, args...), Err: kind}
}
