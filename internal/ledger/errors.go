package ledger

import (
	"errors"
	"fmt"
)

// Validation errors: rejected synchronously, never retried, never partially applied.
var (
	ErrInvalidOutcome      = errors.New("invalid outcome: must be 0 or 1")
	ErrNonPositiveAmount   = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient channel balance")
	ErrReservedParticipant = errors.New("participant address is reserved")
	ErrMarketMismatch      = errors.New("bet market does not match channel market")
	ErrEmptyParticipant    = errors.New("participant address is empty")
	ErrEmptyMarket         = errors.New("market id is empty")
	ErrAmountOverflow      = errors.New("amount overflows channel balance")
)

// State errors: caller misuse or a lost race.
var (
	ErrChannelNotFound   = errors.New("channel not found")
	ErrChannelNotOpen    = errors.New("channel is not open")
	ErrAlreadyOpen       = errors.New("market already has an active channel")
	ErrInvalidTransition = errors.New("invalid channel status transition")
	ErrVersionConflict   = errors.New("channel version conflict")
	ErrMarketNotResolved = errors.New("market is not resolved")
	ErrAlreadySettled    = errors.New("channel already settled")
	ErrChannelAborted    = errors.New("channel settlement was aborted")
)

// Coordination errors: the channel stays Finalizing and the batch build can be retried.
var (
	ErrInsufficientSignatures = errors.New("insufficient signatures for quorum")
	ErrDigestMismatch         = errors.New("signature does not attest to state digest")
	ErrSettlementInProgress   = errors.New("settlement already in progress for channel")
)

// External errors: retried with the same immutable batch, never treated as success.
var (
	ErrMarketLookup        = errors.New("market status lookup failed")
	ErrSubmissionTransient = errors.New("settlement submission failed transiently")
	ErrChainRejected       = errors.New("settlement rejected by chain")
)

// InsufficientBalanceError names the bettor and the shortfall.
type InsufficientBalanceError struct {
	User      string
	Needed    int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient channel balance for %s: needed=%d, available=%d",
		e.User, e.Needed, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// InsufficientSignaturesError reports how far short of quorum collection fell.
type InsufficientSignaturesError struct {
	Got      int
	Required int
}

func (e *InsufficientSignaturesError) Error() string {
	return fmt.Sprintf("insufficient signatures: got=%d, required=%d", e.Got, e.Required)
}

func (e *InsufficientSignaturesError) Is(target error) bool {
	return target == ErrInsufficientSignatures
}

// ChainRejectedError carries the deterministic rejection reason from the chain.
type ChainRejectedError struct {
	Reason string
}

func (e *ChainRejectedError) Error() string {
	return fmt.Sprintf("settlement rejected by chain: %s", e.Reason)
}

func (e *ChainRejectedError) Is(target error) bool {
	return target == ErrChainRejected
}

var validationErrors = []error{
	ErrInvalidOutcome,
	ErrNonPositiveAmount,
	ErrInsufficientBalance,
	ErrReservedParticipant,
	ErrMarketMismatch,
	ErrEmptyParticipant,
	ErrEmptyMarket,
	ErrAmountOverflow,
}

var stateErrors = []error{
	ErrChannelNotFound,
	ErrChannelNotOpen,
	ErrAlreadyOpen,
	ErrInvalidTransition,
	ErrVersionConflict,
	ErrMarketNotResolved,
	ErrAlreadySettled,
	ErrChannelAborted,
}

var coordinationErrors = []error{
	ErrInsufficientSignatures,
	ErrDigestMismatch,
	ErrSettlementInProgress,
}

var transientErrors = []error{
	ErrMarketLookup,
	ErrSubmissionTransient,
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err rejects malformed input.
func IsValidation(err error) bool { return isAny(err, validationErrors) }

// IsState reports whether err rejects an operation because of channel status.
func IsState(err error) bool { return isAny(err, stateErrors) }

// IsCoordination reports whether err is a Finalizing-stage failure that is safe to retry.
func IsCoordination(err error) bool { return isAny(err, coordinationErrors) }

// IsTransient reports whether err came from an unavailable collaborator.
func IsTransient(err error) bool { return isAny(err, transientErrors) }
