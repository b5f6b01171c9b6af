package server

import (
	"context"
	"errors"

	"BetChannel/internal/ledger"

	"google.golang.org/grpc/codes"
)

// codeFor maps a domain error to a gRPC status code. HTTP statuses are
// derived from it with runtime.HTTPStatusFromCode.
func codeFor(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ledger.ErrChannelNotFound):
		return codes.NotFound
	case errors.Is(err, ledger.ErrAlreadyOpen),
		errors.Is(err, ledger.ErrAlreadySettled):
		return codes.AlreadyExists
	case errors.Is(err, ledger.ErrVersionConflict),
		errors.Is(err, ledger.ErrSettlementInProgress):
		return codes.Aborted
	case ledger.IsValidation(err):
		return codes.InvalidArgument
	case ledger.IsState(err),
		errors.Is(err, ledger.ErrChainRejected):
		return codes.FailedPrecondition
	case ledger.IsCoordination(err),
		ledger.IsTransient(err):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
