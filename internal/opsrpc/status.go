package opsrpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/satops/command"
	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/apperr"
)

// ToStatusError maps the core error taxonomy onto gRPC status codes.
// Errors that already carry a status pass through unchanged.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrBadRequest),
		errors.Is(err, command.ErrUnknownCommandType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, apperr.ErrInvalidState),
		errors.Is(err, apperr.ErrProtocolViolation):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, gateway.ErrPartialDelivery):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, apperr.ErrNotConnected),
		errors.Is(err, apperr.ErrUpstreamUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
