package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agripulse.org/internal/ledger"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus encodes a gateway error as a gRPC status. Rejections carry
// "<op>:<STATUS>" as the message so the client can rebuild them.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	var rej *ledger.RejectionError
	if !errors.As(err, &rej) {
		return status.Error(codes.Internal, err.Error())
	}
	msg := rej.Op + ":" + string(rej.Status)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, msg)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, msg)
	case errors.Is(err, ledger.ErrInvalidSignature):
		return status.Error(codes.PermissionDenied, msg)
	default:
		return status.Error(codes.FailedPrecondition, msg)
	}
}

// mapLedgerError converts gRPC errors back into ledger rejections and
// context errors. Anything else passes through.
func mapLedgerError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.NotFound, codes.InvalidArgument, codes.PermissionDenied, codes.FailedPrecondition:
		if op, code, ok := strings.Cut(st.Message(), ":"); ok && isStatusCode(code) {
			return ledger.Reject(op, ledger.Status(code))
		}
		if st.Code() == codes.NotFound {
			return fmt.Errorf("%w: %s", ledger.ErrNotFound, st.Message())
		}
	}
	return err
}

func isStatusCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '_' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
