package transfer

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/beaver-grid/internal/filetoken"
)

var (
	// ErrUnknownPeer means no address is configured for a daemon id.
	ErrUnknownPeer = errors.New("transfer: unknown peer daemon")
	// ErrChecksumMismatch means the bytes received differ from the bytes sent.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrMissingPath means an upload arrived without a destination path.
	ErrMissingPath = errors.New("transfer: remote path missing")
)

// mapRPC turns gRPC status errors back into the sentinels callers test for.
func mapRPC(remote string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", filetoken.ErrRemoteNotFound, remote)
	case codes.DataLoss:
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, remote)
	case codes.InvalidArgument:
		if st.Message() == ErrMissingPath.Error() {
			return ErrMissingPath
		}
		return fmt.Errorf("transfer: %s: %s", remote, st.Message())
	default:
		return fmt.Errorf("transfer: %s: %w", remote, err)
	}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMissingPath):
		return status.Error(codes.InvalidArgument, ErrMissingPath.Error())
	case errors.Is(err, ErrChecksumMismatch):
		return status.Error(codes.DataLoss, err.Error())
	default:
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Error(codes.Internal, err.Error())
	}
}
