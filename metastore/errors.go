package metastore

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error taxonomy of the persistence core. Lookups never produce a "not
// found" error; absence is a nil or empty return.
var (
	// ErrConcurrencyConflict signals a write-write conflict detected by the
	// backing store. Transient: operations wrapped by the Retryer are
	// re-attempted and callers normally never observe it.
	ErrConcurrencyConflict = errors.New("concurrent write conflict")

	// ErrAlreadyExists signals a uniqueness violation, such as creating an
	// entity whose (parent, name, type) is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotEmpty signals that an entity cannot be dropped because it still
	// has active children.
	ErrNotEmpty = errors.New("entity is not empty")

	// ErrIntegrity signals a programming error or corrupted state, such as a
	// nested transaction or a principal-id mismatch during secret rotation.
	// Never retried.
	ErrIntegrity = errors.New("integrity fault")
)

// IsConcurrencyConflict reports whether err is a retryable write conflict.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// GRPCCode maps a metastore error to the gRPC status code the service layer
// should surface.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, ErrNotEmpty):
		return codes.FailedPrecondition
	case errors.Is(err, ErrConcurrencyConflict):
		return codes.Aborted
	case errors.Is(err, ErrIntegrity):
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// GRPCStatus converts a metastore error into a gRPC status.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(GRPCCode(err), err.Error())
}
