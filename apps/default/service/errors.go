package service

import (
	"errors"

	"connectrpc.com/connect"
)

// Only caller-actionable errors cross the session core's public boundary.
// Transient transport failures are retried internally and never surface here.
var (
	ErrTenantRequired      = connect.NewError(connect.CodeInvalidArgument, errors.New("tenant id is required"))
	ErrPhoneNumberRequired = connect.NewError(connect.CodeInvalidArgument, errors.New("phone number is required"))

	// ErrPairingTimeout is returned when no pairing artifact arrived within
	// the bounded wait. The caller may simply retry.
	ErrPairingTimeout = connect.NewError(connect.CodeDeadlineExceeded, errors.New("timed out waiting for pairing artifact"))

	// ErrAlreadyPaired guards against destructive re-pairing of a tenant
	// that already holds registered credentials.
	ErrAlreadyPaired = connect.NewError(
		connect.CodeFailedPrecondition,
		errors.New("tenant already has registered credentials; logout before pairing again"),
	)

	// ErrOperationInProgress is surfaced when the per-tenant advisory lock
	// is held by a concurrent operation. Retryable.
	ErrOperationInProgress = connect.NewError(connect.CodeAborted, errors.New("another operation is already in progress for this tenant"))

	// ErrSessionConflicted indicates another device took over the session;
	// recovery requires an explicit manual reconnect.
	ErrSessionConflicted = connect.NewError(
		connect.CodeFailedPrecondition,
		errors.New("session was taken over by another device; reconnect manually"),
	)

	ErrSessionNotFound = connect.NewError(connect.CodeNotFound, errors.New("no session exists for this tenant"))

	// ErrNoCredentials is returned by silent reconnect paths when no saved
	// bundle exists; a fresh pairing is required instead.
	ErrNoCredentials = connect.NewError(connect.CodeFailedPrecondition, errors.New("no saved credentials; pair the device first"))
)
