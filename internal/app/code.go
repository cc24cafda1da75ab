package app

import (
	"errors"

	"connectrpc.com/connect"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/otterscale/kube-explorer/internal/core"
)

// domainCodeToConnectCode maps domain-level error codes to their
// ConnectRPC equivalents.
var domainCodeToConnectCode = map[core.ErrorCode]connect.Code{
	core.ErrorCodeInternal:           connect.CodeInternal,
	core.ErrorCodeInvalidArgument:    connect.CodeInvalidArgument,
	core.ErrorCodeNotFound:           connect.CodeNotFound,
	core.ErrorCodeAlreadyExists:      connect.CodeAlreadyExists,
	core.ErrorCodeUnauthenticated:    connect.CodeUnauthenticated,
	core.ErrorCodePermissionDenied:   connect.CodePermissionDenied,
	core.ErrorCodeFailedPrecondition: connect.CodeFailedPrecondition,
	core.ErrorCodeDeadlineExceeded:   connect.CodeDeadlineExceeded,
	core.ErrorCodeResourceExhausted:  connect.CodeResourceExhausted,
	core.ErrorCodeUnimplemented:      connect.CodeUnimplemented,
	core.ErrorCodeUnavailable:        connect.CodeUnavailable,
}

// statusReasonToConnectCode maps Kubernetes StatusReason values to
// their closest ConnectRPC error code equivalents.
var statusReasonToConnectCode = map[metav1.StatusReason]connect.Code{
	metav1.StatusReasonUnauthorized:          connect.CodeUnauthenticated,
	metav1.StatusReasonForbidden:             connect.CodePermissionDenied,
	metav1.StatusReasonNotFound:              connect.CodeNotFound,
	metav1.StatusReasonAlreadyExists:         connect.CodeAlreadyExists,
	metav1.StatusReasonConflict:              connect.CodeFailedPrecondition,
	metav1.StatusReasonGone:                  connect.CodeNotFound,
	metav1.StatusReasonInvalid:               connect.CodeInvalidArgument,
	metav1.StatusReasonServerTimeout:         connect.CodeDeadlineExceeded,
	metav1.StatusReasonStoreReadError:        connect.CodeInternal,
	metav1.StatusReasonTimeout:               connect.CodeDeadlineExceeded,
	metav1.StatusReasonTooManyRequests:       connect.CodeResourceExhausted,
	metav1.StatusReasonBadRequest:            connect.CodeInvalidArgument,
	metav1.StatusReasonMethodNotAllowed:      connect.CodeUnimplemented,
	metav1.StatusReasonNotAcceptable:         connect.CodeInvalidArgument,
	metav1.StatusReasonRequestEntityTooLarge: connect.CodeResourceExhausted,
	metav1.StatusReasonUnsupportedMediaType:  connect.CodeInvalidArgument,
	metav1.StatusReasonInternalError:         connect.CodeInternal,
	metav1.StatusReasonExpired:               connect.CodeInvalidArgument,
	metav1.StatusReasonServiceUnavailable:    connect.CodeUnavailable,
}

// toConnectError converts an error returned by the domain layer into
// a ConnectRPC error. Typed domain errors are checked first, then
// DomainError codes, then Kubernetes API statuses that reached the
// API unwrapped. Anything else becomes connect.CodeInternal. Errors
// that already carry a connect code are returned as they are.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	var invalidInput *core.ErrInvalidInput
	if errors.As(err, &invalidInput) {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	var contextNotFound *core.ErrContextNotFound
	if errors.As(err, &contextNotFound) {
		return connect.NewError(connect.CodeNotFound, err)
	}
	var watchNotFound *core.ErrWatchNotFound
	if errors.As(err, &watchNotFound) {
		return connect.NewError(connect.CodeNotFound, err)
	}
	var notReady *core.ErrNotReady
	if errors.As(err, &notReady) {
		return connect.NewError(connect.CodeUnavailable, err)
	}

	// A failed multi-context delete reports the code of its first
	// classified cause.
	var deleteFailed *core.ErrDeleteFailed
	if errors.As(err, &deleteFailed) {
		for _, cause := range deleteFailed.Errs {
			if code := classify(cause); code != connect.CodeInternal {
				return connect.NewError(code, err)
			}
		}
		return connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewError(classify(err), err)
}

// classify returns the connect code carried by a DomainError or a
// Kubernetes API status, falling back to connect.CodeInternal.
func classify(err error) connect.Code {
	var domainErr *core.DomainError
	if errors.As(err, &domainErr) {
		if code, ok := domainCodeToConnectCode[domainErr.Code]; ok {
			return code
		}
		return connect.CodeInternal
	}

	var apiStatus apierrors.APIStatus
	if errors.As(err, &apiStatus) {
		if code, ok := statusReasonToConnectCode[apiStatus.Status().Reason]; ok {
			return code
		}
	}
	return connect.CodeInternal
}
