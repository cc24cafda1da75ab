package kubernetes

import (
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/otterscale/kube-explorer/internal/core"
)

// statusReasonToDomainCode maps API server status reasons onto domain
// error codes so the connect layer never sees Kubernetes types.
var statusReasonToDomainCode = map[metav1.StatusReason]core.ErrorCode{
	metav1.StatusReasonUnauthorized:          core.ErrorCodeUnauthenticated,
	metav1.StatusReasonForbidden:             core.ErrorCodePermissionDenied,
	metav1.StatusReasonNotFound:              core.ErrorCodeNotFound,
	metav1.StatusReasonAlreadyExists:         core.ErrorCodeAlreadyExists,
	metav1.StatusReasonConflict:              core.ErrorCodeFailedPrecondition,
	metav1.StatusReasonGone:                  core.ErrorCodeNotFound,
	metav1.StatusReasonInvalid:               core.ErrorCodeInvalidArgument,
	metav1.StatusReasonServerTimeout:         core.ErrorCodeDeadlineExceeded,
	metav1.StatusReasonTimeout:               core.ErrorCodeDeadlineExceeded,
	metav1.StatusReasonTooManyRequests:       core.ErrorCodeResourceExhausted,
	metav1.StatusReasonBadRequest:            core.ErrorCodeInvalidArgument,
	metav1.StatusReasonMethodNotAllowed:      core.ErrorCodeUnimplemented,
	metav1.StatusReasonNotAcceptable:         core.ErrorCodeInvalidArgument,
	metav1.StatusReasonRequestEntityTooLarge: core.ErrorCodeResourceExhausted,
	metav1.StatusReasonUnsupportedMediaType:  core.ErrorCodeInvalidArgument,
	metav1.StatusReasonServiceUnavailable:    core.ErrorCodeUnavailable,
}

// wrapK8sError converts an error returned by a client-go call into a
// core.DomainError. Unreachable API servers become Unavailable; other
// non-API errors are returned unchanged.
func wrapK8sError(err error) error {
	if err == nil {
		return nil
	}

	var apiStatus apierrors.APIStatus
	if !errors.As(err, &apiStatus) {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return &core.DomainError{Code: core.ErrorCodeUnavailable, Message: "cluster unreachable", Cause: err}
		}
		return err
	}

	code, ok := statusReasonToDomainCode[apiStatus.Status().Reason]
	if !ok {
		code = core.ErrorCodeInternal
	}

	return &core.DomainError{
		Code:    code,
		Message: apiStatus.Status().Message,
		Cause:   err,
	}
}
