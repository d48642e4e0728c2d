package resilience

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

var (
	// Transient failures are retried and count against the breaker.
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	// Rejected requests are the caller's fault: no retry, breaker untouched.
	Rejected = ErrorClassification{}
	// Fault is an unrecognised dependency failure.
	Fault = ErrorClassification{RecordFailure: true}
)

// VendorClassifier recognises errors of one dependency. ok is false when the
// error is not one it knows about.
type VendorClassifier func(err error) (class ErrorClassification, ok bool)

// Classifier wraps a vendor classifier with the rules every dependency
// shares. Cancellation is Rejected, an open breaker and network errors are
// Transient, and anything unrecognised is a Fault.
func Classifier(vendor VendorClassifier) ErrorClassifier {
	return func(err error) ErrorClassification {
		if err == nil {
			return ErrorClassification{}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Rejected
		}
		if IsCircuitOpen(err) {
			return Transient
		}
		if vendor != nil {
			if class, ok := vendor(err); ok {
				return class
			}
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return Transient
		}
		return Fault
	}
}

// GRPCStatus classifies Google API errors by their status code.
func GRPCStatus(err error) (ErrorClassification, bool) {
	if _, ok := status.FromError(err); !ok {
		return ErrorClassification{}, false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return Transient, true
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return Rejected, true
	}
	return Fault, true
}

// WrapTemporary marks err as domain.ErrTemporary when classifier says it is
// worth retrying later.
func WrapTemporary(operation string, err error, classifier ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifier == nil {
		classifier = defaultClassifier
	}
	if classifier(err).Retryable || IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
