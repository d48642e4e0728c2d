package domain

import (
	"errors"
	"fmt"
)

var (
	ErrQuoteNotFound   = errors.New("quote not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrTemporary       = errors.New("temporary failure")
	ErrPermanent       = errors.New("permanent failure")
	ErrFileTooLarge    = errors.New("file exceeds sync processing limit")
	ErrInvalidConfig   = errors.New("invalid processor configuration")
	ErrAnalysisInvalid = errors.New("analysis output rejected")
	ErrStatusConflict  = errors.New("quote status does not allow this operation")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Permanent marks err as not worth retrying. Size-limit and configuration
// violations are always permanent.
func Permanent(operation string, err error) error {
	return WrapError(ErrPermanent, operation, err)
}

// IsPermanent reports whether a retry can never succeed.
func IsPermanent(err error) bool {
	return IsKind(err, ErrPermanent) || IsKind(err, ErrFileTooLarge) || IsKind(err, ErrInvalidConfig)
}
