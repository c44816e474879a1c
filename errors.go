package lifecycle

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeTransitionNotFound     = "TRANSITION_NOT_FOUND"
	ErrCodeTerminalState          = "TERMINAL_STATE"
	ErrCodeAuthorizationDenied    = "AUTHORIZATION_DENIED"
	ErrCodeGateNotMet             = "GATE_NOT_MET"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeDuplicateCode          = "DUPLICATE_CODE"
	ErrCodeInvalidState           = "INVALID_STATE"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
)

var (
	ErrNotFound = apperrors.New("not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrTransitionNotFound = apperrors.New("no transition for operation from current state", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeTransitionNotFound)
	ErrTerminalState = apperrors.New("instance is in a terminal state", apperrors.CategoryConflict).
				WithTextCode(ErrCodeTerminalState)
	ErrAuthorizationDenied = apperrors.New("authorization denied", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeAuthorizationDenied)
	ErrGateNotMet = apperrors.New("transition gate not met", apperrors.CategoryConflict).
			WithTextCode(ErrCodeGateNotMet)
	ErrValidation = apperrors.New("validation error", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrDuplicateCode = apperrors.New("duplicate code", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateCode)
	ErrInvalidState = apperrors.New("invalid state reference", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidState)
	ErrConcurrentModification = apperrors.New("stale version token", apperrors.CategoryConflict).
					WithTextCode(ErrCodeConcurrentModification)
)

// NewError clones a sentinel with a call-site message and optional metadata.
func NewError(base *apperrors.Error, message string, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrValidation
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// WrapError clones a sentinel keeping source error context.
func WrapError(base *apperrors.Error, source error, message string) *apperrors.Error {
	err := NewError(base, message, nil)
	if source != nil {
		err.Source = source
	}
	return err
}

// ErrorCode extracts the taxonomy text code, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
