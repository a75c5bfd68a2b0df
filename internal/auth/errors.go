// Package auth provides API token authentication for wpic.
package auth

import (
	"errors"
	"net/http"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/service"
)

var (
	// ErrMissingToken indicates no credentials were presented.
	ErrMissingToken = errors.New("missing API token")

	// ErrInvalidMasterKey indicates the presented admin master key is wrong.
	ErrInvalidMasterKey = errors.New("invalid master key")
)

// ErrorCode identifies an authentication failure class in responses.
type ErrorCode string

const (
	CodeMissingToken  ErrorCode = "MissingToken"
	CodeInvalidToken  ErrorCode = "InvalidToken"
	CodeOwnerInactive ErrorCode = "OwnerInactive"
	CodeAccessDenied  ErrorCode = "AccessDenied"
	CodeInternalError ErrorCode = "InternalError"
)

// AuthError carries an HTTP status and stable code for an auth failure.
type AuthError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
}

func (e *AuthError) Error() string {
	return e.Message
}

// NewAuthError maps an authentication error to its response form.
func NewAuthError(err error) *AuthError {
	switch {
	case errors.Is(err, ErrMissingToken):
		return &AuthError{
			Code:       CodeMissingToken,
			Message:    "API token required",
			HTTPStatus: http.StatusUnauthorized,
		}
	case errors.Is(err, domain.ErrInvalidToken):
		return &AuthError{
			Code:       CodeInvalidToken,
			Message:    "invalid API token",
			HTTPStatus: http.StatusUnauthorized,
		}
	case errors.Is(err, service.ErrOwnerInactive):
		return &AuthError{
			Code:       CodeOwnerInactive,
			Message:    "owner is deactivated",
			HTTPStatus: http.StatusForbidden,
		}
	case errors.Is(err, ErrInvalidMasterKey):
		return &AuthError{
			Code:       CodeAccessDenied,
			Message:    "access denied",
			HTTPStatus: http.StatusForbidden,
		}
	default:
		return &AuthError{
			Code:       CodeInternalError,
			Message:    "authentication unavailable",
			HTTPStatus: http.StatusInternalServerError,
		}
	}
}
