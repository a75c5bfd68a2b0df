// Package handler provides HTTP handlers for the wpic API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/service"
)

// APIError is the JSON error envelope.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

// writeError maps a domain or service error to its HTTP response.
func writeError(w http.ResponseWriter, err error) {
	apiErr := mapError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(apiErr)
}

func mapError(err error) APIError {
	switch {
	case errors.Is(err, domain.ErrFileRecordNotFound),
		errors.Is(err, domain.ErrNotFound):
		return APIError{
			Code:       "NotFound",
			Message:    "the requested image does not exist",
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, domain.ErrOwnerNotFound):
		return APIError{
			Code:       "OwnerNotFound",
			Message:    "owner does not exist",
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, domain.ErrOwnerAlreadyExists):
		return APIError{
			Code:       "OwnerExists",
			Message:    "an owner with that name already exists",
			HTTPStatus: http.StatusConflict,
		}
	case errors.Is(err, domain.ErrQuotaExceeded):
		return APIError{
			Code:       "QuotaExceeded",
			Message:    "storage quota exceeded",
			HTTPStatus: http.StatusInsufficientStorage,
		}
	case errors.Is(err, service.ErrFileTooLarge):
		return APIError{
			Code:       "FileTooLarge",
			Message:    "upload exceeds the maximum allowed size",
			HTTPStatus: http.StatusRequestEntityTooLarge,
		}
	case errors.Is(err, domain.ErrEmptyContent):
		return APIError{
			Code:       "EmptyContent",
			Message:    "upload body is empty",
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, domain.ErrUnsupportedImageFormat):
		return APIError{
			Code:       "UnsupportedFormat",
			Message:    "unsupported image format",
			HTTPStatus: http.StatusUnsupportedMediaType,
		}
	case errors.Is(err, domain.ErrCorruptImageData):
		return APIError{
			Code:       "CorruptImage",
			Message:    "image data could not be decoded",
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, service.ErrAccessDenied),
		errors.Is(err, service.ErrOwnerInactive):
		return APIError{
			Code:       "AccessDenied",
			Message:    "access denied",
			HTTPStatus: http.StatusForbidden,
		}
	case errors.Is(err, service.ErrInvalidName):
		return APIError{
			Code:       "InvalidName",
			Message:    "owner name must be between 3 and 255 characters",
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, domain.ErrBackendUnavailable),
		errors.Is(err, domain.ErrBackendTimeout):
		return APIError{
			Code:       "BackendUnavailable",
			Message:    "storage backend is unavailable",
			HTTPStatus: http.StatusServiceUnavailable,
		}
	default:
		return APIError{
			Code:       "InternalError",
			Message:    "internal server error",
			HTTPStatus: http.StatusInternalServerError,
		}
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
