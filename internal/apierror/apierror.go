package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	// Pipeline error taxonomy. These codes drive the retry policy in the
	// scheduler: RATE_LIMITED defers, UPLOAD_FAILED and PROCESSING_* consume
	// a job attempt, credential codes require the account owner to reconnect.
	ErrRateLimited           ErrorCode = "RATE_LIMITED"
	ErrCredentialUnavailable ErrorCode = "CREDENTIAL_UNAVAILABLE"
	ErrRefreshFailed         ErrorCode = "REFRESH_FAILED"
	ErrInitiationFailed      ErrorCode = "INITIATION_FAILED"
	ErrUploadFailed          ErrorCode = "UPLOAD_FAILED"
	ErrProcessingTimeout     ErrorCode = "PROCESSING_TIMEOUT"
	ErrProcessingFailed      ErrorCode = "PROCESSING_FAILED"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf extracts the error code from err, or INTERNAL_SERVER_ERROR when err
// does not carry one.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

// IsCode reports whether err carries the given pipeline error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := err.(APIError); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrBadRequest:
			return http.StatusBadRequest
		case ErrRateLimited:
			return http.StatusTooManyRequests
		case ErrCredentialUnavailable, ErrRefreshFailed:
			return http.StatusUnauthorized
		case ErrInitiationFailed:
			return http.StatusUnprocessableEntity
		case ErrUploadFailed, ErrProcessingTimeout, ErrProcessingFailed:
			return http.StatusBadGateway
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
