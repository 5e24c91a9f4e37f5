// pkg/apperror/apperror.go
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeAlreadyOwned       = "ALREADY_OWNED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeInvalidType        = "INVALID_TYPE"
	CodeTooLarge           = "TOO_LARGE"
	CodeDuplicateContent   = "DUPLICATE_CONTENT"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeGatewayRejected    = "GATEWAY_REJECTED"
	CodeValidation         = "VALIDATION_ERROR"
)

type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

func AlreadyOwned(message string) *AppError {
	return &AppError{
		Code:    CodeAlreadyOwned,
		Message: message,
		Status:  http.StatusConflict,
	}
}

func InvalidTransition(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: message,
		Status:  http.StatusConflict,
	}
}

func InvalidType(mimeType string) *AppError {
	return &AppError{
		Code:    CodeInvalidType,
		Message: fmt.Sprintf("file type %s is not allowed", mimeType),
		Status:  http.StatusUnsupportedMediaType,
	}
}

func TooLarge(size, limit int64) *AppError {
	return &AppError{
		Code:    CodeTooLarge,
		Message: fmt.Sprintf("file size %d bytes exceeds maximum allowed size %d bytes", size, limit),
		Status:  http.StatusRequestEntityTooLarge,
	}
}

func DuplicateContent(existingID string) *AppError {
	return &AppError{
		Code:    CodeDuplicateContent,
		Message: fmt.Sprintf("identical content already uploaded as %s", existingID),
		Status:  http.StatusConflict,
	}
}

func QuotaExceeded(used, limit int64) *AppError {
	return &AppError{
		Code:    CodeQuotaExceeded,
		Message: fmt.Sprintf("storage quota exceeded: %d of %d bytes", used, limit),
		Status:  http.StatusRequestEntityTooLarge,
	}
}

func StorageUnavailable(err error) *AppError {
	return &AppError{
		Code:    CodeStorageUnavailable,
		Message: "object storage is unavailable",
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

func GatewayRejected(message string, err error) *AppError {
	return &AppError{
		Code:    CodeGatewayRejected,
		Message: message,
		Status:  http.StatusPaymentRequired,
		Err:     err,
	}
}

func Validation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// As returns the AppError in err's chain, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
