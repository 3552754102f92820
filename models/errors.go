package models

import (
	"errors"
	"fmt"
)

// Error codes used in capture results, API responses and internal error handling.
const (
	ErrCodeAntiBot        = "ANTI_BOT_BLOCKED"
	ErrCodeNavigation     = "NAVIGATION_FAILED"
	ErrCodeLoadTimeout    = "LOAD_TIMEOUT"
	ErrCodeReconEmpty     = "RECON_EMPTY"
	ErrCodeAnchorsEmpty   = "ANCHOR_SELECTION_EMPTY"
	ErrCodeLocatorMiss    = "LOCATOR_MISS"
	ErrCodeSession        = "SESSION_ACQUISITION_FAILED"
	ErrCodeScreenshot     = "SCREENSHOT_FAILED"
	ErrCodeTimeout        = "CAPTURE_TIMEOUT"
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeLLMFailure     = "LLM_FAILURE"
	ErrCodeLLMAuthFailure = "LLM_AUTH_FAILURE"
	ErrCodeLLMRateLimited = "LLM_RATE_LIMITED"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of API responses that carry no result.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

// CaptureError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type CaptureError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError creates a new CaptureError.
func NewCaptureError(code, message string, err error) *CaptureError {
	return &CaptureError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *CaptureError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// AsCaptureError returns err as a *CaptureError, wrapping foreign errors
// under ErrCodeInternal.
func AsCaptureError(err error) *CaptureError {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	return NewCaptureError(ErrCodeInternal, err.Error(), err)
}
