package social

import (
	"errors"
	"fmt"
)

// ErrorCode classifies downstream failures for retry and escalation
// decisions. Stored on posts as last_error_code.
type ErrorCode string

const (
	CodeTokenExpired ErrorCode = "TOKEN_EXPIRED"
	CodePermission   ErrorCode = "PERMISSION_ERROR"
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
	CodeNetwork      ErrorCode = "NETWORK_ERROR"
	CodeUnknown      ErrorCode = "UNKNOWN_ERROR"
)

// APIError is a classified social API failure.
type APIError struct {
	Code      ErrorCode
	Status    int
	Operation string
	Msg       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("social %s: %s (%s, status %d)", e.Operation, e.Msg, e.Code, e.Status)
}

// Classify extracts the ErrorCode from err, defaulting to UNKNOWN_ERROR.
func Classify(err error) ErrorCode {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// Retriable reports whether the error class warrants a retry with backoff.
func Retriable(code ErrorCode) bool {
	return code == CodeRateLimit || code == CodeNetwork
}

// classifyStatus maps an HTTP status and API error subcode to an ErrorCode.
// OAuth subcode 190 is the platform's "token expired/invalid" marker.
func classifyStatus(status, subcode int) ErrorCode {
	switch {
	case status == 401 || subcode == 190:
		return CodeTokenExpired
	case status == 403:
		return CodePermission
	case status == 429 || subcode == 4:
		return CodeRateLimit
	case status >= 500:
		return CodeNetwork
	default:
		return CodeUnknown
	}
}
