package trading

import (
	"github.com/ksred/tradeguard-api/internal/types"
)

// Submission error codes. These are routine dedup-layer outcomes, so they are
// carried in the result rather than raised as errors.
const (
	ErrCodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	ErrCodeAdapterNotFound       = "ADAPTER_NOT_FOUND"
	ErrCodeSubmissionInProgress  = "SUBMISSION_IN_PROGRESS"
	ErrCodeSubmissionFailed      = "SUBMISSION_FAILED"
)

// SubmissionResult is the outcome of an idempotent submission. Success and
// ErrorCode describe what happened; IsIdempotentResponse marks responses that
// reflect a previously completed action rather than a newly executed one.
type SubmissionResult struct {
	Success              bool                 `json:"success"`
	IsIdempotentResponse bool                 `json:"is_idempotent_response"`
	IdempotencyKey       string               `json:"idempotency_key"`
	Response             *types.OrderResponse `json:"response,omitempty"`
	ErrorCode            string               `json:"error_code,omitempty"`
	ErrorMessage         string               `json:"error_message,omitempty"`
}

func failure(key, code, message string) *SubmissionResult {
	return &SubmissionResult{
		Success:        false,
		IdempotencyKey: key,
		ErrorCode:      code,
		ErrorMessage:   message,
	}
}
