package model

import "time"

// API error codes.
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeNotFound   = "not_found"
	ErrCodeInternal   = "internal_error"
)

// ResponseMeta carries request tracking info on every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

// ChatResponse is the payload of a successful chat call.
type ChatResponse struct {
	UserID   int64  `json:"user_id"`
	Response string `json:"response"`
}
