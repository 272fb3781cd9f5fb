package engine

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	authFailedMessage  = "OpenAI API authentication failed. Please check your API key."
	rateLimitedMessage = "OpenAI API rate limit exceeded. Please try again later."
)

// classify turns a provider error into an EngineError for op.
func classify(op operation, err error) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusUnauthorized || strings.Contains(msg, "API key") || strings.Contains(lower, "authentication"):
		return &EngineError{Kind: KindAuthFailure, Message: authFailedMessage, Err: err}
	case status == http.StatusTooManyRequests || strings.Contains(lower, "rate limit"):
		return &EngineError{Kind: KindRateLimited, Message: rateLimitedMessage, Err: err}
	default:
		return failure(op, KindGenericFailure, err)
	}
}
