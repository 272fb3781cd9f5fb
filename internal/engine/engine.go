// Package engine talks to the language model that produces risk assessments
// and client proposals.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type Engine interface {
	RiskAnalysis(ctx context.Context, text string) (json.RawMessage, error)
	GenerateProposal(ctx context.Context, text string) (Proposal, error)
	UpdateProposal(ctx context.Context, current, instructions, newText string) (string, error)
}

// Proposal is a validated generation result: the client-facing markdown plus
// the full structured payload it came with.
type Proposal struct {
	Content string
	Data    json.RawMessage
}

type ErrorKind string

const (
	KindNotConfigured     ErrorKind = "not_configured"
	KindEmptyInput        ErrorKind = "empty_input"
	KindAuthFailure       ErrorKind = "auth_failure"
	KindRateLimited       ErrorKind = "rate_limited"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindGenericFailure    ErrorKind = "generic_failure"
)

// EngineError carries a message that is safe to store on the record and show
// to the owner.
type EngineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EngineError) Error() string { return e.Message }

func (e *EngineError) Unwrap() error { return e.Err }

func KindOf(err error) ErrorKind {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return ""
}

var ErrNotConfigured = &EngineError{
	Kind:    KindNotConfigured,
	Message: "OpenAI API key not configured. Please set OPENAI_API_KEY.",
}

func emptyInput(message string) error {
	return &EngineError{Kind: KindEmptyInput, Message: message}
}

// operation prefixes generic failures, e.g. "AI proposal generation failed: ...".
type operation string

const (
	opAnalysis operation = "AI analysis"
	opGenerate operation = "AI proposal generation"
	opUpdate   operation = "AI proposal update"
)

func failure(op operation, kind ErrorKind, err error) error {
	return &EngineError{Kind: kind, Message: fmt.Sprintf("%s failed: %v", op, err), Err: err}
}
