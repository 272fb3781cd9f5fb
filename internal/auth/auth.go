// Package auth verifies the bearer ID tokens callers present.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type ErrorKind string

const (
	KindMissingCredential ErrorKind = "missing_credential"
	KindInvalidSignature  ErrorKind = "invalid_signature"
	KindExpired           ErrorKind = "expired"
	KindAudienceMismatch  ErrorKind = "audience_mismatch"
)

type AuthError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
	}
	return "auth " + string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Message is the caller-facing text for the error kind.
func (e *AuthError) Message() string {
	switch e.Kind {
	case KindMissingCredential:
		return "Missing or invalid Authorization header"
	case KindExpired:
		return "Authentication token has expired. Please sign in again."
	case KindAudienceMismatch:
		return "Token audience mismatch"
	default:
		return "Invalid token signature. Please sign in again."
	}
}

// Claims is the caller identity taken from a verified token.
type Claims struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// idTokenClaims is the JWT payload shape shared by Firebase and dev tokens.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
}

func (c idTokenClaims) identity() Claims {
	return Claims{
		UID:           c.Subject,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Name:          c.Name,
		Picture:       c.Picture,
	}
}

// classify maps a jwt parse failure onto an AuthError kind.
func classify(err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &AuthError{Kind: KindExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &AuthError{Kind: KindAudienceMismatch, Err: err}
	default:
		return &AuthError{Kind: KindInvalidSignature, Err: err}
	}
}

func missing() error {
	return &AuthError{Kind: KindMissingCredential}
}
