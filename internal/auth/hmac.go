package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const devIssuer = "freely-dev"

// HMACVerifier accepts HS256 tokens signed with a shared secret. It backs
// local development and tests where no identity provider is reachable.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, missing()
	}
	claims := &idTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(devIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, classify(err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Claims{}, &AuthError{Kind: KindInvalidSignature, Err: errors.New("token has no subject")}
	}
	return claims.identity(), nil
}

// IssueDevToken signs claims for an HMACVerifier using the same secret.
func IssueDevToken(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UID,
			Issuer:    devIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	})
	return token.SignedString(secret)
}
