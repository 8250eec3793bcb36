// Package auth defines the authentication provider contract and the access
// token format shared by the providers.
//
// Two providers exist: gotrue talks to the hosted auth service, local keeps
// accounts in the application's own sqlite database. Both hand out HS256
// access tokens whose "sub" claim is the user id, so the rest of the
// application only ever needs ParseAccessToken to learn who a caller is.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aanand-mishra/student-registry/internal/types"
)

// Tokens is the result of a successful sign-in, sign-up or refresh.
// AccessToken is empty after a sign-up that still needs email confirmation.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         types.User
}

// HasSession reports whether the tokens carry a usable session.
func (t Tokens) HasSession() bool { return t.AccessToken != "" }

// Provider is the authentication interface the application consumes.
// Errors are *apperr.Error values.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (Tokens, error)
	SignUp(ctx context.Context, email, password string) (Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	SignOut(ctx context.Context, accessToken string) error
}

// Claims is the access token payload.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid access token")

// ParseAccessToken verifies an HS256 access token and returns its claims.
func ParseAccessToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SignAccessToken issues an access token for user valid for ttl.
func SignAccessToken(secret string, user types.User, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := &Claims{
		Email: user.Email,
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}
