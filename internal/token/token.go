package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExpired is returned when a token's expiry is in the past.
	ErrExpired = errors.New("token expired")

	// ErrInvalid is returned when a token cannot be decoded or its
	// signature does not match.
	ErrInvalid = errors.New("token invalid")
)

// JobClaims are the claims carried by a job token issued to the workflow
// backend (n8n). Role identifies the submitter class; the codec itself does
// not check it.
type JobClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// StreamClaims are the claims carried by a stream access token. The token is
// bound to exactly one stream id.
type StreamClaims struct {
	StreamID string `json:"streamId"`
	jwt.RegisteredClaims
}

// IssueJobToken signs a job token with the given role and TTL.
func IssueJobToken(secret, role string, ttl time.Duration) (string, error) {
	claims := &JobClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// IssueStreamToken signs a stream token bound to streamID. The expiry is an
// absolute timestamp because it is inherited from the job token that
// initiated the stream, not chosen fresh.
func IssueStreamToken(secret, streamID string, expiresAt time.Time) (string, error) {
	claims := &StreamClaims{
		StreamID: streamID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// VerifyJobToken parses and validates a job token.
func VerifyJobToken(secret, tokenString string) (*JobClaims, error) {
	claims := &JobClaims{}
	if err := parse(secret, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyStreamToken parses and validates a stream token.
func VerifyStreamToken(secret, tokenString string) (*StreamClaims, error) {
	claims := &StreamClaims{}
	if err := parse(secret, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func parse(secret, tokenString string, claims jwt.Claims) error {
	// Every token issued here carries exp; the stream token inherits it from
	// the job token, so an exp-less token is malformed, not eternal.
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return ErrInvalid
	}
	if !tok.Valid {
		return ErrInvalid
	}
	return nil
}
