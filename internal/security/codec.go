// Package security decodes bearer tokens, answers validity questions about them,
// and signs tokens for the development backend.
//
// The decoding side never verifies signatures: the admin API does that. It exists
// so the console can stop sending tokens it already knows are expired or garbage.
package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken is returned when a token is not three segments with a JSON payload.
	ErrMalformedToken = errors.New("malformed token")
	// ErrTokenExpired is returned when a well-formed token's exp is not in the future.
	ErrTokenExpired = errors.New("token expired")
)

// payloadParser only decodes base64url segments; it is never used to verify a token.
var payloadParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode returns the claims carried in the payload segment of token.
// Wrong segment count, bad base64, non-object JSON and trailing data all yield
// ErrMalformedToken.
func Decode(token string) (jwt.MapClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	payload, err := payloadParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrMalformedToken, err)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	claims := jwt.MapClaims{}
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrMalformedToken, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedToken)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after payload", ErrMalformedToken)
	}
	return claims, nil
}

// ExpirationInstant returns the exp claim of token. ok is false when the token does
// not decode, has no exp, or exp is not numeric.
func ExpirationInstant(token string) (exp time.Time, ok bool) {
	claims, err := Decode(token)
	if err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time.UTC(), true
}

// Subject returns the sub claim, or "" if absent or the token does not decode.
func Subject(token string) string {
	claims, err := Decode(token)
	if err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
