// Package csrf mints and checks the anti-forgery nonces bound to onboarding
// sessions. These are not secret credentials; validation is a plain boolean
// with no side channel distinguishing why a token was rejected.
package csrf

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"time"
)

// DefaultMaxAge is how long an issued token stays acceptable.
const DefaultMaxAge = time.Hour

const tokenBytes = 16

var tokenPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// Issue returns a fresh token and its issuance time in epoch seconds.
func Issue() (token string, issuedAt int64, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", 0, fmt.Errorf("generate csrf token: %w", err)
	}
	return hex.EncodeToString(buf), time.Now().Unix(), nil
}

// Validate checks token format and age against maxAge. All failures collapse
// to false.
func Validate(token string, issuedAt int64, maxAge time.Duration) bool {
	return validateAt(token, issuedAt, maxAge, time.Now())
}

func validateAt(token string, issuedAt int64, maxAge time.Duration, now time.Time) bool {
	if !tokenPattern.MatchString(token) {
		return false
	}
	if issuedAt < 0 || maxAge <= 0 {
		return false
	}
	age := now.Unix() - issuedAt
	if age < 0 || age > int64(maxAge.Seconds()) {
		return false
	}
	return true
}
