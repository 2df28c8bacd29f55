package router

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/volcano-sh/usersandbox/pkg/common/signing"
	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

const (
	// jwtExpiration is the lifetime of a request token
	jwtExpiration = 5 * time.Minute
	// minKeyLength is the shortest accepted HMAC key
	minKeyLength = 32
)

// RequestSigner signs requests to sandboxes with a shared HMAC key
type RequestSigner struct {
	key []byte
	now func() time.Time
}

// NewRequestSigner creates a RequestSigner from raw key bytes
func NewRequestSigner(key []byte) (*RequestSigner, error) {
	if len(key) < minKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", minKeyLength, len(key))
	}
	return &RequestSigner{
		key: append([]byte(nil), key...),
		now: time.Now,
	}, nil
}

// LoadRequestSigner reads the key from keyFile, e.g. a mounted Secret
func LoadRequestSigner(keyFile string) (*RequestSigner, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}
	return NewRequestSigner(bytes.TrimSpace(data))
}

// SignRequest adds a signed JWT Authorization header to the request.
// The token binds the user and a hash of the request so it cannot be replayed against another call.
func (rs *RequestSigner) SignRequest(req *http.Request, userID string, body []byte) error {
	now := rs.now()
	claims := jwt.MapClaims{
		"iss":                           types.TokenIssuer,
		"sub":                           userID,
		"iat":                           now.Unix(),
		"exp":                           now.Add(jwtExpiration).Unix(),
		signing.ClaimCanonicalRequest: signing.CanonicalRequestHash(req, body),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(rs.key)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tokenString)
	return nil
}
