package coderunner

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/common/signing"
	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// TokenVerifier checks the request tokens minted by the gateway
type TokenVerifier struct {
	key []byte
}

// NewTokenVerifier creates a verifier for the shared HMAC key
func NewTokenVerifier(key []byte) *TokenVerifier {
	return &TokenVerifier{key: append([]byte(nil), key...)}
}

// Middleware creates authentication middleware with JWT verification
func (tv *TokenVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Missing Authorization header", "Request requires JWT authentication")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "Invalid Authorization header format", "Use Bearer <token>")
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v, expected HS256", token.Header["alg"])
			}
			return tv.key, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(types.TokenIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(time.Minute),
		)
		if err != nil || !token.Valid {
			klog.V(2).Infof("rejected token on %s: %v", c.Request.URL.Path, err)
			abortUnauthorized(c, "Invalid token", fmt.Sprintf("JWT verification failed: %v", err))
			return
		}

		// Read body for canonical request verification
		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResult(fmt.Sprintf("Failed to read body: %v", err)))
				return
			}
			// Restore body for downstream handlers
			c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		claimedHash, _ := claims[signing.ClaimCanonicalRequest].(string)
		if claimedHash == "" || claimedHash != signing.CanonicalRequestHash(c.Request, bodyBytes) {
			abortUnauthorized(c, "Request integrity check failed", "canonical_request_sha256 mismatch - request may have been tampered")
			return
		}

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":  msg,
		"detail": detail,
	})
}
