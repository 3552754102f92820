package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/evidence/models"
)

// KeyIDContextKey is the gin context key holding the caller's key ID: a
// short fingerprint of the presented key, never the key itself. Rate
// limiting and logs identify callers by it.
const KeyIDContextKey = "api_key_id"

// KeyID fingerprints an API key.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

// Auth accepts requests carrying one of apiKeys as X-API-Key or
// Authorization: Bearer. Keys are compared in constant time against every
// configured key, so response timing does not reveal a matching prefix.
// With no keys configured the middleware is a no-op.
func Auth(apiKeys []string) gin.HandlerFunc {
	digests := make([][sha256.Size]byte, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}
	if len(digests) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key, ok := presentedKey(c.Request)
		if !ok {
			abort(c, http.StatusUnauthorized, models.ErrCodeUnauthorized,
				"missing API key: provide X-API-Key header or Authorization: Bearer <key>")
			return
		}

		got := sha256.Sum256([]byte(key))
		match := 0
		for i := range digests {
			match |= subtle.ConstantTimeCompare(got[:], digests[i][:])
		}
		if match != 1 {
			abort(c, http.StatusUnauthorized, models.ErrCodeUnauthorized, "invalid API key")
			return
		}

		c.Set(KeyIDContextKey, KeyID(key))
		c.Next()
	}
}

// presentedKey reads X-API-Key, then a Bearer token. The scheme match is
// case-insensitive.
func presentedKey(r *http.Request) (string, bool) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error: &models.ErrorDetail{Code: code, Message: msg},
	})
}
