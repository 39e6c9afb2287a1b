// Package userctx resolves the acting user for a request and optionally
// verifies a shared-secret HMAC signature over it.
package userctx

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/ids"
)

// Request headers.
const (
	HeaderUser      = "X-Buff-User"
	HeaderAuth      = "X-Buff-Auth"
	HeaderTimestamp = "X-Buff-Timestamp"
)

// MaxClockSkew bounds the age of a signed timestamp in either direction.
const MaxClockSkew = 300 * time.Second

// Resolver extracts and validates the acting user, enforcing HMAC
// authentication when a secret is configured.
type Resolver struct {
	// DefaultUser is used when the request carries no user header.
	DefaultUser string

	// HMACSecret enables signature verification when non-empty.
	HMACSecret string

	// Now is replaceable for tests.
	Now func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(defaultUser, hmacSecret string) *Resolver {
	return &Resolver{DefaultUser: defaultUser, HMACSecret: hmacSecret, Now: time.Now}
}

// Resolve returns the user id acting on r, or an authentication error.
func (rv *Resolver) Resolve(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUser))
	if userID == "" {
		userID = rv.DefaultUser
	}
	if userID == "" {
		return "", apperr.New(apperr.CodeUserMissing, 400, "no user header and no default user configured")
	}
	if err := ids.ValidateUserID(userID); err != nil {
		return "", apperr.Newf(apperr.CodeUserInvalid, 400, "invalid user id %q", userID)
	}
	if rv.HMACSecret != "" {
		if err := rv.verify(r, userID); err != nil {
			return "", err
		}
	}
	return userID, nil
}

func (rv *Resolver) verify(r *http.Request, userID string) error {
	signature := strings.TrimSpace(r.Header.Get(HeaderAuth))
	if signature == "" {
		return apperr.New(apperr.CodeAuthMissing, 401, "signature header is required")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return apperr.New(apperr.CodeTimestampMissing, 401, "timestamp header is required")
	}
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return apperr.New(apperr.CodeTimestampInvalid, 401, "timestamp must be unix seconds")
	}
	skew := rv.Now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return apperr.New(apperr.CodeTimestampInvalid, 401, "timestamp outside the allowed clock skew")
	}

	expected := Sign(rv.HMACSecret, userID, r.Method, r.URL.Path, tsHeader)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) != 1 {
		return apperr.New(apperr.CodeAuthInvalid, 401, "signature mismatch")
	}
	return nil
}

// Sign computes the lowercase hex HMAC-SHA256 over the canonical request
// string. The path is taken without query string and without a trailing
// slash, so signed URLs survive proxy normalization.
func Sign(secret, userID, method, path, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s", userID, strings.ToUpper(method), CanonicalPath(path), timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalPath strips any query string and drops a trailing slash (the
// root path stays "/").
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}
